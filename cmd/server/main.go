package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdobak/go-xerrors"

	"luminova/backend/internal/config"
	"luminova/backend/internal/database"
	"luminova/backend/internal/handlers"
	"luminova/backend/internal/logger"
	"luminova/backend/internal/models"
	"luminova/backend/internal/services"
	"luminova/backend/internal/store"
)

var wsClients = &liveClients{
	clients: make(map[string]*liveClient),
}

// liveClient is one dashboard connection watching a child's telemetry.
type liveClient struct {
	conn     *websocket.Conn
	clientID string
	childID  string
	send     chan interface{}
	cancel   context.CancelFunc
}

type liveClients struct {
	mu      sync.RWMutex
	clients map[string]*liveClient
	count   int32
}

type liveMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func main() {
	cfg := config.LoadConfig()
	log := logger.Get()
	metrics := services.GetMetrics()

	log.Info("starting server",
		slog.String("http_port", cfg.HTTPPort),
		slog.String("environment", cfg.Environment),
		slog.String("database", cfg.DSNForLog()))

	db, err := database.Open(cfg.DSN())
	if err != nil {
		log.Error("database connection failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		log.Error("migrations failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}

	st := store.New(db, cfg.DSN())
	api := handlers.NewAPI(st, cfg)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("/ws/live", func(w http.ResponseWriter, r *http.Request) {
		handleLiveSocket(w, r, st, metrics)
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", slog.Any("error", xerrors.New(err)))
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.Any("error", xerrors.New(err)))
	}

	closeAllLiveSockets()
	log.Info("goodbye")
}

// handleLiveSocket upgrades a dashboard connection and fans the child's
// store notifications out to it until the peer goes away.
func handleLiveSocket(w http.ResponseWriter, r *http.Request, st *store.Store, metrics *services.Metrics) {
	log := logger.Get()

	childID := r.URL.Query().Get("childId")
	if childID == "" {
		http.Error(w, "childId is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", slog.Any("error", xerrors.New(err)))
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = "client-" + time.Now().Format("20060102150405.000000")
	}

	subCtx, cancel := context.WithCancel(context.Background())
	client := &liveClient{
		conn:     conn,
		clientID: clientID,
		childID:  childID,
		send:     make(chan interface{}, 256),
		cancel:   cancel,
	}

	wsClients.mu.Lock()
	wsClients.clients[clientID] = client
	wsClients.mu.Unlock()
	atomic.AddInt32(&wsClients.count, 1)
	metrics.WebSocketConnected()

	log.Info("live client connected",
		slog.String("client_id", clientID), slog.String("child_id", childID))

	err = st.SubscribeBiometrics(subCtx, childID, func(s models.BiometricSample) {
		client.enqueue(liveMessage{
			Type: "BIOMETRIC", Payload: s, Timestamp: time.Now().Unix(),
		})
	})
	if err != nil {
		log.Warn("biometric subscription unavailable", slog.Any("error", xerrors.New(err)))
	}
	err = st.SubscribeAlerts(subCtx, childID, func(a models.Alert) {
		client.enqueue(liveMessage{
			Type: "ALERT", Payload: a, Timestamp: time.Now().Unix(),
		})
	})
	if err != nil {
		log.Warn("alert subscription unavailable", slog.Any("error", xerrors.New(err)))
	}

	go client.readPump(metrics)
	go client.writePump()

	client.enqueue(liveMessage{
		Type:      "WELCOME",
		ClientID:  clientID,
		Timestamp: time.Now().Unix(),
		Payload: map[string]interface{}{
			"child_id": childID,
			"version":  "1.0",
		},
	})
}

// enqueue drops the message when the client's buffer is full; a slow
// dashboard must not stall the notification fan-out.
func (c *liveClient) enqueue(msg liveMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *liveClient) readPump(metrics *services.Metrics) {
	defer func() {
		c.cancel()
		c.conn.Close()

		wsClients.mu.Lock()
		delete(wsClients.clients, c.clientID)
		wsClients.mu.Unlock()
		atomic.AddInt32(&wsClients.count, -1)
		metrics.WebSocketDisconnected()

		logger.Get().Info("live client disconnected", slog.String("client_id", c.clientID))
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg liveMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Get().Warn("live client read failed",
					slog.String("client_id", c.clientID), slog.Any("error", xerrors.New(err)))
				metrics.WebSocketError()
			}
			return
		}
		metrics.WebSocketMessage()

		switch msg.Type {
		case "PING":
			c.enqueue(liveMessage{Type: "PONG", ClientID: c.clientID, Timestamp: time.Now().Unix()})
		default:
			logger.Get().Debug("unknown live message type", slog.String("type", msg.Type))
		}
	}
}

func (c *liveClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeAllLiveSockets() {
	wsClients.mu.Lock()
	defer wsClients.mu.Unlock()

	for _, client := range wsClients.clients {
		client.cancel()
		close(client.send)
		client.conn.Close()
	}
	wsClients.clients = make(map[string]*liveClient)
}
