// Package stream implements the live expression stream client: it pulls
// frames from a capture source, ships them over a WebSocket to the
// emotion inference service and folds returned detections into a bounded
// history.
//
// Frames are intentionally lossy: when the connection is not writable the
// frame is dropped, never queued. Only the most recent emotion state
// matters.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdobak/go-xerrors"

	"luminova/backend/internal/history"
	"luminova/backend/internal/logger"
	"luminova/backend/internal/services"
)

const (
	// EmotionNeutral is the default indicator value outside Streaming and
	// whenever the service reports no detections.
	EmotionNeutral = "neutral"

	// DefaultHistorySize caps the client-side detection history.
	DefaultHistorySize = 10

	defaultFrameInterval = 66 * time.Millisecond
	writeTimeout         = 10 * time.Second
)

var (
	// ErrDeviceAccess means the capture device is unavailable or access
	// was denied. Not retried; re-invocation is the caller's call.
	ErrDeviceAccess = errors.New("capture device access failed")

	// ErrTransport means the analysis connection failed to open, errored
	// or closed unexpectedly. Forces a reset to Idle; not retried.
	ErrTransport = errors.New("analysis transport failed")

	// ErrAlreadyStreaming is returned by Start when a session is active.
	ErrAlreadyStreaming = errors.New("stream already active")
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateConnecting
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Expression is one applied detection result. Timestamp is the client-side
// receipt time; without sequence numbers there is no guaranteed 1:1
// correspondence with the frame that produced it.
type Expression struct {
	Emotion    string
	Confidence float64
	Timestamp  time.Time
	Seq        uint64
}

// detection mirrors one entry of the inference service's reply.
type detection struct {
	Emotion string    `json:"emotion"`
	Scores  []float64 `json:"scores"`
}

type analysisMessage struct {
	Detections []detection `json:"detections"`
	Seq        uint64      `json:"seq,omitempty"`
}

type Config struct {
	// URL of the inference WebSocket endpoint.
	URL string

	// Source provides frames; required.
	Source FrameSource

	// Hint is passed to the source on open; the device may not honor it.
	Hint CaptureHint

	// FrameInterval paces the send cycle. Defaults to 66ms (~15fps).
	FrameInterval time.Duration

	// HistorySize caps the detection history. Defaults to 10.
	HistorySize int

	// SequenceNumbers prefixes outbound frames with a monotonic sequence
	// number and drops inbound results whose echoed seq is stale. Off by
	// default: the observed protocol carries no correlation id.
	SequenceNumbers bool

	// OnExpression, when set, is invoked for every applied detection.
	OnExpression func(Expression)

	Metrics *services.Metrics
	Logger  *slog.Logger
}

// Client owns one capture device and one analysis connection at a time.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
	m      *services.Metrics

	writable atomic.Bool
	seq      atomic.Uint64

	mu      sync.Mutex
	state   State
	gen     uint64
	reader  FrameReader
	conn    *websocket.Conn
	cancel  context.CancelFunc
	current string
	applied uint64
	hist    *history.Buffer[Expression]
	lastErr error
}

func NewClient(cfg Config) *Client {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = services.GetMetrics()
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		log:     cfg.Logger,
		m:       cfg.Metrics,
		state:   StateIdle,
		current: EmotionNeutral,
		hist:    history.New[Expression](cfg.HistorySize),
	}
}

// Start acquires the capture device, opens the analysis connection and
// begins the frame cycle. On device failure it returns ErrDeviceAccess
// with the client back in Idle; on connection failure ErrTransport, with
// the device released. Neither is retried. A Stop racing the startup
// wins: whatever was acquired is released and Start returns nil with the
// client in Idle.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStreaming
	}
	c.state = StateStarting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	reader, err := c.cfg.Source.Open(ctx, c.cfg.Hint)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen && c.state == StateStarting {
			c.state = StateIdle
			c.lastErr = err
		}
		c.mu.Unlock()
		return xerrors.Append(ErrDeviceAccess, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateStarting {
		// Stop won while the device was opening
		c.mu.Unlock()
		reader.Close()
		return nil
	}
	c.reader = reader
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Stop won mid-dial and already released the device
		c.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.reader = nil
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()
		reader.Close()
		return xerrors.Append(ErrTransport, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.state = StateStreaming
	c.lastErr = nil
	c.mu.Unlock()
	c.writable.Store(true)

	go c.sendLoop(loopCtx, conn, reader)
	go c.readLoop(loopCtx, conn)

	c.log.Info("expression stream started", slog.String("url", c.cfg.URL))
	return nil
}

// Stop tears the session down: cancel the frame cycle, close the
// connection, release the capture device, reset the emotion indicator.
// Idempotent; safe to call from Idle.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	cancel := c.cancel
	conn := c.conn
	reader := c.reader
	c.cancel, c.conn, c.reader = nil, nil, nil
	c.mu.Unlock()

	// Order matters: no tick may fire against a released device.
	if cancel != nil {
		cancel()
	}
	c.writable.Store(false)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if reader != nil {
		reader.Close()
	}

	c.mu.Lock()
	c.current = EmotionNeutral
	c.state = StateIdle
	c.mu.Unlock()

	c.log.Info("expression stream stopped")
}

// fail records a transport error and resets to Idle. No automatic retry.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.lastErr = xerrors.Append(ErrTransport, err)
	c.mu.Unlock()

	c.log.Error("expression stream transport error", slog.Any("error", xerrors.New(err)))
	c.Stop()
}

func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn, reader FrameReader) {
	ticker := time.NewTicker(c.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.writable.Load() {
				c.m.FrameDropped()
				continue
			}
			buf, err := reader.Frame()
			if err != nil {
				// device hiccup; skip this tick
				continue
			}
			payload := buf
			if c.cfg.SequenceNumbers {
				seq := c.seq.Add(1)
				payload = make([]byte, 8+len(buf))
				binary.BigEndian.PutUint64(payload, seq)
				copy(payload[8:], buf)
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				// drop, do not queue; readLoop surfaces the failure
				c.writable.Store(false)
				c.m.FrameDropped()
				continue
			}
			c.m.FrameSent()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate stop
			}
			c.fail(err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg analysisMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring malformed analysis message", slog.Any("error", err))
		return
	}
	// missing detections field entirely: treat as a no-op tick
	if msg.Detections == nil {
		c.log.Debug("ignoring analysis message without detections field")
		return
	}

	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}

	if c.cfg.SequenceNumbers && msg.Seq > 0 {
		if msg.Seq <= c.applied {
			c.mu.Unlock()
			return // stale result for an older frame
		}
		c.applied = msg.Seq
	}

	if len(msg.Detections) == 0 {
		// no face in frame: indicator resets, history stays
		c.current = EmotionNeutral
		c.mu.Unlock()
		return
	}

	d := msg.Detections[0]
	if d.Emotion == "" {
		c.mu.Unlock()
		return
	}

	expr := Expression{
		Emotion:    d.Emotion,
		Confidence: maxScore(d.Scores),
		Timestamp:  time.Now(),
		Seq:        msg.Seq,
	}
	c.current = d.Emotion
	c.hist.Append(expr)
	cb := c.cfg.OnExpression
	c.mu.Unlock()

	c.m.DetectionApplied()
	if cb != nil {
		cb(expr)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the live emotion indicator.
func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Expressions returns the detection history, oldest first.
func (c *Client) Expressions() []Expression {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hist.Items()
}

// Err returns the last device or transport error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func maxScore(scores []float64) float64 {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	return max
}
