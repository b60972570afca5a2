// The agent runs one child's therapy session on a device: it streams
// camera frames to the emotion inference service and keeps the biometric
// telemetry loop ticking, persisting everything through the shared store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdobak/go-xerrors"

	"luminova/backend/internal/config"
	"luminova/backend/internal/database"
	"luminova/backend/internal/logger"
	"luminova/backend/internal/models"
	"luminova/backend/internal/monitor"
	"luminova/backend/internal/store"
	"luminova/backend/internal/stream"
)

func main() {
	childID := flag.String("child", "", "child id to run the session for (required)")
	framesDir := flag.String("frames", "", "directory of JPEG frames standing in for the camera (required)")
	inferenceURL := flag.String("inference-url", "", "override the inference WebSocket URL")
	randomAlerts := flag.Bool("random-alerts", false, "use the demo random alert policy instead of thresholds")
	noStream := flag.Bool("no-stream", false, "run telemetry only, without the expression stream")
	flag.Parse()

	cfg := config.LoadConfig()
	log := logger.Get()

	if *childID == "" {
		log.Error("missing required -child flag")
		os.Exit(1)
	}
	if *framesDir == "" && !*noStream {
		log.Error("missing required -frames flag")
		os.Exit(1)
	}
	url := cfg.InferenceURL
	if *inferenceURL != "" {
		url = *inferenceURL
	}

	log.Info("starting session agent",
		slog.String("child_id", *childID),
		slog.String("inference_url", url),
		slog.String("database", cfg.DSNForLog()))

	db, err := database.Open(cfg.DSN())
	if err != nil {
		log.Error("database connection failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
	defer database.Close(db)

	st := store.New(db, cfg.DSN())
	ctx := context.Background()

	var policy monitor.AlertPolicy
	if *randomAlerts {
		policy = monitor.NewRandomPolicy(0)
	}
	mon := monitor.New(st, monitor.Config{
		Interval:   cfg.MonitorInterval,
		Policy:     policy,
		Subscriber: st,
	})
	if err := mon.Start(ctx, *childID); err != nil {
		log.Error("starting telemetry failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}

	var client *stream.Client
	if !*noStream {
		client = stream.NewClient(stream.Config{
			URL:             url,
			Source:          stream.DirSource{Dir: *framesDir},
			FrameInterval:   cfg.FrameInterval,
			SequenceNumbers: cfg.SequenceNumbers,
			OnExpression: func(e stream.Expression) {
				record := models.EmotionRecord{
					ChildID:   *childID,
					Emotion:   e.Emotion,
					Intensity: int(e.Confidence * 10),
					Timestamp: e.Timestamp,
					Context:   "session",
				}
				if err := st.SaveEmotion(ctx, record); err != nil {
					log.Error("persisting emotion failed", slog.Any("error", xerrors.New(err)))
				}
				if err := st.SetCurrentEmotion(ctx, *childID, e.Emotion); err != nil {
					log.Error("updating live emotion failed", slog.Any("error", xerrors.New(err)))
				}
			},
		})
		if err := client.Start(ctx); err != nil {
			// telemetry still runs; the stream can be restarted by
			// relaunching the agent
			log.Error("starting expression stream failed", slog.Any("error", xerrors.New(err)))
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Info("shutting down session agent")
	if client != nil {
		client.Stop()
	}
	mon.Stop()
	if err := st.SetCurrentEmotion(ctx, *childID, stream.EmotionNeutral); err != nil {
		log.Warn("resetting live emotion failed", slog.Any("error", xerrors.New(err)))
	}
	log.Info("goodbye")
}
