package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	base *slog.Logger
	once sync.Once
)

// Get returns the process-wide structured logger. The level comes from
// LOG_LEVEL (DEBUG, INFO, WARN, ERROR), defaulting to INFO.
func Get() *slog.Logger {
	once.Do(func() {
		base = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: levelFromEnv(),
		}))
	})
	return base
}

func levelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
