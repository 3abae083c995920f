package workers

import (
	"log/slog"
	"os"
	"strings"
)

// Environment variables read by a spawned worker. The spawning side sets
// them; StartWorkerServer falls back to them when options are unset.
const (
	EnvEndpoint             = "WORKER_IPC_ENDPOINT"
	EnvServerConnectTimeout = "WORKER_SERVER_CONNECT_TIMEOUT"
	EnvLogLevel             = "WORKER_LOG_LEVEL"
	EnvSerializer           = "WORKER_SERIALIZER"
)

// newLogger returns the logger to inject into a client or server instance.
// An explicitly provided logger wins; otherwise a text handler to stderr is
// built, level-filtered per the level string and defaulting to errors only.
func newLogger(logger *slog.Logger, level string) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
