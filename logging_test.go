package workers

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelError,
		"bogus":   slog.LevelError,
	}
	for raw, want := range cases {
		assert.Equal(t, want, parseLogLevel(raw), "level %q", raw)
	}
}

func TestNewLogger(t *testing.T) {
	custom := slog.Default()
	assert.Same(t, custom, newLogger(custom, "debug"), "explicit logger wins")
	assert.NotNil(t, newLogger(nil, ""))
}
