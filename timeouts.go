package workers

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Built-in timeout keys. Any other key in a TimeoutConfig is treated as a
// message-type key.
const (
	TimeoutWorkerStartup = "WORKER_STARTUP"
	TimeoutServerConnect = "SERVER_CONNECT"
	TimeoutWorkerMessage = "WORKER_MESSAGE"
)

// TimeoutConfig maps built-in keys and arbitrary message-type keys to
// millisecond values.
type TimeoutConfig map[string]int

type timeoutDefaults struct {
	startup       int
	serverConnect int
	message       int
}

var builtinTimeoutDefaults = timeoutDefaults{
	startup:       10_000,
	serverConnect: 30_000,
	message:       300_000,
}

func isBuiltinTimeoutKey(key string) bool {
	return key == TimeoutWorkerStartup || key == TimeoutServerConnect || key == TimeoutWorkerMessage
}

// getTimeoutValue resolves the timeout for key in milliseconds. Precedence:
// an exact key entry, then WORKER_MESSAGE for message-type keys, then the
// fixed built-in default.
func getTimeoutValue(cfg TimeoutConfig, key string, defaults timeoutDefaults) int {
	if cfg != nil {
		if v, ok := cfg[key]; ok {
			return v
		}
		if !isBuiltinTimeoutKey(key) {
			if v, ok := cfg[TimeoutWorkerMessage]; ok {
				return v
			}
		}
	}
	switch key {
	case TimeoutWorkerStartup:
		return defaults.startup
	case TimeoutServerConnect:
		return defaults.serverConnect
	default:
		return defaults.message
	}
}

// parseEnvTimeout parses a millisecond timeout from an environment value.
// Only non-negative numbers are accepted (decimals are truncated); anything
// else yields the default.
func parseEnvTimeout(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return def
	}
	return int(v)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
