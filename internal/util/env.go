// Package util holds small helpers shared by the command and the services: typed
// environment lookups and identifier generation.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue looks up key and converts it with parse. Unset keys and values parse
// rejects fall back to def; rejected values are logged so misconfiguration is visible.
func envValue[T any](key string, def T, parse func(string) (T, bool)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, ok := parse(raw)
	if !ok {
		slog.Warn("util.envValue: ignoring invalid setting", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

// ParseBoolEnv accepts true/1/yes/on and false/0/no/off in any case.
func ParseBoolEnv(key string, defaultValue bool) bool {
	return envValue(key, defaultValue, func(s string) (bool, bool) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
		return false, false
	})
}

// ParseDurationEnv reads a positive Go duration such as "30m" or "90s".
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return envValue(key, defaultValue, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// ParseIntEnv reads a positive integer such as a worker count.
func ParseIntEnv(key string, defaultValue int) int {
	return envValue(key, defaultValue, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	})
}
