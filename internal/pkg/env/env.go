// Package env provides utilities for working with environment variables.
package env

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Get returns the value of the environment variable or the default if not set.
func Get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Require returns the value of the environment variable or an error when it is unset.
func Require(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s environment variable is required", key)
	}
	return value, nil
}

// GetInt parses the variable as an integer, falling back to the default when
// it is unset or malformed.
func GetInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetDuration parses the variable with time.ParseDuration.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return d
}

// ParseLogLevel reads LOG_LEVEL ("debug", "info", "warn", "error", case
// insensitive, with optional offsets such as "warn+2") and returns the
// matching slog.Level, or fallback when unset or unrecognised.
func ParseLogLevel(fallback slog.Level) slog.Level {
	raw := Get("LOG_LEVEL", "")
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}
