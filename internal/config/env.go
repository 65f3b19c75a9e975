// Package config provides environment helpers for go-chipins commands.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults used when neither a flag nor an environment variable is set.
const (
	DefaultPort         = "8080"
	DefaultSettingsPath = "kiosk.yaml"
	DefaultDBPath       = "data/engagement.db"
	DefaultLogLevel     = "info"
)

// Environment variable names.
const (
	EnvPort        = "KIOSK_PORT"
	EnvSettings    = "KIOSK_SETTINGS"
	EnvDB          = "KIOSK_DB"
	EnvLogLevel    = "KIOSK_LOG_LEVEL"
	EnvRedisURL    = "REDIS_URL"
	EnvSupabaseURL = "SUPABASE_URL"
	EnvSupabaseKey = "SUPABASE_KEY"
	EnvDetectorURL = "DETECTOR_URL"
	EnvCameraIndex = "KIOSK_CAMERA"
)

// String returns the env var value or def when unset or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int returns the env var parsed as an int, or def when unset or invalid.
func Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns the env var parsed as a bool, or def when unset or invalid.
func Bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Duration returns the env var parsed with time.ParseDuration, or def.
func Duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Port returns the HTTP port from KIOSK_PORT or the default.
func Port() string {
	return String(EnvPort, DefaultPort)
}

// SettingsPath returns the settings file path from KIOSK_SETTINGS or the default.
func SettingsPath() string {
	return String(EnvSettings, DefaultSettingsPath)
}

// DBPath returns the sqlite path from KIOSK_DB or the default.
func DBPath() string {
	return String(EnvDB, DefaultDBPath)
}
