// Package app assembles the kiosk from its components and runs it.
package app

import (
	"fmt"
	"os"
	"time"

	"github.com/teslashibe/go-chipins/internal/config"
	"github.com/teslashibe/go-chipins/pkg/detector"
	"github.com/teslashibe/go-chipins/pkg/engine"
)

// Detector modes.
const (
	DetectorNone   = "none"   // readings arrive on POST /api/readings only
	DetectorWS     = "ws"     // external detector service over websocket
	DetectorCamera = "camera" // local camera with YuNet face detection
	DetectorReplay = "replay" // CSV recording
)

// Audio outputs.
const (
	AudioRelay = "relay" // the kiosk page's <audio> element
	AudioMPV   = "mpv"   // a local mpv process
)

// Wake lock backends.
const (
	WakeLockRelay   = "relay"   // the page's Screen Wake Lock
	WakeLockInhibit = "inhibit" // systemd-inhibit on the host
)

// Config holds all configuration for the kiosk application.
// Flag parsing is done in cmd/kiosk/main.go; this struct is data only.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string

	// HTTP server.
	Port      string
	StaticDir string

	// SettingsPath is the YAML file with the tunables. It is watched for
	// edits when WatchSettings is set.
	SettingsPath  string
	WatchSettings bool

	// KioskID tags recorded sessions. Defaults to the hostname.
	KioskID string

	// Detector selection.
	Detector     string
	DetectorURL  string
	CameraDevice string
	YuNetModel   string
	ReplayPath   string
	ReplaySpeed  float64

	// Backends.
	Audio    string
	WakeLock string

	// Analytics sinks. DBPath is always written; the rest are optional.
	DBPath      string
	RedisURL    string
	SupabaseURL string
	SupabaseKey string
	JSONPath    string

	IdleTick time.Duration
}

// DefaultConfig returns sensible defaults for a single kiosk.
func DefaultConfig() Config {
	return Config{
		LogLevel:     config.DefaultLogLevel,
		Port:         config.DefaultPort,
		StaticDir:    "./web",
		SettingsPath: config.DefaultSettingsPath,
		Detector:     DetectorNone,
		CameraDevice: detector.DefaultCameraConfig().Device,
		YuNetModel:   detector.DefaultYuNetConfig().ModelPath,
		ReplaySpeed:  1,
		Audio:        AudioRelay,
		WakeLock:     WakeLockRelay,
		DBPath:       config.DefaultDBPath,
		IdleTick:     engine.DefaultIdleTick,
	}
}

// LoadEnvConfig applies environment overrides for values the flags left
// at their defaults.
func (c *Config) LoadEnvConfig() {
	def := DefaultConfig()
	if c.Port == def.Port {
		c.Port = config.Port()
	}
	if c.SettingsPath == def.SettingsPath {
		c.SettingsPath = config.SettingsPath()
	}
	if c.DBPath == def.DBPath {
		c.DBPath = config.DBPath()
	}
	if c.LogLevel == def.LogLevel {
		c.LogLevel = config.String(config.EnvLogLevel, c.LogLevel)
	}
	if c.CameraDevice == def.CameraDevice {
		c.CameraDevice = config.String(config.EnvCameraIndex, c.CameraDevice)
	}
	if c.DetectorURL == "" {
		c.DetectorURL = os.Getenv(config.EnvDetectorURL)
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv(config.EnvRedisURL)
	}
	if c.SupabaseURL == "" {
		c.SupabaseURL = os.Getenv(config.EnvSupabaseURL)
	}
	if c.SupabaseKey == "" {
		c.SupabaseKey = os.Getenv(config.EnvSupabaseKey)
	}
	if c.KioskID == "" {
		if host, err := os.Hostname(); err == nil {
			c.KioskID = host
		} else {
			c.KioskID = "kiosk"
		}
	}
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.Detector {
	case DetectorNone, DetectorCamera:
	case DetectorWS:
		if c.DetectorURL == "" {
			return &ConfigError{Field: "DetectorURL", Message: "DETECTOR_URL or -detector-url is required for the ws detector"}
		}
	case DetectorReplay:
		if c.ReplayPath == "" {
			return &ConfigError{Field: "ReplayPath", Message: "-replay is required for the replay detector"}
		}
	default:
		return &ConfigError{Field: "Detector", Message: fmt.Sprintf("unknown detector %q", c.Detector)}
	}

	if c.Audio != AudioRelay && c.Audio != AudioMPV {
		return &ConfigError{Field: "Audio", Message: fmt.Sprintf("unknown audio output %q", c.Audio)}
	}
	if c.WakeLock != WakeLockRelay && c.WakeLock != WakeLockInhibit {
		return &ConfigError{Field: "WakeLock", Message: fmt.Sprintf("unknown wake lock %q", c.WakeLock)}
	}
	if (c.SupabaseURL == "") != (c.SupabaseKey == "") {
		return &ConfigError{Field: "SupabaseKey", Message: "SUPABASE_URL and SUPABASE_KEY must be set together"}
	}
	if c.DBPath == "" {
		return &ConfigError{Field: "DBPath", Message: "a sqlite path is required"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
