package app

import (
	"errors"
	"testing"

	"github.com/teslashibe/go-chipins/internal/config"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"ws without url", func(c *Config) { c.Detector = DetectorWS }, "DetectorURL"},
		{"ws with url", func(c *Config) { c.Detector, c.DetectorURL = DetectorWS, "ws://localhost:9000" }, ""},
		{"replay without path", func(c *Config) { c.Detector = DetectorReplay }, "ReplayPath"},
		{"unknown detector", func(c *Config) { c.Detector = "lidar" }, "Detector"},
		{"unknown audio", func(c *Config) { c.Audio = "alsa" }, "Audio"},
		{"unknown wake lock", func(c *Config) { c.WakeLock = "caffeine" }, "WakeLock"},
		{"supabase url only", func(c *Config) { c.SupabaseURL = "https://x.supabase.co" }, "SupabaseKey"},
		{"no db", func(c *Config) { c.DBPath = "" }, "DBPath"},
		{"mpv and inhibit", func(c *Config) { c.Audio, c.WakeLock = AudioMPV, WakeLockInhibit }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()

			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestConfig_LoadEnvConfig(t *testing.T) {
	t.Setenv(config.EnvPort, "9090")
	t.Setenv(config.EnvDetectorURL, "ws://detector:8000/ws")
	t.Setenv(config.EnvLogLevel, "debug")

	cfg := DefaultConfig()
	cfg.DBPath = "/var/lib/kiosk.db"
	cfg.LoadEnvConfig()

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.DetectorURL != "ws://detector:8000/ws" {
		t.Errorf("DetectorURL = %q", cfg.DetectorURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.DBPath != "/var/lib/kiosk.db" {
		t.Errorf("DBPath = %q, flag value should win", cfg.DBPath)
	}
	if cfg.KioskID == "" {
		t.Error("KioskID should default to the hostname")
	}
}
