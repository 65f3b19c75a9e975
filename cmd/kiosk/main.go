// Chi-Pins kiosk - proximity-driven ambient engagement for a touch-screen map
// Serves the kiosk page and drives ambient audio from a presence detector
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-chipins/pkg/app"
)

func main() {
	cfg := parseFlags()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	if err := a.Init(); err != nil {
		log.Fatalf("initialization failed: %v", err)
	}
	defer a.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

// parseFlags parses command line flags and returns configuration.
// Environment variables fill in anything the flags leave at its default.
func parseFlags() app.Config {
	cfg := app.DefaultConfig()

	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP port (overrides KIOSK_PORT)")
	flag.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "Kiosk page directory, empty to disable")
	flag.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "Settings YAML file (overrides KIOSK_SETTINGS)")
	flag.BoolVar(&cfg.WatchSettings, "watch", true, "Reload settings when the file changes")
	flag.StringVar(&cfg.KioskID, "id", "", "Kiosk ID for analytics (default: hostname)")

	flag.StringVar(&cfg.Detector, "detector", cfg.Detector, "Proximity source: none, ws, camera, replay")
	flag.StringVar(&cfg.DetectorURL, "detector-url", "", "Detector websocket URL (overrides DETECTOR_URL)")
	flag.StringVar(&cfg.CameraDevice, "camera", cfg.CameraDevice, "Camera index or capture URL (overrides KIOSK_CAMERA)")
	flag.StringVar(&cfg.YuNetModel, "yunet-model", cfg.YuNetModel, "YuNet ONNX model path")
	flag.StringVar(&cfg.ReplayPath, "replay", "", "CSV recording for the replay detector")
	flag.Float64Var(&cfg.ReplaySpeed, "replay-speed", cfg.ReplaySpeed, "Replay speed multiplier, 0 for no pacing")

	flag.StringVar(&cfg.Audio, "audio", cfg.Audio, "Audio output: relay (page) or mpv (host)")
	flag.StringVar(&cfg.WakeLock, "wake-lock", cfg.WakeLock, "Wake lock: relay (page) or inhibit (systemd)")

	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite analytics database (overrides KIOSK_DB)")
	flag.StringVar(&cfg.JSONPath, "json-log", "", "Also append sessions to this JSON file")
	flag.DurationVar(&cfg.IdleTick, "idle-tick", cfg.IdleTick, "How often time-based transitions are evaluated")

	flag.Parse()
	return cfg
}
