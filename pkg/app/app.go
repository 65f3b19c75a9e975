package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/teslashibe/go-chipins/internal/log"
	"github.com/teslashibe/go-chipins/pkg/ambient"
	"github.com/teslashibe/go-chipins/pkg/analytics"
	"github.com/teslashibe/go-chipins/pkg/detector"
	"github.com/teslashibe/go-chipins/pkg/engine"
	"github.com/teslashibe/go-chipins/pkg/gesture"
	"github.com/teslashibe/go-chipins/pkg/hub"
	"github.com/teslashibe/go-chipins/pkg/kiosk"
	"github.com/teslashibe/go-chipins/pkg/proximity"
	"github.com/teslashibe/go-chipins/pkg/relay"
	"github.com/teslashibe/go-chipins/pkg/settings"
	"github.com/teslashibe/go-chipins/pkg/web"
)

// Recorder defaults.
const (
	redisPrefix      = "chipins"
	redisMaxSessions = 1000
	jsonMaxSessions  = 5000
)

// App is the kiosk application.
type App struct {
	config Config
	logger *slog.Logger

	settings *settings.FileProvider

	statusHub  *hub.Hub
	controlHub *hub.Hub
	bridge     *relay.Bridge

	sessions  *analytics.SQLiteRecorder
	recorder  *analytics.AsyncRecorder
	source    detector.Source
	engine    *engine.Engine
	webServer *web.Server
}

// New creates a kiosk application with the given configuration.
func New(cfg Config) (*App, error) {
	// Apply environment overrides
	cfg.LoadEnvConfig()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.New(os.Stdout, cfg.LogLevel, os.Getenv("GO_ENV") == "production")
	slog.SetDefault(logger)

	return &App{config: cfg, logger: logger}, nil
}

// Init initializes all components.
// Call this after New() and before Run().
func (a *App) Init() error {
	a.logger.Info("chi-pins kiosk starting",
		"kiosk_id", a.config.KioskID,
		"detector", a.config.Detector,
		"audio", a.config.Audio,
		"wake_lock", a.config.WakeLock)

	provider, err := settings.NewFileProvider(a.config.SettingsPath, a.logger)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	a.settings = provider
	s := provider.Current()

	a.statusHub = hub.New("status", a.logger)
	a.controlHub = hub.New("control", a.logger)
	a.bridge = relay.New(a.controlHub, relay.WithLogger(a.logger))

	if err := a.initRecorders(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}

	source, err := a.initSource()
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	a.source = source

	eng, err := engine.New(engine.Deps{
		Machine:  proximity.NewMachine(s.Proximity, proximity.WithLogger(a.logger)),
		Player:   ambient.NewPlayer(a.audioOutput(), s.Audio, ambient.WithLogger(a.logger)),
		Kiosk:    a.kioskController(s),
		Gesture:  gesture.NewRecognizer(gesture.WithHoldDuration(s.HoldDuration), gesture.WithLogger(a.logger)),
		Settings: provider,
		Recorder: a.recorder,
		Status:   a.statusHub,
		Page:     a.bridge,
	},
		engine.WithIdleTick(a.config.IdleTick),
		engine.WithLogger(a.logger),
		engine.WithPageConnected(a.bridge.Connected),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	eng.AttachPage(a.bridge)
	a.engine = eng

	srv, err := web.NewServer(web.Config{
		Port:      a.config.Port,
		StaticDir: a.config.StaticDir,
	}, web.Deps{
		Engine:     eng,
		Settings:   provider,
		Sessions:   a.sessions,
		StatusHub:  a.statusHub,
		ControlHub: a.controlHub,
		Bridge:     a.bridge,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	a.webServer = srv
	return nil
}

// Run starts the web server and the engine.
// Blocks until context is cancelled.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.webServer.Start(ctx); err != nil {
			a.logger.Error("web server stopped", "error", err)
		}
	}()
	if a.config.WatchSettings {
		go func() {
			if err := a.settings.Watch(ctx); err != nil {
				a.logger.Warn("settings watcher stopped", "error", err)
			}
		}()
	}

	a.logger.Info("kiosk ready", "url", "http://localhost:"+a.config.Port+"/?kiosk=1")
	return a.engine.Run(ctx, a.source)
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.logger.Info("kiosk shutting down")

	if a.engine != nil {
		if err := a.engine.Shutdown(); err != nil {
			a.logger.Warn("engine shutdown", "error", err)
		}
	} else if a.recorder != nil {
		a.recorder.Close()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.webServer != nil {
		if err := a.webServer.Shutdown(); err != nil {
			a.logger.Debug("web shutdown", "error", err)
		}
	}
	if a.recorder != nil {
		written, failed, dropped := a.recorder.Stats()
		a.logger.Info("sessions recorded", "written", written, "failed", failed, "dropped", dropped)
	}
}

// initRecorders opens the sqlite store and any optional remote sinks,
// fronted by an async queue so recording never blocks the event loop.
func (a *App) initRecorders() error {
	db, err := analytics.OpenSQLite(a.config.DBPath, a.config.KioskID, a.logger)
	if err != nil {
		return err
	}
	a.sessions = db

	sinks := analytics.MultiRecorder{db}

	if a.config.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rr, err := analytics.OpenRedis(ctx, a.config.RedisURL, analytics.RedisConfig{
			Prefix:      redisPrefix,
			KioskID:     a.config.KioskID,
			MaxSessions: redisMaxSessions,
		})
		if err != nil {
			a.logger.Warn("redis analytics disabled", "error", err)
		} else {
			sinks = append(sinks, rr)
			a.logger.Info("publishing sessions to redis", "channel", rr.Channel())
		}
	}

	if a.config.SupabaseURL != "" {
		sinks = append(sinks, analytics.NewRESTRecorder(analytics.RESTConfig{
			BaseURL: a.config.SupabaseURL,
			APIKey:  a.config.SupabaseKey,
			KioskID: a.config.KioskID,
		}, &http.Client{Timeout: 10 * time.Second}))
	}

	if a.config.JSONPath != "" {
		jr, err := analytics.NewJSONRecorder(a.config.JSONPath, jsonMaxSessions)
		if err != nil {
			a.logger.Warn("json analytics disabled", "error", err)
		} else {
			sinks = append(sinks, jr)
		}
	}

	a.recorder = analytics.NewAsyncRecorder(sinks, analytics.DefaultQueueSize, a.logger)
	return nil
}

func (a *App) initSource() (detector.Source, error) {
	switch a.config.Detector {
	case DetectorWS:
		return detector.NewWSSource(a.config.DetectorURL, detector.DefaultLevelConfig(), a.logger), nil

	case DetectorCamera:
		cfg := detector.DefaultCameraConfig()
		cfg.Device = a.config.CameraDevice
		cfg.YuNet.ModelPath = a.config.YuNetModel
		return detector.NewCameraSource(cfg, a.logger), nil

	case DetectorReplay:
		f, err := os.Open(a.config.ReplayPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		readings, err := detector.ParseCSV(f)
		if err != nil {
			return nil, err
		}
		a.logger.Info("replaying recording", "path", a.config.ReplayPath, "readings", len(readings))
		return detector.NewReplaySource(readings, a.config.ReplaySpeed), nil
	}
	return nil, nil
}

func (a *App) audioOutput() ambient.Output {
	if a.config.Audio == AudioMPV {
		return ambient.NewMPVOutput(ambient.DefaultMPVConfig())
	}
	return ambient.NewRelayOutput(a.bridge)
}

func (a *App) kioskController(s settings.Settings) *kiosk.Controller {
	var lock kiosk.WakeLock = kiosk.NewRelayWakeLock(a.bridge)
	if a.config.WakeLock == WakeLockInhibit {
		lock = kiosk.NewInhibitWakeLock(a.config.KioskID)
	}
	return kiosk.NewController(kiosk.NewRelayDisplay(a.bridge), lock,
		kiosk.WithAutoKiosk(s.AutoKiosk),
		kiosk.WithRecoveryDelay(s.RecoveryDelay),
		kiosk.WithLogger(a.logger))
}
