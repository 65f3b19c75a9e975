// Package web serves the kiosk page, the admin API and the websocket hubs
package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-chipins/pkg/analytics"
	"github.com/teslashibe/go-chipins/pkg/engine"
	"github.com/teslashibe/go-chipins/pkg/hub"
	"github.com/teslashibe/go-chipins/pkg/proximity"
	"github.com/teslashibe/go-chipins/pkg/relay"
	"github.com/teslashibe/go-chipins/pkg/settings"
)

// Config configures the HTTP server.
type Config struct {
	Port      string
	StaticDir string // kiosk page assets, empty to disable
}

// Engine is the part of the running kiosk the API drives.
// *engine.Engine satisfies it.
type Engine interface {
	Status() engine.Status
	Ingest(ctx context.Context, r proximity.Reading) error
	MarkConverted(ctx context.Context) (bool, error)
	StartKiosk(ctx context.Context) error
	ExitKiosk(ctx context.Context) error
}

// Deps are the components behind the routes. Engine and Settings are
// required; the rest switch their routes off when nil.
type Deps struct {
	Engine     Engine
	Settings   settings.Store
	Sessions   analytics.Reader
	StatusHub  *hub.Hub
	ControlHub *hub.Hub
	Bridge     *relay.Bridge
	Logger     *slog.Logger
}

// Server is the kiosk web server
type Server struct {
	app    *fiber.App
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the server and registers every route.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Settings == nil {
		return nil, errors.New("web: engine and settings are required")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Chi-Pins Kiosk",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(s.requestLogger)

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/readings", s.handleReadings)
	api.Post("/convert", s.handleConvert)
	api.Post("/kiosk/start", s.handleKioskStart)
	api.Post("/kiosk/exit", s.handleKioskExit)
	api.Get("/settings", s.handleGetSettings)
	api.Put("/settings", s.handlePutSettings)
	if deps.Sessions != nil {
		api.Get("/sessions", s.handleSessions)
		api.Get("/summary", s.handleSummary)
	}

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	if deps.StatusHub != nil {
		app.Get("/ws/status", websocket.New(s.handleStatusWS))
	}
	if deps.ControlHub != nil {
		app.Get("/ws/control", websocket.New(s.handleControlWS))
		if deps.Bridge != nil {
			deps.ControlHub.OnMessage(func(_ *hub.Client, data []byte) {
				if err := deps.Bridge.Handle(data); err != nil {
					s.logger.Debug("bad control message", "error", err)
				}
			})
		}
	}

	s.app = app
	return s, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start runs the hubs and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	for _, h := range []*hub.Hub{s.deps.StatusHub, s.deps.ControlHub} {
		if h != nil {
			go h.Run(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", "http://localhost:"+s.cfg.Port)
		errCh <- s.app.Listen(":" + s.cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("http request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start))
	return err
}
