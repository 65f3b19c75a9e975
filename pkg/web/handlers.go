package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/pkg/analytics"
	"github.com/teslashibe/go-chipins/pkg/engine"
	"github.com/teslashibe/go-chipins/pkg/hub"
	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// Query limits
const (
	defaultSessionLimit = 50
	maxSessionLimit     = 1000
	defaultSummaryRange = 24 * time.Hour
)

// summarizer is implemented by readers that aggregate natively.
type summarizer interface {
	Summary(ctx context.Context, since time.Time) (analytics.Summary, error)
}

// errorStatus maps an error kind to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errs.IsKind(err, errs.InvalidInput):
		return fiber.StatusBadRequest
	case errs.IsKind(err, errs.ResourceUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNotRunning):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (s *Server) fail(c *fiber.Ctx, status int, err error) error {
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// handleStatus returns the kiosk's current state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.deps.Engine.Status())
}

// handleReadings accepts one reading or an array of readings from an
// external detector. A zero timestamp means "now".
func (s *Server) handleReadings(c *fiber.Ctx) error {
	body := bytes.TrimSpace(c.Body())
	var readings []proximity.Reading
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &readings); err != nil {
			return s.fail(c, fiber.StatusBadRequest, err)
		}
	} else {
		var r proximity.Reading
		if err := json.Unmarshal(body, &r); err != nil {
			return s.fail(c, fiber.StatusBadRequest, err)
		}
		readings = append(readings, r)
	}

	now := time.Now().UnixMilli()
	for _, r := range readings {
		if r.TimestampMs == 0 {
			r.TimestampMs = now
		}
		if err := s.deps.Engine.Ingest(c.UserContext(), r); err != nil {
			return s.fail(c, errorStatus(err), err)
		}
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted": len(readings),
	})
}

// handleConvert marks the open visitor session as converted
func (s *Server) handleConvert(c *fiber.Ctx) error {
	ok, err := s.deps.Engine.MarkConverted(c.UserContext())
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	if !ok {
		return s.fail(c, fiber.StatusConflict, errors.New("no open session"))
	}
	return c.JSON(fiber.Map{"converted": true})
}

func (s *Server) handleKioskStart(c *fiber.Ctx) error {
	if err := s.deps.Engine.StartKiosk(c.UserContext()); err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(s.deps.Engine.Status().Kiosk)
}

func (s *Server) handleKioskExit(c *fiber.Ctx) error {
	if err := s.deps.Engine.ExitKiosk(c.UserContext()); err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(s.deps.Engine.Status().Kiosk)
}

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(s.deps.Settings.Current())
}

// handlePutSettings replaces the settings. Omitted fields keep their
// current values.
func (s *Server) handlePutSettings(c *fiber.Ctx) error {
	next := s.deps.Settings.Current()
	if err := json.Unmarshal(c.Body(), &next); err != nil {
		return s.fail(c, fiber.StatusBadRequest, err)
	}
	if err := next.Validate(); err != nil {
		return s.fail(c, fiber.StatusBadRequest, err)
	}
	if err := s.deps.Settings.Update(next); err != nil {
		return s.fail(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(next)
}

// handleSessions returns the most recent closed sessions
func (s *Server) handleSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultSessionLimit)
	if limit <= 0 || limit > maxSessionLimit {
		return s.fail(c, fiber.StatusBadRequest, errors.New("limit must be within [1,1000]"))
	}
	sessions, err := s.deps.Sessions.Recent(c.UserContext(), limit)
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	if sessions == nil {
		sessions = []proximity.Session{}
	}
	return c.JSON(sessions)
}

// handleSummary aggregates sessions over ?range= (a Go duration, default 24h)
func (s *Server) handleSummary(c *fiber.Ctx) error {
	window := defaultSummaryRange
	if raw := c.Query("range"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return s.fail(c, fiber.StatusBadRequest, errors.New("range must be a positive duration"))
		}
		window = d
	}
	since := time.Now().Add(-window).UTC()

	if sum, ok := s.deps.Sessions.(summarizer); ok {
		summary, err := sum.Summary(c.UserContext(), since)
		if err != nil {
			return s.fail(c, errorStatus(err), err)
		}
		return c.JSON(summary)
	}

	sessions, err := s.deps.Sessions.Recent(c.UserContext(), maxSessionLimit)
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(analytics.Summarize(sessions, since))
}

// handleStatusWS streams status broadcasts to a dashboard
func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.deps.StatusHub, c)

	// Send current status
	if data, err := json.Marshal(engine.Message{Type: engine.MessageStatus, Data: s.deps.Engine.Status()}); err == nil {
		client.Send(hub.NewJSONMessage(data))
	}

	client.Run()
}

// handleControlWS attaches the kiosk page. Commands flow out through the
// hub and the page's events and acks flow back to the relay bridge.
func (s *Server) handleControlWS(c *websocket.Conn) {
	s.logger.Info("kiosk page connected", "remote", c.RemoteAddr().String())
	hub.NewClient(s.deps.ControlHub, c).Run()
	s.logger.Info("kiosk page disconnected")
}
