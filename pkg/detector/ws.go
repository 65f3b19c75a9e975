package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// wsMessage is one frame from an external detector. Either Level or
// Detections is set; a missing timestamp is stamped on receipt.
type wsMessage struct {
	Level       *float64    `json:"level,omitempty"`
	Detections  []Detection `json:"detections,omitempty"`
	TimestampMs int64       `json:"timestamp_ms,omitempty"`
}

// WSSource connects to an external detector over a websocket and
// reconnects with backoff when the connection drops.
type WSSource struct {
	url        string
	level      LevelConfig
	logger     *slog.Logger
	now        func() time.Time
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewWSSource creates a websocket source for url.
func NewWSSource(url string, level LevelConfig, logger *slog.Logger) *WSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSource{
		url:        url,
		level:      level,
		logger:     logger,
		now:        time.Now,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run connects and emits readings until ctx is cancelled.
func (s *WSSource) Run(ctx context.Context, emit func(proximity.Reading)) error {
	backoff := s.minBackoff
	for {
		err := s.session(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("detector connection lost", "url", s.url, "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *WSSource) session(ctx context.Context, emit func(proximity.Reading)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial detector: %w", err)
	}
	defer conn.Close()

	s.logger.Info("detector connected", "url", s.url)

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var lastTs int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("bad detector message", "error", err)
			continue
		}

		r := proximity.Reading{TimestampMs: msg.TimestampMs}
		if r.TimestampMs == 0 {
			r.TimestampMs = s.now().UnixMilli()
		}
		// A reconnect can replay stale frames; they are dropped downstream,
		// so skip them here to keep the drop counter meaningful.
		if r.TimestampMs < lastTs {
			continue
		}
		lastTs = r.TimestampMs

		if msg.Level != nil {
			r.Level = *msg.Level
		} else {
			r.Level = LevelFromDetections(msg.Detections, s.level)
		}
		emit(r)
	}
}
