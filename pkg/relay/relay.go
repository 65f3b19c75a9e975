// Package relay bridges Go components to the kiosk page.
//
// The page owns the browser-only resources (the <audio> element, the
// Fullscreen API, the Screen Wake Lock API and touch input). Components send
// Commands through a Bridge, which broadcasts them on the control hub; the
// page answers Requests with an "ack" event carrying the command ID and
// posts its own events (touch, fullscreen, visibility) the same way.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-chipins/internal/errs"
)

// DefaultTimeout bounds how long Request waits for an ack.
const DefaultTimeout = 3 * time.Second

// Event types posted by the page.
const (
	EventAck        = "ack"
	EventTouchStart = "touchstart"
	EventTouchMove  = "touchmove"
	EventTouchEnd   = "touchend"
	EventFullscreen = "fullscreenchange"
	EventVisibility = "visibilitychange"
	EventLaunch     = "launch"
)

// Sentinel errors.
var (
	// ErrNoClient means no kiosk page is connected.
	ErrNoClient = errors.New("relay: no kiosk page connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay: bridge closed")
)

// Command is sent to the page.
type Command struct {
	ID   string         `json:"id,omitempty"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Event is received from the page.
type Event struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("relay: %s event has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// RemoteError is a failure reported by the page in an ack.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay: %s rejected by page: %s", e.Command, e.Message)
}

// Transport delivers JSON to connected pages. *hub.Hub satisfies it.
type Transport interface {
	BroadcastJSON(v any) error
	ClientCount() int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the ack timeout for Request.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bridge sends commands to the page and routes its events.
type Bridge struct {
	out     Transport
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan Event
	handlers map[string]map[uint64]func(Event)
	nextSub  uint64
	closed   bool
}

// New creates a Bridge on out.
func New(out Transport, opts ...Option) *Bridge {
	b := &Bridge{
		out:      out,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		pending:  make(map[string]chan Event),
		handlers: make(map[string]map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connected reports whether at least one page is connected.
func (b *Bridge) Connected() bool {
	return b.out.ClientCount() > 0
}

// Send broadcasts cmd without waiting for an ack.
func (b *Bridge) Send(cmd Command) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.out.BroadcastJSON(cmd); err != nil {
		return errs.New(errs.ResourceUnavailable, "relay.send", err)
	}
	return nil
}

// Request broadcasts cmd and waits for the page's ack. A negative ack is
// returned as a *RemoteError.
func (b *Bridge) Request(ctx context.Context, cmd Command) (Event, error) {
	if !b.Connected() {
		return Event{}, errs.New(errs.ResourceUnavailable, "relay."+cmd.Type, ErrNoClient)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	ch := make(chan Event, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrClosed
	}
	b.pending[cmd.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}()

	if err := b.out.BroadcastJSON(cmd); err != nil {
		return Event{}, errs.New(errs.ResourceUnavailable, "relay."+cmd.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	select {
	case ev, ok := <-ch:
		if !ok {
			return Event{}, ErrClosed
		}
		if !ev.OK {
			return ev, &RemoteError{Command: cmd.Type, Message: ev.Error}
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, errs.New(errs.ResourceUnavailable, "relay."+cmd.Type, ctx.Err())
	}
}

// On registers fn for events of the given type and returns a function that
// removes it.
func (b *Bridge) On(eventType string, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]func(Event))
	}
	b.handlers[eventType][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Handle parses one message from the page and routes it. It is meant to be
// installed as the hub's inbound handler.
func (b *Bridge) Handle(data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return errs.New(errs.InvalidInput, "relay.handle", err)
	}
	if ev.Type == "" {
		return errs.New(errs.InvalidInput, "relay.handle", errors.New("missing event type"))
	}

	b.mu.Lock()
	if ev.Type == EventAck {
		ch, ok := b.pending[ev.ID]
		if ok {
			delete(b.pending, ev.ID)
		}
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("ack for unknown command", "id", ev.ID)
			return nil
		}
		ch <- ev
		return nil
	}

	fns := make([]func(Event), 0, len(b.handlers[ev.Type]))
	for _, fn := range b.handlers[ev.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	if len(fns) == 0 {
		b.logger.Debug("unhandled page event", "type", ev.Type)
	}
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

// Close fails every pending Request and rejects further commands.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	return nil
}
