// Package engine wires the proximity machine, ambient player, kiosk
// controller and gesture recognizer into one running kiosk.
//
// Every input (detector readings, idle ticks, page events, settings
// updates) is funnelled through a single event loop so the machine sees a
// totally ordered stream. Browser work that can block, like starting
// playback or entering fullscreen, runs on its own goroutine so ingest
// never waits on the page.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/pkg/ambient"
	"github.com/teslashibe/go-chipins/pkg/analytics"
	"github.com/teslashibe/go-chipins/pkg/clock"
	"github.com/teslashibe/go-chipins/pkg/detector"
	"github.com/teslashibe/go-chipins/pkg/gesture"
	"github.com/teslashibe/go-chipins/pkg/kiosk"
	"github.com/teslashibe/go-chipins/pkg/proximity"
	"github.com/teslashibe/go-chipins/pkg/relay"
	"github.com/teslashibe/go-chipins/pkg/settings"
)

// Defaults
const (
	DefaultIdleTick  = 250 * time.Millisecond
	DefaultQueueSize = 256
)

// Page commands sent when a gesture is recognized.
const (
	CommandAdminOpen  = "admin.open"
	CommandPageReload = "page.reload"
	CommandIndicator  = "indicator"
)

// Status message types broadcast to dashboards.
const (
	MessageStatus        = "status"
	MessageTierChange    = "tier_change"
	MessageSessionClosed = "session_closed"
	MessageGesture       = "gesture"
)

// ErrNotRunning is returned by input methods before Run or after it returns.
var ErrNotRunning = errors.New("engine: not running")

// Broadcaster pushes JSON to connected dashboards. *hub.Hub satisfies it.
type Broadcaster interface {
	BroadcastJSON(v any) error
}

// Commander sends fire-and-forget commands to the kiosk page.
// *relay.Bridge satisfies it.
type Commander interface {
	Send(cmd relay.Command) error
}

// Deps are the components the engine drives. Machine, Player, Kiosk,
// Gesture and Settings are required.
type Deps struct {
	Machine  *proximity.Machine
	Player   *ambient.Player
	Kiosk    *kiosk.Controller
	Gesture  *gesture.Recognizer
	Settings settings.Provider

	Recorder analytics.Recorder // optional
	Status   Broadcaster        // optional
	Page     Commander          // optional
}

func (d Deps) validate() error {
	switch {
	case d.Machine == nil:
		return errors.New("machine is required")
	case d.Player == nil:
		return errors.New("player is required")
	case d.Kiosk == nil:
		return errors.New("kiosk controller is required")
	case d.Gesture == nil:
		return errors.New("gesture recognizer is required")
	case d.Settings == nil:
		return errors.New("settings provider is required")
	}
	return nil
}

// Message is the envelope for dashboard broadcasts.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Status is a point-in-time view of the kiosk.
type Status struct {
	Tier            proximity.Tier            `json:"tier"`
	Level           float64                   `json:"level"`
	Indicator       *proximity.IndicatorStyle `json:"indicator,omitempty"`
	IsPlaying       bool                      `json:"is_playing"`
	Track           string                    `json:"track,omitempty"`
	Kiosk           kiosk.SessionState        `json:"kiosk"`
	Gesture         gesture.State             `json:"gesture"`
	Session         *proximity.Session        `json:"session,omitempty"`
	PageConnected   bool                      `json:"page_connected"`
	Dropped         int                       `json:"dropped"`
	AudioEnabled    bool                      `json:"audio_enabled"`
	PlaybackBlocked bool                      `json:"playback_blocked"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdleTick sets how often Advance runs while the detector is quiet.
func WithIdleTick(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTick = d
		}
	}
}

// WithQueueSize sets the event loop buffer.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithClock sets the clock driving idle ticks and status timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPageConnected reports whether a kiosk page is attached.
func WithPageConnected(fn func() bool) Option {
	return func(e *Engine) {
		if fn != nil {
			e.pageConnected = fn
		}
	}
}

// Engine is the running kiosk.
type Engine struct {
	deps          Deps
	clock         clock.Clock
	logger        *slog.Logger
	idleTick      time.Duration
	queueSize     int
	pageConnected func() bool

	events chan func()
	wg     sync.WaitGroup

	// Reading time base, owned by the event loop. Idle ticks advance the
	// machine to dataTs plus the clock time elapsed since dataAt.
	dataTs   int64
	dataAt   time.Time
	haveData bool

	mu        sync.RWMutex
	ctx       context.Context
	running   bool
	idleTimer clock.Timer
	current   settings.Settings
	rejected  bool // last Play was rejected, retry on next rising tier

	unsubs []func()
}

// New creates an engine over deps and applies the provider's current
// settings.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, errs.New(errs.InvalidInput, "engine.new", err)
	}

	e := &Engine{
		deps:          deps,
		clock:         clock.Real{},
		logger:        slog.Default(),
		idleTick:      DefaultIdleTick,
		queueSize:     DefaultQueueSize,
		pageConnected: func() bool { return false },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	e.events = make(chan func(), e.queueSize)

	e.applySettings(deps.Settings.Current())

	e.unsubs = append(e.unsubs,
		deps.Machine.OnTierChange(e.onTierChange),
		deps.Machine.OnSessionClosed(e.onSessionClosed),
		deps.Gesture.OnQuadrantTouch(e.onQuadrantTouch),
		deps.Gesture.OnHoldRefresh(e.onHoldRefresh),
		deps.Kiosk.Subscribe(func(kiosk.SessionState) { e.publishStatus() }),
	)
	return e, nil
}

// AttachPage routes page events from the relay bridge into the engine.
func (e *Engine) AttachPage(b *relay.Bridge) {
	e.unsubs = append(e.unsubs,
		b.On(relay.EventTouchStart, e.onTouchStart),
		b.On(relay.EventTouchMove, e.onTouchMove),
		b.On(relay.EventTouchEnd, e.onTouchEnd),
		b.On(relay.EventFullscreen, e.onFullscreen),
		b.On(relay.EventVisibility, e.onVisibility),
		b.On(relay.EventLaunch, e.onLaunch),
	)
}

// Run processes events until ctx is cancelled. When src is non-nil its
// readings are fed to the machine.
func (e *Engine) Run(ctx context.Context, src detector.Source) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine: already running")
	}
	e.running = true
	e.ctx = ctx
	e.idleTimer = e.clock.AfterFunc(e.idleTick, e.tickFunc(ctx))
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.idleTimer.Stop()
		e.mu.Unlock()
	}()

	unsub := e.deps.Settings.Subscribe(func(s settings.Settings) {
		if err := e.post(ctx, func() { e.applySettings(s) }); err != nil {
			e.logger.Debug("settings update dropped", "error", err)
		}
	})
	defer unsub()

	if src != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			err := src.Run(ctx, func(r proximity.Reading) {
				if err := e.post(ctx, func() { e.ingest(r) }); err != nil {
					e.logger.Debug("reading dropped", "error", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("detector stopped", "error", err)
			}
		}()
	}

	e.logger.Info("engine running", "idle_tick", e.idleTick)
	e.publishStatus()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return nil
		case fn := <-e.events:
			fn()
		}
	}
}

// Shutdown waits for background work and closes the components.
func (e *Engine) Shutdown() error {
	for _, fn := range e.unsubs {
		fn()
	}
	e.unsubs = nil

	var errList []error
	if err := e.deps.Player.Close(); err != nil {
		errList = append(errList, fmt.Errorf("player: %w", err))
	}
	if err := e.deps.Gesture.Close(); err != nil {
		errList = append(errList, fmt.Errorf("gesture: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), kiosk.DefaultRequestTimeout)
	defer cancel()
	if err := e.deps.Kiosk.ExitKioskNow(ctx); err != nil && !errors.Is(err, kiosk.ErrClosed) {
		e.logger.Debug("kiosk exit on shutdown", "error", err)
	}
	if err := e.deps.Kiosk.Close(); err != nil {
		errList = append(errList, fmt.Errorf("kiosk: %w", err))
	}

	e.wg.Wait()

	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.Close(); err != nil {
			errList = append(errList, fmt.Errorf("recorder: %w", err))
		}
	}
	return errors.Join(errList...)
}

// post queues fn on the event loop.
func (e *Engine) post(ctx context.Context, fn func()) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case e.events <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runContext returns the Run context, or Background before Run.
func (e *Engine) runContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// Ingest queues one detector reading.
func (e *Engine) Ingest(ctx context.Context, r proximity.Reading) error {
	return e.post(ctx, func() { e.ingest(r) })
}

// MarkConverted flags the open session as converted. It returns false when
// no visitor session is open.
func (e *Engine) MarkConverted(ctx context.Context) (bool, error) {
	done := make(chan bool, 1)
	if err := e.post(ctx, func() { done <- e.deps.Machine.MarkConverted() }); err != nil {
		return false, err
	}
	select {
	case ok := <-done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// StartKiosk enters fullscreen and acquires the wake lock.
func (e *Engine) StartKiosk(ctx context.Context) error {
	return e.deps.Kiosk.StartKioskNow(ctx)
}

// ExitKiosk leaves fullscreen and releases the wake lock.
func (e *Engine) ExitKiosk(ctx context.Context) error {
	return e.deps.Kiosk.ExitKioskNow(ctx)
}

// Settings returns the settings the engine is currently applying.
func (e *Engine) Settings() settings.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Status returns a snapshot of every component.
func (e *Engine) Status() Status {
	e.mu.RLock()
	cfg := e.current
	rejected := e.rejected
	e.mu.RUnlock()

	m := e.deps.Machine
	st := Status{
		Tier:            m.Tier(),
		Level:           m.Level(),
		IsPlaying:       e.deps.Player.IsPlaying(),
		Kiosk:           e.deps.Kiosk.Snapshot(),
		Gesture:         e.deps.Gesture.State(),
		PageConnected:   e.pageConnected(),
		Dropped:         m.Dropped(),
		AudioEnabled:    cfg.AudioEnabled,
		PlaybackBlocked: rejected,
		UpdatedAt:       e.clock.Now().UTC(),
	}
	if cfg.IndicatorEnabled {
		style := proximity.Indicator(st.Tier, st.Level)
		st.Indicator = &style
	}
	if t, ok := e.deps.Player.Current(); ok {
		st.Track = t.Name
	}
	if s, ok := m.Session(); ok {
		st.Session = &s
	}
	return st
}

// tickFunc returns the idle timer callback. The next tick is armed on the
// loop after this one runs.
func (e *Engine) tickFunc(ctx context.Context) func() {
	return func() {
		err := e.post(ctx, func() {
			e.advance()

			e.mu.Lock()
			if e.running {
				e.idleTimer = e.clock.AfterFunc(e.idleTick, e.tickFunc(ctx))
			}
			e.mu.Unlock()
		})
		if err != nil {
			e.logger.Debug("idle tick dropped", "error", err)
		}
	}
}

// ingest runs on the event loop.
func (e *Engine) ingest(r proximity.Reading) {
	m := e.deps.Machine
	dropped := m.Dropped()
	m.Ingest(r)
	if m.Dropped() != dropped {
		return
	}
	e.dataTs = r.TimestampMs
	e.dataAt = e.clock.Now()
	e.haveData = true
}

// advance runs time-based transitions on the readings' time base. Detector
// timestamps need not share an epoch with the engine clock.
func (e *Engine) advance() {
	if !e.haveData {
		return
	}
	elapsed := e.clock.Now().Sub(e.dataAt)
	e.deps.Machine.Advance(e.dataTs + elapsed.Milliseconds())
}

func (e *Engine) applySettings(s settings.Settings) {
	if err := e.deps.Machine.SetConfig(s.Proximity); err != nil {
		e.logger.Warn("proximity settings rejected", "error", err)
	}
	if err := e.deps.Player.SetConfig(s.Audio); err != nil {
		e.logger.Warn("audio settings rejected", "error", err)
	}
	if s.HoldDuration > 0 {
		e.deps.Gesture.SetHoldDuration(s.HoldDuration)
	}

	e.mu.Lock()
	wasEnabled := e.current.AudioEnabled
	e.current = s
	e.mu.Unlock()

	if wasEnabled && !s.AudioEnabled {
		e.deps.Player.Stop()
	}
	e.logger.Info("settings applied",
		"audio", s.AudioEnabled,
		"tracks", len(s.Playlist),
		"indicator", s.IndicatorEnabled)
	e.publishStatus()
}

// onTierChange runs on the event loop.
func (e *Engine) onTierChange(ev proximity.TierChangeEvent) {
	e.mu.RLock()
	cfg := e.current
	e.mu.RUnlock()

	switch {
	case ev.To == proximity.TierNone:
		e.deps.Player.Stop()
	case ev.Rising() && cfg.AudioEnabled && !e.deps.Player.IsPlaying():
		e.startPlayback(cfg.Playlist)
	}

	e.broadcast(Message{Type: MessageTierChange, Data: ev})
	if cfg.IndicatorEnabled {
		e.sendPage(relay.Command{
			Type: CommandIndicator,
			Data: map[string]any{"style": proximity.Indicator(ev.To, ev.Level)},
		})
	}
	e.publishStatus()
}

// startPlayback claims the player on the loop so a Stop queued behind this
// event cancels the start, then loads and starts the track off the loop.
func (e *Engine) startPlayback(playlist []ambient.Track) {
	start, err := e.deps.Player.Reserve(playlist)
	if err != nil {
		if !errors.Is(err, ambient.ErrClosed) {
			e.logger.Warn("ambient playback not started", "error", err)
		}
		return
	}
	if start == nil {
		return
	}

	ctx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := start(ctx)

		e.mu.Lock()
		e.rejected = errs.IsKind(err, errs.PlaybackRejected)
		e.mu.Unlock()

		if err != nil && !errors.Is(err, ambient.ErrClosed) {
			e.logger.Warn("ambient playback not started", "error", err)
		}
		e.publishStatus()
	}()
}

func (e *Engine) onSessionClosed(s proximity.Session) {
	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.Record(e.runContext(), s); err != nil {
			e.logger.Warn("session not recorded", "session", s.ID, "error", err)
		}
	}
	e.broadcast(Message{Type: MessageSessionClosed, Data: s})
}

func (e *Engine) onQuadrantTouch() {
	e.logger.Info("four-corner tap, opening admin")
	e.sendPage(relay.Command{Type: CommandAdminOpen})
	e.broadcast(Message{Type: MessageGesture, Data: map[string]string{"gesture": "quadrant_touch"}})
}

func (e *Engine) onHoldRefresh() {
	e.logger.Info("four-corner hold, reloading page")
	e.sendPage(relay.Command{Type: CommandPageReload})
	e.broadcast(Message{Type: MessageGesture, Data: map[string]string{"gesture": "hold_refresh"}})
}

func (e *Engine) sendPage(cmd relay.Command) {
	if e.deps.Page == nil {
		return
	}
	if err := e.deps.Page.Send(cmd); err != nil {
		e.logger.Debug("page command not sent", "command", cmd.Type, "error", err)
	}
}

func (e *Engine) broadcast(msg Message) {
	if e.deps.Status == nil {
		return
	}
	if err := e.deps.Status.BroadcastJSON(msg); err != nil {
		e.logger.Debug("status broadcast failed", "type", msg.Type, "error", err)
	}
}

func (e *Engine) publishStatus() {
	if e.deps.Status == nil {
		return
	}
	e.broadcast(Message{Type: MessageStatus, Data: e.Status()})
}

// Page event payloads.
type touchPayload struct {
	Touches  []gesture.Touch  `json:"touches"`
	Viewport gesture.Viewport `json:"viewport"`
}

type fullscreenPayload struct {
	Fullscreen bool `json:"fullscreen"`
}

type visibilityPayload struct {
	Visible bool `json:"visible"`
}

type launchPayload struct {
	Query string `json:"query"`
}

func (e *Engine) decode(ev relay.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		e.logger.Debug("bad page event", "type", ev.Type,
			"error", errs.New(errs.InvalidInput, "engine.page", err))
		return false
	}
	return true
}

func (e *Engine) postPage(ev relay.Event, fn func()) {
	if err := e.post(e.runContext(), fn); err != nil {
		e.logger.Debug("page event dropped", "type", ev.Type, "error", err)
	}
}

func (e *Engine) onTouchStart(ev relay.Event) {
	var p touchPayload
	if !e.decode(ev, &p) {
		return
	}
	e.postPage(ev, func() { e.deps.Gesture.TouchStart(p.Touches, p.Viewport) })
}

func (e *Engine) onTouchMove(ev relay.Event) {
	var p touchPayload
	if !e.decode(ev, &p) {
		return
	}
	e.postPage(ev, func() { e.deps.Gesture.TouchMove(p.Touches) })
}

func (e *Engine) onTouchEnd(ev relay.Event) {
	var p touchPayload
	if !e.decode(ev, &p) {
		return
	}
	e.postPage(ev, func() { e.deps.Gesture.TouchEnd(p.Touches) })
}

func (e *Engine) onFullscreen(ev relay.Event) {
	var p fullscreenPayload
	if !e.decode(ev, &p) {
		return
	}
	e.deps.Kiosk.HandleFullscreenChange(p.Fullscreen)
}

func (e *Engine) onVisibility(ev relay.Event) {
	var p visibilityPayload
	if !e.decode(ev, &p) {
		return
	}
	// Re-acquiring the wake lock waits on the page, which is the caller.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deps.Kiosk.HandleVisibilityChange(p.Visible)
	}()
}

func (e *Engine) onLaunch(ev relay.Event) {
	var p launchPayload
	if !e.decode(ev, &p) {
		return
	}
	params, err := url.ParseQuery(p.Query)
	if err != nil {
		e.logger.Warn("bad launch query", "query", p.Query, "error", err)
		return
	}
	ctx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.deps.Kiosk.ApplyLaunchParams(ctx, params); err != nil {
			e.logger.Warn("kiosk launch failed", "error", err)
		}
	}()
}
