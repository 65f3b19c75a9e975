package kiosk

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/pkg/clock"
)

const (
	// DefaultRecoveryDelay is the wait before re-entering fullscreen after
	// an external exit.
	DefaultRecoveryDelay = 500 * time.Millisecond

	// DefaultRequestTimeout bounds requests issued from timers and events.
	DefaultRequestTimeout = 5 * time.Second
)

// Option configures a Controller.
type Option func(*Controller)

// WithAutoKiosk sets whether kiosk mode was requested at launch.
func WithAutoKiosk(enabled bool) Option {
	return func(c *Controller) {
		c.autoKiosk = enabled
	}
}

// WithRecoveryDelay sets the fullscreen recovery delay.
func WithRecoveryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.recoveryDelay = d
		}
	}
}

// WithViewportNotifier sets a function called after every state change so
// the layout can be recomputed.
func WithViewportNotifier(fn func(SessionState)) Option {
	return func(c *Controller) {
		c.viewport = fn
	}
}

// WithClock sets the clock used for recovery timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller owns the kiosk session state.
type Controller struct {
	display       Display
	lock          WakeLock
	clock         clock.Clock
	logger        *slog.Logger
	recoveryDelay time.Duration
	viewport      func(SessionState)

	mu         sync.Mutex
	state      State
	fullscreen bool
	held       bool
	autoKiosk  bool
	inFlight   bool
	recovery   clock.Timer
	gen        uint64
	closed     bool
	subs       map[uint64]func(SessionState)
	nextSub    uint64
}

// NewController creates a controller in the Inactive state.
func NewController(display Display, lock WakeLock, opts ...Option) *Controller {
	c := &Controller{
		display:       display,
		lock:          lock,
		clock:         clock.Real{},
		logger:        slog.Default(),
		recoveryDelay: DefaultRecoveryDelay,
		subs:          make(map[uint64]func(SessionState)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartKioskNow enters fullscreen and acquires the wake lock. Wake-lock
// failure is logged and tolerated. Fullscreen failure returns an error
// wrapping ErrFullscreenFailed and leaves the controller Inactive.
func (c *Controller) StartKioskNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateActive || c.inFlight {
		c.mu.Unlock()
		return nil
	}
	c.cancelRecoveryLocked()
	c.gen++
	gen := c.gen
	c.state = StateStarting
	c.inFlight = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return c.attempt(ctx, gen)
}

// attempt runs one fullscreen + wake-lock attempt for generation gen.
func (c *Controller) attempt(ctx context.Context, gen uint64) error {
	fsErr := c.display.RequestFullscreen(ctx)

	c.mu.Lock()
	if c.gen != gen {
		// ExitKioskNow or Close ran meanwhile.
		c.mu.Unlock()
		return nil
	}
	if fsErr != nil {
		c.state = StateInactive
		c.inFlight = false
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Warn("fullscreen request failed", "error", fsErr)
		c.notify(snap)
		return errs.New(errs.ResourceUnavailable, "kiosk.start", fmt.Errorf("%w: %w", ErrFullscreenFailed, fsErr))
	}
	c.fullscreen = true
	needLock := !c.held
	c.mu.Unlock()

	held := !needLock
	if needLock {
		if err := c.lock.Acquire(ctx); err != nil {
			c.logger.Warn("wake lock unavailable",
				"error", errs.New(errs.ResourceUnavailable, "kiosk.wakelock", err))
		} else {
			held = true
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if held && needLock {
			c.releaseLock()
		}
		return nil
	}
	c.held = held
	c.state = StateActive
	c.inFlight = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("kiosk active", "wake_lock", held, "auto", snap.AutoKioskRequested)
	c.notify(snap)
	return nil
}

// ApplyLaunchParams enables auto-kiosk when the launch URL has kiosk=1 and
// starts the kiosk.
func (c *Controller) ApplyLaunchParams(ctx context.Context, params url.Values) error {
	if params.Get("kiosk") != "1" {
		return nil
	}

	c.mu.Lock()
	c.autoKiosk = true
	c.mu.Unlock()

	c.logger.Info("auto kiosk requested by launch params")
	return c.StartKioskNow(ctx)
}

// HandleFullscreenChange records a fullscreen change reported by the page.
// Leaving fullscreen while Active schedules a recovery when auto-kiosk was
// requested, otherwise the kiosk becomes Inactive. Fullscreen coming back
// while a recovery is pending cancels it.
func (c *Controller) HandleFullscreenChange(isFullscreen bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.fullscreen = isFullscreen

	releaseLock := false
	if isFullscreen && c.state == StateStarting && c.recovery != nil && !c.inFlight {
		c.cancelRecoveryLocked()
		c.gen++
		c.state = StateActive
		c.logger.Info("fullscreen restored, recovery cancelled", "wake_lock", c.held)
	}
	if !isFullscreen && c.state == StateActive {
		if c.autoKiosk {
			c.state = StateStarting
			c.scheduleRecoveryLocked()
			c.logger.Info("fullscreen lost, scheduling recovery", "delay", c.recoveryDelay)
		} else {
			c.gen++
			c.state = StateInactive
			releaseLock = c.held
			c.held = false
			c.logger.Info("fullscreen exited by user")
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if releaseLock {
		c.releaseLock()
	}
	c.notify(snap)
}

func (c *Controller) scheduleRecoveryLocked() {
	c.cancelRecoveryLocked()
	c.gen++
	gen := c.gen
	c.recovery = c.clock.AfterFunc(c.recoveryDelay, func() { c.recover(gen) })
}

func (c *Controller) recover(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.closed || c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.recovery = nil
	c.inFlight = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	if err := c.attempt(ctx, gen); err != nil {
		c.logger.Warn("fullscreen recovery failed", "error", err)
	}
}

// HandleVisibilityChange tracks page visibility. Browsers drop the wake
// lock when the page is hidden, so it is re-acquired once visible again.
func (c *Controller) HandleVisibilityChange(visible bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !visible {
		changed := c.held
		c.held = false
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if changed {
			c.notify(snap)
		}
		return
	}
	if c.state != StateActive || c.held {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	if err := c.lock.Acquire(ctx); err != nil {
		c.logger.Warn("wake lock re-acquire failed",
			"error", errs.New(errs.ResourceUnavailable, "kiosk.wakelock", err))
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateActive {
		c.mu.Unlock()
		c.releaseLock()
		return
	}
	c.held = true
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// ExitKioskNow releases the wake lock, leaves fullscreen and cancels any
// pending recovery.
func (c *Controller) ExitKioskNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateInactive && !c.fullscreen && !c.held {
		c.mu.Unlock()
		return nil
	}
	c.cancelRecoveryLocked()
	c.gen++
	c.state = StateInactive
	c.inFlight = false
	held, fullscreen := c.held, c.fullscreen
	c.held = false
	c.mu.Unlock()

	var firstErr error
	if held {
		if err := c.lock.Release(ctx); err != nil {
			c.logger.Warn("wake lock release failed", "error", err)
			firstErr = errs.New(errs.ResourceUnavailable, "kiosk.exit", err)
		}
	}
	if fullscreen {
		if err := c.display.ExitFullscreen(ctx); err != nil {
			c.logger.Warn("exit fullscreen failed", "error", err)
			if firstErr == nil {
				firstErr = errs.New(errs.ResourceUnavailable, "kiosk.exit", err)
			}
		} else {
			c.mu.Lock()
			c.fullscreen = false
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("kiosk exited")
	c.notify(snap)
	return firstErr
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// NeedsKioskStart reports whether kiosk mode was requested but is not
// running, so the page should prompt for a tap to enter it.
func (c *Controller) NeedsKioskStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsStartLocked()
}

func (c *Controller) needsStartLocked() bool {
	return c.autoKiosk && c.state == StateInactive
}

func (c *Controller) snapshotLocked() SessionState {
	return SessionState{
		State:              c.state,
		IsFullscreen:       c.fullscreen,
		WakeLockHeld:       c.held,
		AutoKioskRequested: c.autoKiosk,
		NeedsKioskStart:    c.needsStartLocked(),
	}
}

// Subscribe registers fn for every state change and returns a function
// that removes it.
func (c *Controller) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Controller) notify(snap SessionState) {
	c.mu.Lock()
	fns := make([]func(SessionState), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	if c.viewport != nil {
		c.viewport(snap)
	}
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) cancelRecoveryLocked() {
	if c.recovery != nil {
		c.recovery.Stop()
		c.recovery = nil
	}
}

func (c *Controller) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	if err := c.lock.Release(ctx); err != nil {
		c.logger.Debug("wake lock release failed", "error", err)
	}
}

// Close cancels a pending recovery and releases the wake lock.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelRecoveryLocked()
	c.gen++
	held := c.held
	c.held = false
	c.mu.Unlock()

	if held {
		c.releaseLock()
	}
	return nil
}
