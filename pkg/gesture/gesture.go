// Package gesture recognizes the hidden four-corner admin gesture.
//
// Four or more fingers covering all four quadrants of the screen form the
// gesture. Lifting a finger before the hold duration is a tap (opens the
// admin panel); keeping coverage for the hold duration is a hold (reloads
// the kiosk). Each touch cycle produces at most one of the two.
package gesture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-chipins/pkg/clock"
)

// DefaultHoldDuration is how long coverage must be held for a refresh.
const DefaultHoldDuration = 3 * time.Second

// MinTouches is the number of fingers the gesture needs.
const MinTouches = 4

// Quadrant is one quarter of the viewport.
type Quadrant int

const (
	TopLeft Quadrant = iota
	TopRight
	BottomLeft
	BottomRight
)

var quadrantNames = [...]string{"top_left", "top_right", "bottom_left", "bottom_right"}

func (q Quadrant) String() string {
	if q < 0 || int(q) >= len(quadrantNames) {
		return fmt.Sprintf("quadrant(%d)", int(q))
	}
	return quadrantNames[q]
}

// Touch is one contact point in viewport pixels.
type Touch struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the screen size in pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (v Viewport) valid() bool {
	return v.Width > 0 && v.Height > 0
}

// QuadrantOf returns the quadrant containing t. A touch exactly on a
// midpoint belongs to the right or bottom side.
func QuadrantOf(t Touch, vp Viewport) Quadrant {
	right := t.X >= vp.Width/2
	bottom := t.Y >= vp.Height/2
	switch {
	case !right && !bottom:
		return TopLeft
	case right && !bottom:
		return TopRight
	case !right && bottom:
		return BottomLeft
	default:
		return BottomRight
	}
}

// Coverage returns the set of quadrants touched.
func Coverage(touches []Touch, vp Viewport) [4]bool {
	var covered [4]bool
	for _, t := range touches {
		covered[QuadrantOf(t, vp)] = true
	}
	return covered
}

func allCovered(touches []Touch, vp Viewport) bool {
	if len(touches) < MinTouches {
		return false
	}
	for _, c := range Coverage(touches, vp) {
		if !c {
			return false
		}
	}
	return true
}

// State is a snapshot of the current gesture cycle.
type State struct {
	Quadrants       []Quadrant `json:"quadrants"`
	Recognized      bool       `json:"recognized"`
	HoldTimerActive bool       `json:"hold_timer_active"`
	HoldStartedAt   time.Time  `json:"hold_started_at,omitzero"`
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithHoldDuration sets the hold duration.
func WithHoldDuration(d time.Duration) Option {
	return func(r *Recognizer) {
		if d > 0 {
			r.hold = d
		}
	}
}

// WithClock sets the clock driving the hold timer.
func WithClock(c clock.Clock) Option {
	return func(r *Recognizer) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recognizer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Recognizer tracks touch cycles. It is safe for concurrent use.
type Recognizer struct {
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	hold        time.Duration
	viewport    Viewport
	quadrants   [4]bool
	recognized  bool // gesture formed and not yet resolved
	consumed    bool // resolved; waits for all fingers to lift
	holdTimer   clock.Timer
	holdStarted time.Time
	gen         uint64
	closed      bool

	taps    map[uint64]func()
	holds   map[uint64]func()
	nextSub uint64
}

// NewRecognizer creates a recognizer.
func NewRecognizer(opts ...Option) *Recognizer {
	r := &Recognizer{
		clock:  clock.Real{},
		logger: slog.Default(),
		hold:   DefaultHoldDuration,
		taps:   make(map[uint64]func()),
		holds:  make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetHoldDuration changes the hold duration for future cycles.
func (r *Recognizer) SetHoldDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.hold = d
	r.mu.Unlock()
}

// OnQuadrantTouch registers fn for the tap gesture.
func (r *Recognizer) OnQuadrantTouch(fn func()) (unsubscribe func()) {
	return r.subscribe(r.taps, fn)
}

// OnHoldRefresh registers fn for the hold gesture. Without any hold
// callback no hold timer is started.
func (r *Recognizer) OnHoldRefresh(fn func()) (unsubscribe func()) {
	return r.subscribe(r.holds, fn)
}

func (r *Recognizer) subscribe(set map[uint64]func(), fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	id := r.nextSub
	set[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(set, id)
	}
}

// TouchStart handles a touchstart with every finger currently down.
func (r *Recognizer) TouchStart(touches []Touch, vp Viewport) {
	if !vp.valid() {
		r.logger.Debug("touch ignored, invalid viewport", "width", vp.Width, "height", vp.Height)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.viewport = vp
	r.quadrants = Coverage(touches, vp)

	if r.recognized || r.consumed {
		return
	}
	if !allCovered(touches, vp) {
		return
	}

	r.recognized = true
	r.logger.Debug("four-quadrant gesture recognized", "touches", len(touches))
	if len(r.holds) > 0 {
		r.gen++
		gen := r.gen
		r.holdStarted = r.clock.Now()
		r.holdTimer = r.clock.AfterFunc(r.hold, func() { r.holdFired(gen) })
	}
}

// TouchMove handles a touchmove. Losing coverage cancels the cycle without
// firing either callback.
func (r *Recognizer) TouchMove(touches []Touch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.viewport.valid() {
		return
	}
	r.quadrants = Coverage(touches, r.viewport)
	if r.recognized && !allCovered(touches, r.viewport) {
		r.logger.Debug("gesture coverage lost")
		r.cancelHoldLocked()
		r.recognized = false
		r.consumed = true
	}
}

// TouchEnd handles a touchend with the fingers still down. A recognized
// gesture that has not been held long enough fires the tap callback.
func (r *Recognizer) TouchEnd(remaining []Touch) {
	r.mu.Lock()

	var fire []func()
	if r.recognized {
		r.cancelHoldLocked()
		r.recognized = false
		r.consumed = true
		fire = callbacks(r.taps)
	}
	if len(remaining) == 0 {
		r.consumed = false
		r.quadrants = [4]bool{}
	} else if r.viewport.valid() {
		r.quadrants = Coverage(remaining, r.viewport)
	}
	r.mu.Unlock()

	if fire != nil {
		r.logger.Info("admin gesture tap")
	}
	for _, fn := range fire {
		fn()
	}
}

func (r *Recognizer) holdFired(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || !r.recognized || r.closed {
		r.mu.Unlock()
		return
	}
	r.holdTimer = nil
	r.recognized = false
	r.consumed = true
	fire := callbacks(r.holds)
	r.mu.Unlock()

	r.logger.Info("admin gesture hold")
	for _, fn := range fire {
		fn()
	}
}

func callbacks(set map[uint64]func()) []func() {
	fns := make([]func(), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

func (r *Recognizer) cancelHoldLocked() {
	r.gen++
	if r.holdTimer != nil {
		r.holdTimer.Stop()
		r.holdTimer = nil
	}
	r.holdStarted = time.Time{}
}

// State returns a snapshot of the current cycle.
func (r *Recognizer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := State{
		Recognized:      r.recognized,
		HoldTimerActive: r.holdTimer != nil,
		HoldStartedAt:   r.holdStarted,
	}
	for q, on := range r.quadrants {
		if on {
			s.Quadrants = append(s.Quadrants, Quadrant(q))
		}
	}
	return s
}

// Reset abandons the current cycle.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelHoldLocked()
	r.recognized = false
	r.consumed = false
	r.quadrants = [4]bool{}
}

// Close cancels the hold timer and ignores further input.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelHoldLocked()
	r.recognized = false
	r.closed = true
	return nil
}
