package proximity

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-chipins/internal/errs"
)

var (
	// ErrNonFinite is logged when a reading level is NaN or infinite.
	ErrNonFinite = errors.New("proximity: non-finite level")

	// ErrOutOfOrder is logged when a reading is older than the last one.
	ErrOutOfOrder = errors.New("proximity: reading out of order")

	// ErrNegativeTimestamp is logged when a reading has a negative timestamp.
	ErrNegativeTimestamp = errors.New("proximity: negative timestamp")
)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIDGenerator overrides session ID generation. Tests use it for stable IDs.
func WithIDGenerator(gen func() string) Option {
	return func(m *Machine) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// Machine classifies proximity readings into tiers with hysteresis and
// tracks engagement sessions. Readings must be ingested in non-decreasing
// timestamp order; older readings are dropped, never reordered.
type Machine struct {
	mu      sync.Mutex
	cfg     Config
	pending *Config
	logger  *slog.Logger
	newID   func() string

	tier        Tier
	level       float64
	lastTs      int64
	seen        bool
	walkupSince int64 // 0 when not in Walkup/Stare
	inWalkup    bool

	session       *Session
	converted     bool
	lastExitMs    int64
	cooldownSince int64
	coolingDown   bool

	dropped int

	tierListeners    map[int]func(TierChangeEvent)
	sessionListeners map[int]func(Session)
	nextListener     int
}

// NewMachine creates a machine in TierNone. An invalid cfg is replaced by
// DefaultConfig and logged.
func NewMachine(cfg Config, opts ...Option) *Machine {
	m := &Machine{
		logger:           slog.Default(),
		newID:            func() string { return uuid.NewString() },
		tierListeners:    make(map[int]func(TierChangeEvent)),
		sessionListeners: make(map[int]func(Session)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := cfg.Validate(); err != nil {
		m.logger.Warn("invalid proximity config, using defaults", "error", err)
		cfg = DefaultConfig()
	}
	m.cfg = cfg
	return m
}

// SetConfig replaces the thresholds. The change takes effect on the next
// Ingest or Advance call and never re-evaluates past readings.
func (m *Machine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errs.New(errs.InvalidInput, "proximity.config", err)
	}
	m.mu.Lock()
	m.pending = &cfg
	m.mu.Unlock()
	return nil
}

// Config returns the active thresholds.
func (m *Machine) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return *m.pending
	}
	return m.cfg
}

// OnTierChange registers fn for tier changes and returns its unsubscribe func.
// Callbacks run synchronously on the ingesting goroutine.
func (m *Machine) OnTierChange(fn func(TierChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.tierListeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.tierListeners, id)
		m.mu.Unlock()
	}
}

// OnSessionClosed registers fn for finalized sessions and returns its
// unsubscribe func.
func (m *Machine) OnSessionClosed(fn func(Session)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.sessionListeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.sessionListeners, id)
		m.mu.Unlock()
	}
}

// Ingest classifies one reading. It returns the tier change caused by the
// reading, if any. Malformed readings are dropped with a warning.
func (m *Machine) Ingest(r Reading) (TierChangeEvent, bool) {
	m.mu.Lock()

	if err := m.validateLocked(r); err != nil {
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("dropping proximity reading",
			"error", errs.New(errs.InvalidInput, "proximity.ingest", err),
			"level", r.Level,
			"timestamp_ms", r.TimestampMs)
		return TierChangeEvent{}, false
	}
	m.applyPendingLocked()

	level := clampLevel(r.Level)
	ts := r.TimestampMs
	m.lastTs = ts
	m.seen = true
	m.level = level

	var closed *Session
	if m.cooldownExpiredLocked(ts) {
		closed = m.finalizeLocked()
	}

	next := m.classifyLocked(level)
	event, changed := m.transitionLocked(next, level, ts)

	if m.session != nil {
		m.session.Readings++
		if level > m.session.PeakLevel {
			m.session.PeakLevel = level
		}
	}

	tierFns, sessionFns := m.listenersLocked()
	m.mu.Unlock()

	if closed != nil {
		m.logClosed(*closed)
		for _, fn := range sessionFns {
			fn(*closed)
		}
	}
	if changed {
		m.logger.Debug("proximity tier change",
			"from", event.From, "to", event.To, "level", level, "timestamp_ms", event.TimestampMs)
		for _, fn := range tierFns {
			fn(event)
		}
	}
	return event, changed
}

// Advance evaluates time-based transitions without a new reading: Walkup
// promotion to Stare and session finalization after the cooldown. Callers
// use it as an idle tick when the detector goes quiet. Times earlier than
// the last reading are ignored.
func (m *Machine) Advance(nowMs int64) (TierChangeEvent, *Session) {
	m.mu.Lock()
	if !m.seen || nowMs < m.lastTs {
		m.mu.Unlock()
		return TierChangeEvent{}, nil
	}
	m.applyPendingLocked()

	var closed *Session
	if m.cooldownExpiredLocked(nowMs) {
		closed = m.finalizeLocked()
	}

	var event TierChangeEvent
	changed := false
	if m.tier == TierWalkup && m.stareDueLocked(nowMs) {
		event, changed = m.transitionLocked(TierStare, m.level, nowMs)
	}

	tierFns, sessionFns := m.listenersLocked()
	m.mu.Unlock()

	if closed != nil {
		m.logClosed(*closed)
		for _, fn := range sessionFns {
			fn(*closed)
		}
	}
	if changed {
		for _, fn := range tierFns {
			fn(event)
		}
	}
	return event, closed
}

// MarkConverted flags the open session as converted (the visitor completed
// the kiosk's goal, e.g. dropped a pin). It returns false if no session is open.
func (m *Machine) MarkConverted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false
	}
	m.converted = true
	return true
}

// Tier returns the current tier.
func (m *Machine) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Level returns the last accepted (clamped) level.
func (m *Machine) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Session returns a snapshot of the open session.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	s := *m.session
	if m.tier != TierNone {
		s.EngagedDurationMs = m.lastTs - s.StartedAt.UnixMilli()
	} else {
		s.EngagedDurationMs = m.lastExitMs - s.StartedAt.UnixMilli()
	}
	return s, true
}

// Dropped returns the number of readings rejected as malformed.
func (m *Machine) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Machine) validateLocked(r Reading) error {
	switch {
	case math.IsNaN(r.Level) || math.IsInf(r.Level, 0):
		return ErrNonFinite
	case r.TimestampMs < 0:
		return ErrNegativeTimestamp
	case m.seen && r.TimestampMs < m.lastTs:
		return ErrOutOfOrder
	}
	return nil
}

func (m *Machine) applyPendingLocked() {
	if m.pending != nil {
		m.cfg = *m.pending
		m.pending = nil
	}
}

// classifyLocked returns the level-based tier (None, Ambient or Walkup),
// keeping the current tier while the level sits inside its hysteresis band.
func (m *Machine) classifyLocked(level float64) Tier {
	base := m.tier
	if base == TierStare {
		base = TierWalkup
	}

	switch {
	case level > m.cfg.WalkupThreshold:
		return TierWalkup
	case base >= TierWalkup && level >= m.cfg.walkupExit():
		return TierWalkup
	case level > m.cfg.AmbientThreshold:
		return TierAmbient
	case base >= TierAmbient && level >= m.cfg.ambientExit():
		return TierAmbient
	default:
		return TierNone
	}
}

func (m *Machine) stareDueLocked(ts int64) bool {
	return m.inWalkup && ts-m.walkupSince >= m.cfg.StareAfter.Milliseconds()
}

// transitionLocked applies a level-based tier and the time-based Stare
// promotion, updating session bookkeeping. It returns the resulting change.
func (m *Machine) transitionLocked(next Tier, level float64, ts int64) (TierChangeEvent, bool) {
	prev := m.tier
	eventTs := ts

	if next >= TierWalkup {
		switch {
		case level < m.cfg.WalkupThreshold:
			// Held by hysteresis only. The stare clock restarts on the next
			// reading at or above the walkup threshold.
			m.inWalkup = false
			m.walkupSince = 0
		case !m.inWalkup:
			m.inWalkup = true
			m.walkupSince = ts
		}
		switch {
		case prev == TierStare:
			next = TierStare
		case m.stareDueLocked(ts):
			next = TierStare
			eventTs = m.walkupSince + m.cfg.StareAfter.Milliseconds()
		}
	} else {
		m.inWalkup = false
		m.walkupSince = 0
	}

	if next == prev {
		return TierChangeEvent{}, false
	}
	m.tier = next

	if prev == TierNone {
		m.enterLocked(ts)
	}
	if next == TierNone {
		m.lastExitMs = ts
		m.cooldownSince = ts
		m.coolingDown = true
	}
	if m.session != nil {
		if next > m.session.PeakTier {
			m.session.PeakTier = next
		}
		if next == TierStare && m.session.StareStartedAt == nil {
			at := time.UnixMilli(eventTs)
			m.session.StareStartedAt = &at
		}
	}

	event := TierChangeEvent{From: prev, To: next, Level: level, TimestampMs: eventTs}
	if m.session != nil {
		event.SessionID = m.session.ID
	}
	return event, true
}

func (m *Machine) enterLocked(ts int64) {
	if m.session != nil {
		// Re-entry during the cooldown continues the same session.
		m.coolingDown = false
		return
	}
	m.session = &Session{
		ID:        m.newID(),
		StartedAt: time.UnixMilli(ts),
	}
	m.converted = false
}

func (m *Machine) cooldownExpiredLocked(ts int64) bool {
	return m.coolingDown && m.session != nil && ts-m.cooldownSince >= m.cfg.Cooldown.Milliseconds()
}

func (m *Machine) finalizeLocked() *Session {
	s := *m.session
	s.EngagedDurationMs = m.lastExitMs - s.StartedAt.UnixMilli()
	ended := time.UnixMilli(m.lastExitMs)
	s.EndedAt = &ended

	switch {
	case m.converted:
		s.Outcome = OutcomeConverted
	case s.EngagedDurationMs >= m.cfg.EngagedMinimum.Milliseconds():
		s.Outcome = OutcomeEngaged
	default:
		s.Outcome = OutcomeAbandoned
	}

	m.session = nil
	m.converted = false
	m.coolingDown = false
	return &s
}

func (m *Machine) listenersLocked() ([]func(TierChangeEvent), []func(Session)) {
	tierFns := make([]func(TierChangeEvent), 0, len(m.tierListeners))
	for _, fn := range m.tierListeners {
		tierFns = append(tierFns, fn)
	}
	sessionFns := make([]func(Session), 0, len(m.sessionListeners))
	for _, fn := range m.sessionListeners {
		sessionFns = append(sessionFns, fn)
	}
	return tierFns, sessionFns
}

func (m *Machine) logClosed(s Session) {
	m.logger.Info("engagement session closed",
		"session_id", s.ID,
		"outcome", s.Outcome,
		"engaged_ms", s.EngagedDurationMs,
		"peak_tier", s.PeakTier)
}

func clampLevel(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
