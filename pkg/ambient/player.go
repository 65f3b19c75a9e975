package ambient

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/pkg/clock"
)

// DefaultStartTimeout bounds Load+Start on the output.
const DefaultStartTimeout = 5 * time.Second

type phase int

const (
	phaseStarting phase = iota
	phaseFadingIn
	phasePlaying
	phaseFadingOut
)

// voice is one owned Instance plus its ramp state.
type voice struct {
	id     uint64
	track  Track
	inst   Instance
	phase  phase
	volume float64
	ramp   clock.Timer
}

// Option configures a Player.
type Option func(*Player)

// WithClock sets the clock driving fades.
func WithClock(c clock.Clock) Option {
	return func(p *Player) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithRand sets the random source used for track selection.
func WithRand(r *rand.Rand) Option {
	return func(p *Player) {
		if r != nil {
			p.rng = r
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStartTimeout bounds how long Play waits for the output.
func WithStartTimeout(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.startTimeout = d
		}
	}
}

// Player plays one ambient track at a time with stepped fades.
type Player struct {
	out          Output
	clock        clock.Clock
	rng          *rand.Rand
	logger       *slog.Logger
	startTimeout time.Duration

	mu       sync.Mutex
	cfg      Config
	current  *voice // starting, fading in or playing
	outgoing *voice // fading out
	nextID   uint64
	closed   bool

	// OnPlaybackStart and OnPlaybackEnd are optional hooks for the dashboard.
	OnPlaybackStart func(Track)
	OnPlaybackEnd   func(Track)
}

// NewPlayer creates a player on out. An invalid cfg falls back to
// DefaultConfig.
func NewPlayer(out Output, cfg Config, opts ...Option) *Player {
	p := &Player{
		out:          out,
		clock:        clock.Real{},
		rng:          rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		logger:       slog.Default(),
		startTimeout: DefaultStartTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := cfg.Validate(); err != nil {
		p.logger.Warn("invalid ambient config, using defaults", "error", err)
		cfg = DefaultConfig()
	}
	p.cfg = cfg
	return p
}

// SetConfig replaces the playback parameters. It applies to the next fade
// step or Play; a playing track at full volume is moved to the new volume.
func (p *Player) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errs.New(errs.InvalidInput, "ambient.config", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	if v := p.current; v != nil && v.phase == phasePlaying && v.volume != cfg.Volume {
		p.setVolumeLocked(v, cfg.Volume)
	}
	return nil
}

// Play starts a random track from playlist unless a track is already
// starting or playing, in which case it is a no-op. A track that is fading
// out is released first so only one instance ever plays. Failures are logged
// and returned; the player stays stopped and Play can be retried.
func (p *Player) Play(ctx context.Context, playlist []Track) error {
	start, err := p.Reserve(playlist)
	if err != nil || start == nil {
		return err
	}
	return start(ctx)
}

// Reserve claims the player for a random track from playlist without
// touching the output, and returns the func that loads and starts it.
// A Stop or Close before that func runs cancels the start. Reserve returns
// a nil func when a track is already starting or playing.
func (p *Player) Reserve(playlist []Track) (func(ctx context.Context) error, error) {
	if len(playlist) == 0 {
		p.logger.Warn("ambient play skipped", "error", ErrEmptyPlaylist)
		return nil, ErrEmptyPlaylist
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.current != nil {
		return nil, nil
	}
	if p.outgoing != nil {
		p.releaseLocked(p.outgoing)
		p.outgoing = nil
	}

	track := playlist[p.rng.IntN(len(playlist))]
	p.nextID++
	v := &voice{id: p.nextID, track: track, phase: phaseStarting}
	p.current = v
	return func(ctx context.Context) error { return p.startVoice(ctx, v) }, nil
}

func (p *Player) startVoice(ctx context.Context, v *voice) error {
	p.mu.Lock()
	if p.current != v || p.closed {
		p.mu.Unlock()
		return nil
	}
	cfg := p.cfg
	p.mu.Unlock()

	track := v.track
	inst, err := p.start(ctx, track, cfg)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if p.current == v {
			p.current = nil
		}
		p.logger.Warn("ambient playback rejected", "track", track.Name, "output", p.out.Name(), "error", err)
		return err
	}

	// Stop or Close ran while we were starting.
	if p.current != v || p.closed {
		if rerr := inst.Release(); rerr != nil {
			p.logger.Debug("release after cancelled start", "error", rerr)
		}
		return nil
	}

	v.inst = inst
	if cfg.FadeIn {
		v.phase = phaseFadingIn
		v.volume = 0
		p.scheduleRampLocked(v)
	} else {
		v.phase = phasePlaying
		v.volume = cfg.Volume
	}

	p.logger.Info("ambient track started", "track", track.Name, "fade_in", cfg.FadeIn, "volume", cfg.Volume)
	if p.OnPlaybackStart != nil {
		go p.OnPlaybackStart(track)
	}
	return nil
}

func (p *Player) start(ctx context.Context, track Track, cfg Config) (Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, p.startTimeout)
	defer cancel()

	inst, err := p.out.Load(ctx, track)
	if err != nil {
		return nil, errs.New(errs.PlaybackRejected, "ambient.load", err)
	}

	initial := cfg.Volume
	if cfg.FadeIn {
		initial = 0
	}
	if err := inst.SetVolume(initial); err != nil {
		inst.Release()
		return nil, errs.New(errs.PlaybackRejected, "ambient.volume", err)
	}
	if err := inst.Start(ctx); err != nil {
		inst.Release()
		return nil, errs.New(errs.PlaybackRejected, "ambient.start", err)
	}
	return inst, nil
}

// Stop fades out and releases the current track. It is a no-op when
// nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.current
	if v == nil {
		return
	}
	p.current = nil
	p.cancelRampLocked(v)

	if v.phase == phaseStarting {
		// Play will release the instance once its start settles.
		return
	}

	if p.cfg.FadeOut && v.volume > 0 {
		if p.outgoing != nil {
			p.releaseLocked(p.outgoing)
		}
		v.phase = phaseFadingOut
		p.outgoing = v
		p.scheduleRampLocked(v)
		return
	}
	p.releaseLocked(v)
}

// Close cancels all fades and releases every instance. The player cannot
// be used afterwards.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.current != nil {
		if p.current.inst != nil {
			p.releaseLocked(p.current)
		}
		p.current = nil
	}
	if p.outgoing != nil {
		p.releaseLocked(p.outgoing)
		p.outgoing = nil
	}
	return nil
}

// IsPlaying reports whether a track has started and has not been stopped.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && p.current.phase != phaseStarting
}

// IsFadingOut reports whether a stopped track is still ramping down.
func (p *Player) IsFadingOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outgoing != nil
}

// Current returns the playing track.
func (p *Player) Current() (Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.phase == phaseStarting {
		return Track{}, false
	}
	return p.current.track, true
}

// Volume returns the volume of the playing (or fading-out) track.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.current != nil:
		return p.current.volume
	case p.outgoing != nil:
		return p.outgoing.volume
	}
	return 0
}

// scheduleRampLocked arms the single ramp timer for v.
func (p *Player) scheduleRampLocked(v *voice) {
	id := v.id
	v.ramp = p.clock.AfterFunc(p.cfg.FadeInterval, func() { p.rampStep(id) })
}

func (p *Player) rampStep(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A ramp belongs to exactly one voice; if that voice is gone the tick is stale.
	var v *voice
	switch {
	case p.current != nil && p.current.id == id:
		v = p.current
	case p.outgoing != nil && p.outgoing.id == id:
		v = p.outgoing
	default:
		return
	}
	v.ramp = nil

	switch v.phase {
	case phaseFadingIn:
		next := math.Min(v.volume+p.cfg.FadeStep, p.cfg.Volume)
		p.setVolumeLocked(v, next)
		if v.volume >= p.cfg.Volume {
			v.phase = phasePlaying
			return
		}
		p.scheduleRampLocked(v)

	case phaseFadingOut:
		next := math.Max(v.volume-p.cfg.FadeStep, 0)
		p.setVolumeLocked(v, next)
		if v.volume <= 0 {
			p.releaseLocked(v)
			p.outgoing = nil
			return
		}
		p.scheduleRampLocked(v)
	}
}

func (p *Player) setVolumeLocked(v *voice, vol float64) {
	// Round away float drift from repeated steps.
	vol = math.Round(vol*1e6) / 1e6
	v.volume = vol
	if v.inst == nil {
		return
	}
	if err := v.inst.SetVolume(vol); err != nil {
		p.logger.Debug("ambient set volume failed", "track", v.track.Name, "error", err)
	}
}

func (p *Player) cancelRampLocked(v *voice) {
	if v.ramp != nil {
		v.ramp.Stop()
		v.ramp = nil
	}
}

func (p *Player) releaseLocked(v *voice) {
	p.cancelRampLocked(v)
	if v.inst != nil {
		if err := v.inst.Release(); err != nil {
			p.logger.Warn("ambient release failed", "track", v.track.Name, "error", err)
		}
	}
	p.logger.Info("ambient track released", "track", v.track.Name)
	if p.OnPlaybackEnd != nil {
		go p.OnPlaybackEnd(v.track)
	}
}
