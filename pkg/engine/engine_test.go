package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-chipins/internal/log"
	"github.com/teslashibe/go-chipins/pkg/ambient"
	"github.com/teslashibe/go-chipins/pkg/clock"
	"github.com/teslashibe/go-chipins/pkg/detector"
	"github.com/teslashibe/go-chipins/pkg/gesture"
	"github.com/teslashibe/go-chipins/pkg/kiosk"
	"github.com/teslashibe/go-chipins/pkg/proximity"
	"github.com/teslashibe/go-chipins/pkg/relay"
	"github.com/teslashibe/go-chipins/pkg/settings"
)

type recorded struct {
	mu   sync.Mutex
	msgs []Message
	cmds []relay.Command
}

func (r *recorded) BroadcastJSON(v any) error {
	msg, ok := v.(Message)
	if !ok {
		return errors.New("unexpected payload")
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorded) Send(cmd relay.Command) error {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	return nil
}

func (r *recorded) ofType(typ string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorded) commands(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c.Type == typ {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu       sync.Mutex
	sessions []proximity.Session
	closed   bool
}

func (f *fakeRecorder) Record(_ context.Context, s proximity.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeRecorder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// pageTransport stands in for the control hub.
type pageTransport struct{}

func (pageTransport) BroadcastJSON(any) error { return nil }
func (pageTransport) ClientCount() int        { return 1 }

type fixture struct {
	engine   *Engine
	clock    *clock.Mock
	out      *ambient.MockOutput
	player   *ambient.Player
	display  *kiosk.MockDisplay
	lock     *kiosk.MockWakeLock
	kiosk    *kiosk.Controller
	settings *settings.StaticProvider
	sink     *recorded
	recorder *fakeRecorder
	bridge   *relay.Bridge
	cancel   context.CancelFunc
	done     chan error
}

func testSettings() settings.Settings {
	s := settings.Default()
	s.Playlist = []ambient.Track{{Name: "chill", URL: "/audio/chill.mp3"}}
	return s
}

func newFixture(t *testing.T, s settings.Settings) *fixture {
	t.Helper()
	return newFixtureAt(t, s, time.UnixMilli(0))
}

// newFixtureAt builds a fixture whose clock starts at now. Extra options
// are applied after the defaults, which include a one-hour idle tick.
func newFixtureAt(t *testing.T, s settings.Settings, now time.Time, opts ...Option) *fixture {
	t.Helper()

	logger := log.Discard()
	clk := clock.NewMock(now)
	f := &fixture{
		clock:    clk,
		out:      ambient.NewMockOutput(),
		display:  &kiosk.MockDisplay{},
		lock:     &kiosk.MockWakeLock{},
		settings: settings.NewStatic(s),
		sink:     &recorded{},
		recorder: &fakeRecorder{},
		done:     make(chan error, 1),
	}
	f.player = ambient.NewPlayer(f.out, s.Audio, ambient.WithClock(clk), ambient.WithLogger(logger))
	f.kiosk = kiosk.NewController(f.display, f.lock, kiosk.WithClock(clk), kiosk.WithLogger(logger))
	f.bridge = relay.New(pageTransport{}, relay.WithLogger(logger))

	e, err := New(Deps{
		Machine:  proximity.NewMachine(s.Proximity, proximity.WithLogger(logger)),
		Player:   f.player,
		Kiosk:    f.kiosk,
		Gesture:  gesture.NewRecognizer(gesture.WithClock(clk), gesture.WithLogger(logger)),
		Settings: f.settings,
		Recorder: f.recorder,
		Status:   f.sink,
		Page:     f.sink,
	}, append([]Option{WithClock(clk), WithLogger(logger), WithIdleTick(time.Hour)}, opts...)...)
	require.NoError(t, err)
	e.AttachPage(f.bridge)
	f.engine = e
	return f
}

func (f *fixture) start(t *testing.T, src detector.Source) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.engine.Run(ctx, src) }()
	require.Eventually(t, func() bool {
		f.engine.mu.RLock()
		defer f.engine.mu.RUnlock()
		return f.engine.running
	}, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-f.done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("Run did not return")
		}
		assert.NoError(t, f.engine.Shutdown())
	})
}

// flush waits until every queued event has been processed.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.engine.post(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop stalled")
	}
}

func (f *fixture) ingest(t *testing.T, level float64, ts int64) {
	t.Helper()
	require.NoError(t, f.engine.Ingest(context.Background(), proximity.Reading{Level: level, TimestampMs: ts}))
	f.flush(t)
}

// tick advances the clock n idle ticks, letting the loop run each one.
func (f *fixture) tick(t *testing.T, every time.Duration, n int) {
	t.Helper()
	for range n {
		f.clock.Advance(every)
		f.flush(t)
	}
}

func (f *fixture) page(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(relay.Event{Type: typ, Data: raw})
	require.NoError(t, err)
	require.NoError(t, f.bridge.Handle(msg))
	f.flush(t)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestEngine_IngestBeforeRun(t *testing.T) {
	f := newFixture(t, testSettings())
	err := f.engine.Ingest(context.Background(), proximity.Reading{Level: 50, TimestampMs: 1})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestEngine_PlaysOnRisingTier(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)

	f.ingest(t, 27, 1000)

	require.Eventually(t, f.player.IsPlaying, time.Second, time.Millisecond)
	assert.Len(t, f.out.Instances(), 1)

	changes := f.sink.ofType(MessageTierChange)
	require.Len(t, changes, 1)
	ev := changes[0].Data.(proximity.TierChangeEvent)
	assert.Equal(t, proximity.TierNone, ev.From)
	assert.Equal(t, proximity.TierAmbient, ev.To)
	assert.Equal(t, 1, f.sink.commands(CommandIndicator))

	// Escalating further keeps the same track.
	f.ingest(t, 60, 1100)
	assert.Len(t, f.out.Instances(), 1)
	assert.Equal(t, proximity.TierWalkup, f.engine.Status().Tier)
}

func TestEngine_StopsWhenVisitorLeaves(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)

	f.ingest(t, 40, 1000)
	require.Eventually(t, f.player.IsPlaying, time.Second, time.Millisecond)
	f.clock.Advance(time.Second)
	assert.InDelta(t, 0.3, f.player.Volume(), 1e-9)

	f.ingest(t, 0, 1100)
	assert.False(t, f.player.IsPlaying())
	assert.True(t, f.player.IsFadingOut())

	f.clock.Advance(time.Second)
	assert.Empty(t, f.out.Active())
}

func TestEngine_AudioDisabled(t *testing.T) {
	s := testSettings()
	s.AudioEnabled = false
	f := newFixture(t, s)
	f.start(t, nil)

	f.ingest(t, 80, 1000)
	f.flush(t)
	assert.Empty(t, f.out.Instances())
	assert.False(t, f.engine.Status().AudioEnabled)
}

func TestEngine_RejectedPlaybackRetriesOnNextEscalation(t *testing.T) {
	f := newFixture(t, testSettings())
	var mu sync.Mutex
	reject := true
	f.out.StartFunc = func(context.Context, ambient.Track) error {
		mu.Lock()
		defer mu.Unlock()
		if reject {
			return errors.New("NotAllowedError")
		}
		return nil
	}
	f.start(t, nil)

	f.ingest(t, 27, 1000)
	require.Eventually(t, func() bool { return f.engine.Status().PlaybackBlocked }, time.Second, time.Millisecond)
	assert.False(t, f.player.IsPlaying())

	mu.Lock()
	reject = false
	mu.Unlock()

	f.ingest(t, 60, 1100)
	require.Eventually(t, f.player.IsPlaying, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !f.engine.Status().PlaybackBlocked }, time.Second, time.Millisecond)
}

func TestEngine_RecordsClosedSession(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)

	f.ingest(t, 40, 1000)
	f.ingest(t, 0, 2000)
	assert.Equal(t, 0, f.recorder.count())

	// The cooldown has elapsed by the next reading.
	f.ingest(t, 0, 5000)
	assert.Equal(t, 1, f.recorder.count())

	closed := f.sink.ofType(MessageSessionClosed)
	require.Len(t, closed, 1)
	s := closed[0].Data.(proximity.Session)
	assert.Equal(t, proximity.OutcomeAbandoned, s.Outcome)
}

func TestEngine_IdleTickClosesSession(t *testing.T) {
	const every = 250 * time.Millisecond
	f := newFixtureAt(t, testSettings(), time.UnixMilli(0), WithIdleTick(every))
	f.start(t, nil)

	f.ingest(t, 40, 1000)
	f.ingest(t, 0, 2000)

	f.tick(t, every, 7) // 1750ms of the 2000ms cooldown
	assert.Equal(t, 0, f.recorder.count())

	f.tick(t, every, 1)
	assert.Equal(t, 1, f.recorder.count())
}

func TestEngine_IdleTickUsesReadingTimeBase(t *testing.T) {
	const every = 100 * time.Millisecond
	f := newFixtureAt(t, testSettings(), time.UnixMilli(1_700_000_000_000), WithIdleTick(every))
	f.start(t, nil)

	// Detector timestamps are relative to its own start, not the wall clock.
	f.ingest(t, 10, 0)
	f.ingest(t, 35, 100)

	f.tick(t, every, 29)
	require.Equal(t, proximity.TierWalkup, f.engine.Status().Tier)

	f.tick(t, every, 1)
	require.Equal(t, proximity.TierStare, f.engine.Status().Tier)
	changes := f.sink.ofType(MessageTierChange)
	last := changes[len(changes)-1].Data.(proximity.TierChangeEvent)
	assert.Equal(t, int64(3100), last.TimestampMs)

	f.ingest(t, 0, 3200)
	f.tick(t, every, 19)
	assert.Equal(t, 0, f.recorder.count())
	f.tick(t, every, 1)
	require.Equal(t, 1, f.recorder.count())
	assert.Equal(t, int64(3100), f.recorder.sessions[0].EngagedDurationMs)
}

func TestEngine_IdleTickWaitsForFirstReading(t *testing.T) {
	const every = 100 * time.Millisecond
	f := newFixtureAt(t, testSettings(), time.UnixMilli(1_700_000_000_000), WithIdleTick(every))
	f.start(t, nil)

	f.tick(t, every, 5)
	assert.Equal(t, proximity.TierNone, f.engine.Status().Tier)
	assert.Equal(t, 0, f.recorder.count())
}

func TestEngine_QuickExitCancelsPendingPlayback(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Ingest(ctx, proximity.Reading{Level: 40, TimestampMs: 1000}))
	require.NoError(t, f.engine.Ingest(ctx, proximity.Reading{Level: 0, TimestampMs: 1001}))
	f.flush(t)
	f.engine.wg.Wait()

	assert.Equal(t, proximity.TierNone, f.engine.Status().Tier)
	assert.False(t, f.player.IsPlaying())
	assert.Empty(t, f.out.Active())

	f.ingest(t, 40, 1002)
	require.Eventually(t, f.player.IsPlaying, time.Second, time.Millisecond)
	assert.Len(t, f.out.Active(), 1)
}

func TestEngine_ExitDuringSlowStartReleasesTrack(t *testing.T) {
	f := newFixture(t, testSettings())
	entered := make(chan struct{})
	proceed := make(chan struct{})
	f.out.StartFunc = func(context.Context, ambient.Track) error {
		close(entered)
		<-proceed
		return nil
	}
	f.start(t, nil)

	f.ingest(t, 40, 1000)
	<-entered
	f.ingest(t, 0, 1100)
	close(proceed)
	f.engine.wg.Wait()

	assert.False(t, f.player.IsPlaying())
	assert.Empty(t, f.out.Active())
	require.Len(t, f.out.Instances(), 1)
	assert.True(t, f.out.Instances()[0].Released())
}

func TestEngine_MarkConverted(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)
	ctx := context.Background()

	ok, err := f.engine.MarkConverted(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.ingest(t, 40, 1000)
	ok, err = f.engine.MarkConverted(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	f.ingest(t, 0, 2000)
	f.ingest(t, 0, 5000)
	require.Equal(t, 1, f.recorder.count())
	assert.Equal(t, proximity.OutcomeConverted, f.recorder.sessions[0].Outcome)
}

func TestEngine_DetectorSource(t *testing.T) {
	f := newFixture(t, testSettings())
	src := detector.NewReplaySource([]proximity.Reading{
		{Level: 10, TimestampMs: 1000},
		{Level: 35, TimestampMs: 1100},
		{Level: 35, TimestampMs: 1200},
	}, 0)
	f.start(t, src)

	require.Eventually(t, func() bool {
		return f.engine.Status().Tier == proximity.TierWalkup
	}, time.Second, time.Millisecond)
}

func corners(w, h float64) []gesture.Touch {
	return []gesture.Touch{{X: 10, Y: 10}, {X: w - 10, Y: 10}, {X: 10, Y: h - 10}, {X: w - 10, Y: h - 10}}
}

func TestEngine_PageTapOpensAdmin(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)
	vp := gesture.Viewport{Width: 1920, Height: 1080}

	f.page(t, relay.EventTouchStart, touchPayload{Touches: corners(1920, 1080), Viewport: vp})
	f.page(t, relay.EventTouchEnd, touchPayload{})

	assert.Equal(t, 1, f.sink.commands(CommandAdminOpen))
	assert.Equal(t, 0, f.sink.commands(CommandPageReload))
	assert.Len(t, f.sink.ofType(MessageGesture), 1)
}

func TestEngine_PageHoldReloads(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)
	vp := gesture.Viewport{Width: 1920, Height: 1080}

	f.page(t, relay.EventTouchStart, touchPayload{Touches: corners(1920, 1080), Viewport: vp})
	f.clock.Advance(gesture.DefaultHoldDuration)
	f.page(t, relay.EventTouchEnd, touchPayload{})

	assert.Equal(t, 1, f.sink.commands(CommandPageReload))
	assert.Equal(t, 0, f.sink.commands(CommandAdminOpen))
}

func TestEngine_HoldDurationFollowsSettings(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)

	s := testSettings()
	s.HoldDuration = time.Second
	require.NoError(t, f.settings.Update(s))
	f.flush(t)
	assert.Equal(t, time.Second, f.engine.Settings().HoldDuration)

	vp := gesture.Viewport{Width: 800, Height: 600}
	f.page(t, relay.EventTouchStart, touchPayload{Touches: corners(800, 600), Viewport: vp})
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.sink.commands(CommandPageReload))
}

func TestEngine_DisablingAudioStopsPlayback(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)

	f.ingest(t, 40, 1000)
	require.Eventually(t, f.player.IsPlaying, time.Second, time.Millisecond)

	s := testSettings()
	s.AudioEnabled = false
	require.NoError(t, f.settings.Update(s))
	f.flush(t)
	assert.False(t, f.player.IsPlaying())
}

func TestEngine_PageFullscreenAndLaunch(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)

	f.page(t, relay.EventLaunch, launchPayload{Query: "kiosk=1"})
	require.Eventually(t, func() bool {
		return f.engine.Status().Kiosk.State == kiosk.StateActive
	}, time.Second, time.Millisecond)
	assert.True(t, f.lock.Held())

	f.page(t, relay.EventFullscreen, fullscreenPayload{Fullscreen: false})
	assert.Equal(t, kiosk.StateStarting, f.kiosk.State())

	f.clock.Advance(kiosk.DefaultRecoveryDelay)
	assert.Equal(t, kiosk.StateActive, f.kiosk.State())
	assert.Equal(t, 2, f.display.Requests())
}

func TestEngine_StartAndExitKiosk(t *testing.T) {
	f := newFixture(t, testSettings())
	f.start(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.StartKiosk(ctx))
	assert.Equal(t, kiosk.StateActive, f.engine.Status().Kiosk.State)

	require.NoError(t, f.engine.ExitKiosk(ctx))
	assert.Equal(t, kiosk.StateInactive, f.engine.Status().Kiosk.State)
	assert.False(t, f.lock.Held())
}

func TestEngine_StatusIndicator(t *testing.T) {
	s := testSettings()
	s.IndicatorEnabled = false
	f := newFixture(t, s)
	assert.Nil(t, f.engine.Status().Indicator)

	f = newFixture(t, testSettings())
	st := f.engine.Status()
	require.NotNil(t, st.Indicator)
	assert.Equal(t, proximity.TierNone, st.Indicator.Tier)
}

func TestEngine_ShutdownClosesRecorder(t *testing.T) {
	f := newFixture(t, testSettings())
	require.NoError(t, f.engine.Shutdown())
	assert.True(t, f.recorder.closed)
}
