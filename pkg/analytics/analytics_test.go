package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/internal/log"
	"github.com/teslashibe/go-chipins/pkg/proximity"
)

var base = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func testSession(id string, outcome proximity.Outcome, startOffset, durMs int64, stare bool) proximity.Session {
	start := base.Add(time.Duration(startOffset) * time.Millisecond)
	end := start.Add(time.Duration(durMs+2000) * time.Millisecond)
	s := proximity.Session{
		ID:                id,
		Outcome:           outcome,
		StartedAt:         start,
		EndedAt:           &end,
		EngagedDurationMs: durMs,
		PeakTier:          proximity.TierWalkup,
		PeakLevel:         41.5,
		Readings:          12,
	}
	if stare {
		st := start.Add(3 * time.Second)
		s.StareStartedAt = &st
		s.PeakTier = proximity.TierStare
	}
	return s
}

func fixtures() []proximity.Session {
	return []proximity.Session{
		testSession("a", proximity.OutcomeAbandoned, 0, 1200, false),
		testSession("b", proximity.OutcomeEngaged, 60_000, 8000, true),
		testSession("c", proximity.OutcomeConverted, 120_000, 20_000, true),
	}
}

func reversed(in []proximity.Session) []proximity.Session {
	out := make([]proximity.Session, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func TestSQLiteRecorder(t *testing.T) {
	ctx := context.Background()
	rec, err := OpenSQLite(":memory:", "lobby", log.Discard())
	require.NoError(t, err)
	defer rec.Close()

	v, err := rec.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)

	for _, s := range fixtures() {
		require.NoError(t, rec.Record(ctx, s))
	}

	got, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	if diff := cmp.Diff(reversed(fixtures()), got); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}

	got, err = rec.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	// Re-recording replaces.
	require.NoError(t, rec.Record(ctx, fixtures()[0]))
	got, err = rec.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSQLiteSummary(t *testing.T) {
	ctx := context.Background()
	rec, err := OpenSQLite(":memory:", "", log.Discard())
	require.NoError(t, err)
	defer rec.Close()

	for _, s := range fixtures() {
		require.NoError(t, rec.Record(ctx, s))
	}

	sum, err := rec.Summary(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Engaged)
	assert.Equal(t, 1, sum.Abandoned)
	assert.Equal(t, 1, sum.Converted)
	assert.Equal(t, 2, sum.StareCount)
	assert.Equal(t, int64((1200+8000+20_000)/3), sum.AvgEngagedMs)

	// The SQL aggregate agrees with the in-memory one.
	assert.Equal(t, Summarize(fixtures(), base), sum)

	later, err := rec.Summary(ctx, base.Add(100*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, later.Total)
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "engagement.db")

	rec, err := OpenSQLite(path, "", log.Discard())
	require.NoError(t, err)
	require.NoError(t, rec.Record(ctx, fixtures()[1]))
	require.NoError(t, rec.Close())

	rec, err = OpenSQLite(path, "", log.Discard())
	require.NoError(t, err)
	defer rec.Close()

	got, err := rec.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestRedisRecorder(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	rec := NewRedisRecorder(client, RedisConfig{KioskID: "lobby", MaxSessions: 2})
	defer rec.Close()

	sub := client.Subscribe(ctx, rec.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	for _, s := range fixtures() {
		require.NoError(t, rec.Record(ctx, s))
	}

	got, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	if diff := cmp.Diff(reversed(fixtures())[:2], got); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}

	n, err := client.LLen(ctx, "chipins:lobby:sessions").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "list not trimmed")

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var row Record
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &row))
	assert.Equal(t, "a", row.ID)
	assert.Equal(t, "lobby", row.KioskID)
}

func TestRedisRecorderFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	rec := NewRedisRecorder(client, RedisConfig{})
	defer rec.Close()

	mr.Close()
	err := rec.Record(context.Background(), fixtures()[0])
	assert.True(t, errs.IsKind(err, errs.PersistenceFailure), "error = %v", err)
}

func TestRESTRecorder(t *testing.T) {
	var (
		mu   sync.Mutex
		rows []Record
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/kiosk_sessions", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var row Record
		if err := json.Unmarshal(body, &row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		rows = append(rows, row)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rec := NewRESTRecorder(RESTConfig{BaseURL: srv.URL + "/", APIKey: "secret", KioskID: "lobby"}, srv.Client())
	require.NoError(t, rec.Record(context.Background(), fixtures()[2]))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].ID)
	assert.Equal(t, "converted", rows[0].Outcome)
	assert.Equal(t, "stare", rows[0].PeakTier)
	assert.Equal(t, "lobby", rows[0].KioskID)
}

func TestRESTRecorderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := NewRESTRecorder(RESTConfig{BaseURL: srv.URL}, srv.Client())
	err := rec.Record(context.Background(), fixtures()[0])
	assert.True(t, errs.IsKind(err, errs.PersistenceFailure))
}

func TestJSONRecorder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")

	rec, err := NewJSONRecorder(path, 2)
	require.NoError(t, err)
	for _, s := range fixtures() {
		require.NoError(t, rec.Record(ctx, s))
	}
	assert.Equal(t, 2, rec.Count())

	reopened, err := NewJSONRecorder(path, 2)
	require.NoError(t, err)
	got, err := reopened.Recent(ctx, 5)
	require.NoError(t, err)
	if diff := cmp.Diff(reversed(fixtures())[:2], got); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}

	none, err := reopened.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// fakeRecorder records sessions in memory and can be told to fail.
type fakeRecorder struct {
	mu     sync.Mutex
	got    []string
	err    error
	block  chan struct{}
	closed bool
}

func (f *fakeRecorder) Record(ctx context.Context, s proximity.Session) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, s.ID)
	return nil
}

func (f *fakeRecorder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestAsyncRecorderDrainsOnClose(t *testing.T) {
	next := &fakeRecorder{}
	a := NewAsyncRecorder(next, 8, log.Discard())

	for _, s := range fixtures() {
		require.NoError(t, a.Record(context.Background(), s))
	}
	require.NoError(t, a.Close())

	assert.Equal(t, []string{"a", "b", "c"}, next.got)
	assert.True(t, next.closed)

	written, failed, dropped := a.Stats()
	assert.Equal(t, int64(3), written)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)

	assert.ErrorIs(t, a.Record(context.Background(), fixtures()[0]), ErrRecorderClosed)
}

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	next := &fakeRecorder{block: make(chan struct{})}
	a := NewAsyncRecorder(next, 1, log.Discard())

	// The worker takes one and blocks; the queue holds one more.
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(context.Background(), fixtures()[0]))
	}
	close(next.block)
	require.NoError(t, a.Close())

	written, _, dropped := a.Stats()
	assert.Equal(t, int64(5), written+dropped)
	assert.GreaterOrEqual(t, dropped, int64(3))
}

func TestAsyncRecorderLogsFailures(t *testing.T) {
	next := &fakeRecorder{err: errors.New("disk full")}
	a := NewAsyncRecorder(next, 4, log.Discard())

	require.NoError(t, a.Record(context.Background(), fixtures()[0]))
	require.NoError(t, a.Close())

	_, failed, _ := a.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestMultiRecorder(t *testing.T) {
	ok := &fakeRecorder{}
	bad := &fakeRecorder{err: errors.New("offline")}
	m := MultiRecorder{bad, ok}

	err := m.Record(context.Background(), fixtures()[0])
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, ok.got, "healthy backend skipped")

	require.NoError(t, m.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}
