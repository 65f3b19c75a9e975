package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/internal/log"
)

// fakeTransport records commands and optionally answers them.
type fakeTransport struct {
	mu      sync.Mutex
	clients int
	sent    []Command
	onSend  func(Command)
}

func (f *fakeTransport) BroadcastJSON(v any) error {
	cmd, ok := v.(Command)
	if !ok {
		return errors.New("unexpected payload")
	}
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		go hook(cmd)
	}
	return nil
}

func (f *fakeTransport) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients
}

func (f *fakeTransport) Sent() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.sent...)
}

// ack answers a command the way the page does. It runs on the transport's
// goroutine, so it reports with t.Errorf rather than require.
func ack(t *testing.T, b *Bridge, id string, ok bool, msg string) {
	data, _ := json.Marshal(Event{Type: EventAck, ID: id, OK: ok, Error: msg})
	if err := b.Handle(data); err != nil {
		t.Errorf("Handle(ack) error = %v", err)
	}
}

func TestRequestAck(t *testing.T) {
	tr := &fakeTransport{clients: 1}
	b := New(tr, WithLogger(log.Discard()))
	tr.onSend = func(cmd Command) { ack(t, b, cmd.ID, true, "") }

	ev, err := b.Request(context.Background(), Command{Type: "fullscreen.request"})
	require.NoError(t, err)
	assert.Equal(t, EventAck, ev.Type)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].ID)
	assert.Equal(t, sent[0].ID, ev.ID)
}

func TestRequestRejected(t *testing.T) {
	tr := &fakeTransport{clients: 1}
	b := New(tr, WithLogger(log.Discard()))
	tr.onSend = func(cmd Command) { ack(t, b, cmd.ID, false, "NotAllowedError") }

	_, err := b.Request(context.Background(), Command{Type: "audio.play"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "audio.play", remote.Command)
	assert.Equal(t, "NotAllowedError", remote.Message)
}

func TestRequestNoClient(t *testing.T) {
	b := New(&fakeTransport{}, WithLogger(log.Discard()))

	_, err := b.Request(context.Background(), Command{Type: "wakelock.acquire"})
	assert.ErrorIs(t, err, ErrNoClient)
	assert.True(t, errs.IsKind(err, errs.ResourceUnavailable))
}

func TestRequestTimeout(t *testing.T) {
	tr := &fakeTransport{clients: 1}
	b := New(tr, WithTimeout(20*time.Millisecond), WithLogger(log.Discard()))

	_, err := b.Request(context.Background(), Command{Type: "fullscreen.request"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errs.IsKind(err, errs.ResourceUnavailable))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.pending, "pending request leaked")
}

func TestCloseFailsPending(t *testing.T) {
	tr := &fakeTransport{clients: 1}
	b := New(tr, WithTimeout(time.Minute), WithLogger(log.Discard()))
	tr.onSend = func(Command) { b.Close() }

	_, err := b.Request(context.Background(), Command{Type: "audio.load"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(Command{Type: "audio.volume"}), ErrClosed)
}

func TestHandleRoutesEvents(t *testing.T) {
	b := New(&fakeTransport{}, WithLogger(log.Discard()))

	var got []bool
	unsub := b.On(EventFullscreen, func(ev Event) {
		var payload struct {
			Fullscreen bool `json:"fullscreen"`
		}
		require.NoError(t, ev.Decode(&payload))
		got = append(got, payload.Fullscreen)
	})

	require.NoError(t, b.Handle([]byte(`{"type":"fullscreenchange","data":{"fullscreen":true}}`)))
	require.NoError(t, b.Handle([]byte(`{"type":"visibilitychange","data":{"visible":false}}`)))
	unsub()
	require.NoError(t, b.Handle([]byte(`{"type":"fullscreenchange","data":{"fullscreen":false}}`)))

	assert.Equal(t, []bool{true}, got)
}

func TestHandleInvalid(t *testing.T) {
	b := New(&fakeTransport{}, WithLogger(log.Discard()))

	tests := []struct {
		name string
		data string
	}{
		{"not json", `touch`},
		{"missing type", `{"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Handle([]byte(tt.data))
			assert.True(t, errs.IsKind(err, errs.InvalidInput), "error = %v", err)
		})
	}

	// Stray acks are ignored.
	assert.NoError(t, b.Handle([]byte(`{"type":"ack","id":"nope","ok":true}`)))
}
