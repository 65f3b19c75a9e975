package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-chipins/internal/log"
)

type frame struct {
	typ  int
	data []byte
}

// fakeConn feeds ReadMessage from a channel and records writes.
type fakeConn struct {
	in     chan frame
	mu     sync.Mutex
	out    []frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 8), closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.typ, fr.data, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(typ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, frame{typ, data})
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.out...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastAndInbound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := New("test", log.Discard())
	var (
		mu      sync.Mutex
		inbound []string
		counts  []int
	)
	h.OnMessage(func(_ *Client, data []byte) {
		mu.Lock()
		inbound = append(inbound, string(data))
		mu.Unlock()
	})
	h.OnClientCount(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})
	go h.Run(ctx)

	conn := newFakeConn()
	client := NewClient(h, conn)
	done := make(chan struct{})
	go func() {
		client.Run()
		close(done)
	}()
	waitFor(t, "registration", func() bool { return h.ClientCount() == 1 })

	if err := h.BroadcastJSON(map[string]string{"type": "status"}); err != nil {
		t.Fatalf("BroadcastJSON() error = %v", err)
	}
	h.BroadcastBinary([]byte{1, 2})
	waitFor(t, "broadcast", func() bool { return len(conn.written()) >= 2 })

	out := conn.written()
	if out[0].typ != websocket.TextMessage || string(out[0].data) != `{"type":"status"}` {
		t.Errorf("first frame = %d %q", out[0].typ, out[0].data)
	}
	if out[1].typ != websocket.BinaryMessage {
		t.Errorf("second frame type = %d, want binary", out[1].typ)
	}

	conn.in <- frame{websocket.TextMessage, []byte(`{"type":"ack"}`)}
	conn.in <- frame{websocket.BinaryMessage, []byte{9}}
	waitFor(t, "inbound", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbound) == 1
	})

	conn.Close()
	<-done
	waitFor(t, "unregister", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) > 0 && counts[len(counts)-1] == 0
	})

	mu.Lock()
	defer mu.Unlock()
	if inbound[0] != `{"type":"ack"}` {
		t.Errorf("inbound = %q", inbound[0])
	}
	if len(counts) < 2 || counts[0] != 1 || counts[len(counts)-1] != 0 {
		t.Errorf("client counts = %v, want 1 then 0", counts)
	}
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test", log.Discard())

	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	waitFor(t, "running", h.IsRunning)

	conn := newFakeConn()
	client := NewClient(h, conn)
	go client.Run()
	waitFor(t, "registration", func() bool { return h.ClientCount() == 1 })
	if !client.Send(NewJSONMessage([]byte("{}"))) {
		t.Error("Send() failed on a registered client")
	}

	cancel()
	<-stopped
	if h.IsRunning() {
		t.Error("IsRunning() = true after cancel")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after cancel", h.ClientCount())
	}
	if client.Send(NewJSONMessage([]byte("{}"))) {
		t.Error("Send() succeeded on a closed client")
	}
	conn.Close()
}
