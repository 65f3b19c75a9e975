package kiosk

import (
	"context"
	"errors"
	"testing"

	"github.com/teslashibe/go-chipins/pkg/relay"
)

type recordingRequester struct {
	types []string
	err   error
}

func (r *recordingRequester) Request(ctx context.Context, cmd relay.Command) (relay.Event, error) {
	r.types = append(r.types, cmd.Type)
	return relay.Event{Type: relay.EventAck, ID: cmd.ID, OK: r.err == nil}, r.err
}

func TestRelayImplementations(t *testing.T) {
	req := &recordingRequester{}
	ctrl := NewController(NewRelayDisplay(req), NewRelayWakeLock(req))
	defer ctrl.Close()

	ctx := context.Background()
	if err := ctrl.StartKioskNow(ctx); err != nil {
		t.Fatalf("StartKioskNow() error = %v", err)
	}
	if err := ctrl.ExitKioskNow(ctx); err != nil {
		t.Fatalf("ExitKioskNow() error = %v", err)
	}

	want := []string{cmdFullscreenRequest, cmdWakeLockAcquire, cmdWakeLockRelease, cmdFullscreenExit}
	if len(req.types) != len(want) {
		t.Fatalf("commands = %v, want %v", req.types, want)
	}
	for i := range want {
		if req.types[i] != want[i] {
			t.Errorf("command[%d] = %s, want %s", i, req.types[i], want[i])
		}
	}
}

func TestRelayDisplayNoPage(t *testing.T) {
	req := &recordingRequester{err: relay.ErrNoClient}
	ctrl := NewController(NewRelayDisplay(req), NewRelayWakeLock(req))
	defer ctrl.Close()

	err := ctrl.StartKioskNow(context.Background())
	if !errors.Is(err, relay.ErrNoClient) || !errors.Is(err, ErrFullscreenFailed) {
		t.Errorf("StartKioskNow() error = %v, want ErrFullscreenFailed wrapping ErrNoClient", err)
	}
}
