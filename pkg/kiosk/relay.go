package kiosk

import (
	"context"

	"github.com/teslashibe/go-chipins/pkg/relay"
)

// Relay command types understood by the kiosk page.
const (
	cmdFullscreenRequest = "fullscreen.request"
	cmdFullscreenExit    = "fullscreen.exit"
	cmdWakeLockAcquire   = "wakelock.acquire"
	cmdWakeLockRelease   = "wakelock.release"
)

// Requester is the part of relay.Bridge used by the relay implementations.
type Requester interface {
	Request(ctx context.Context, cmd relay.Command) (relay.Event, error)
}

// RelayDisplay drives the page's Fullscreen API.
type RelayDisplay struct {
	bridge Requester
}

// NewRelayDisplay creates a Display backed by the page.
func NewRelayDisplay(bridge Requester) *RelayDisplay {
	return &RelayDisplay{bridge: bridge}
}

func (d *RelayDisplay) RequestFullscreen(ctx context.Context) error {
	_, err := d.bridge.Request(ctx, relay.Command{Type: cmdFullscreenRequest})
	return err
}

func (d *RelayDisplay) ExitFullscreen(ctx context.Context) error {
	_, err := d.bridge.Request(ctx, relay.Command{Type: cmdFullscreenExit})
	return err
}

// RelayWakeLock drives the page's Screen Wake Lock API.
type RelayWakeLock struct {
	bridge Requester
}

// NewRelayWakeLock creates a WakeLock backed by the page.
func NewRelayWakeLock(bridge Requester) *RelayWakeLock {
	return &RelayWakeLock{bridge: bridge}
}

func (w *RelayWakeLock) Acquire(ctx context.Context) error {
	_, err := w.bridge.Request(ctx, relay.Command{Type: cmdWakeLockAcquire})
	return err
}

func (w *RelayWakeLock) Release(ctx context.Context) error {
	_, err := w.bridge.Request(ctx, relay.Command{Type: cmdWakeLockRelease})
	return err
}
