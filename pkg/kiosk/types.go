// Package kiosk keeps the kiosk page fullscreen with the screen awake.
//
// The Controller is a small state machine (Inactive, Starting, Active) over
// two browser capabilities, a Display that can enter and leave fullscreen and
// a WakeLock that keeps the screen on. When the kiosk was launched with
// kiosk=1 it re-enters fullscreen after an external exit.
package kiosk

import (
	"context"
	"errors"
	"fmt"
)

// State is the kiosk lifecycle state.
type State int

const (
	StateInactive State = iota
	StateStarting
	StateActive
)

var stateNames = [...]string{"inactive", "starting", "active"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionState is a snapshot of the controller.
type SessionState struct {
	State              State `json:"state"`
	IsFullscreen       bool  `json:"is_fullscreen"`
	WakeLockHeld       bool  `json:"wake_lock_held"`
	AutoKioskRequested bool  `json:"auto_kiosk_requested"`
	NeedsKioskStart    bool  `json:"needs_kiosk_start"`
}

// Sentinel errors.
var (
	// ErrFullscreenFailed is returned when the display refuses fullscreen.
	// Browsers require a user gesture, so the caller can retry from a tap.
	ErrFullscreenFailed = errors.New("kiosk: fullscreen request failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kiosk: controller closed")
)

// Display controls fullscreen presentation.
type Display interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
}

// WakeLock keeps the screen from sleeping.
type WakeLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}
