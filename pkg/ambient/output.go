// Package ambient plays proximity-triggered background music with fades.
//
// The Player owns at most one playing track. Actual audio rendering is
// delegated to an Output: the kiosk page's <audio> element (RelayOutput),
// a local mpv process (MPVOutput), or MockOutput in tests.
package ambient

import (
	"context"
	"errors"
)

// Track is one playlist entry.
type Track struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// Sentinel errors.
var (
	// ErrEmptyPlaylist is returned when Play is called without tracks.
	ErrEmptyPlaylist = errors.New("ambient: empty playlist")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ambient: player closed")

	// ErrReleased is returned by an Instance used after Release.
	ErrReleased = errors.New("ambient: instance released")
)

// Output creates playable instances for tracks.
type Output interface {
	// Load prepares a track for playback without starting it.
	Load(ctx context.Context, track Track) (Instance, error)

	// Name returns the backend name (e.g., "relay", "mpv", "mock").
	Name() string
}

// Instance is a single loaded track. It is owned exclusively by the Player.
type Instance interface {
	// Start begins playback. Autoplay policies may reject it.
	Start(ctx context.Context) error

	// SetVolume sets the playback volume in [0,1].
	SetVolume(v float64) error

	// Release stops playback and frees the underlying resource.
	// It is safe to call Release multiple times.
	Release() error
}
