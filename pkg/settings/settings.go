// Package settings holds the operator-tunable kiosk settings and the
// providers that load and push them.
package settings

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-chipins/pkg/ambient"
	"github.com/teslashibe/go-chipins/pkg/gesture"
	"github.com/teslashibe/go-chipins/pkg/kiosk"
	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// Settings is the full set of tunables.
type Settings struct {
	Proximity proximity.Config `json:"proximity"`
	Audio     ambient.Config   `json:"audio"`
	Playlist  []ambient.Track  `json:"playlist"`

	// AudioEnabled turns the ambient player on.
	AudioEnabled bool `json:"audio_enabled"`

	// IndicatorEnabled shows the motion indicator overlay.
	IndicatorEnabled bool `json:"indicator_enabled"`

	HoldDuration  time.Duration `json:"hold_duration"`
	AutoKiosk     bool          `json:"auto_kiosk"`
	RecoveryDelay time.Duration `json:"recovery_delay"`
}

// Default returns the factory settings.
func Default() Settings {
	return Settings{
		Proximity:        proximity.DefaultConfig(),
		Audio:            ambient.DefaultConfig(),
		AudioEnabled:     true,
		IndicatorEnabled: true,
		HoldDuration:     gesture.DefaultHoldDuration,
		RecoveryDelay:    kiosk.DefaultRecoveryDelay,
	}
}

// Validate checks every section.
func (s Settings) Validate() error {
	if err := s.Proximity.Validate(); err != nil {
		return fmt.Errorf("proximity: %w", err)
	}
	if err := s.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	for i, t := range s.Playlist {
		if t.URL == "" {
			return fmt.Errorf("playlist[%d]: url is required", i)
		}
	}
	if s.HoldDuration <= 0 {
		return fmt.Errorf("hold_duration must be positive, got %v", s.HoldDuration)
	}
	if s.RecoveryDelay < 0 {
		return fmt.Errorf("recovery_delay must not be negative, got %v", s.RecoveryDelay)
	}
	return nil
}

// Provider supplies the current settings and pushes updates.
type Provider interface {
	Current() Settings
	Subscribe(fn func(Settings)) (unsubscribe func())
}

// Store is a Provider that accepts edits from the admin API.
type Store interface {
	Provider
	Update(s Settings) error
}
