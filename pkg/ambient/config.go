package ambient

import (
	"fmt"
	"time"
)

// Config holds playback and fade parameters.
type Config struct {
	// Volume is the target playback volume in [0,1].
	Volume float64 `yaml:"volume" json:"volume"`

	// FadeIn ramps from 0 to Volume when playback starts.
	FadeIn bool `yaml:"fade_in" json:"fade_in"`

	// FadeOut ramps to 0 before releasing on Stop.
	FadeOut bool `yaml:"fade_out" json:"fade_out"`

	// FadeStep is the volume change per ramp tick.
	FadeStep float64 `yaml:"fade_step" json:"fade_step"`

	// FadeInterval is the time between ramp ticks.
	FadeInterval time.Duration `yaml:"fade_interval" json:"fade_interval"`
}

// DefaultConfig returns the kiosk defaults: 0.05 every 100ms.
func DefaultConfig() Config {
	return Config{
		Volume:       0.3,
		FadeIn:       true,
		FadeOut:      true,
		FadeStep:     0.05,
		FadeInterval: 100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Volume < 0 || c.Volume > 1 {
		return fmt.Errorf("volume must be within [0,1], got %v", c.Volume)
	}
	if c.FadeStep <= 0 || c.FadeStep > 1 {
		return fmt.Errorf("fade_step must be within (0,1], got %v", c.FadeStep)
	}
	if c.FadeInterval <= 0 {
		return fmt.Errorf("fade_interval must be positive, got %v", c.FadeInterval)
	}
	return nil
}
