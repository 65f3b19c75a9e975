package proximity

import (
	"fmt"
	"time"
)

// Config holds the tunable thresholds for tier classification.
type Config struct {
	// Level thresholds (0-100). A tier is entered when the level exceeds
	// its threshold and left when it drops below threshold - HysteresisMargin.
	AmbientThreshold float64 `yaml:"ambient_threshold" json:"ambient_threshold"`
	WalkupThreshold  float64 `yaml:"walkup_threshold" json:"walkup_threshold"`
	HysteresisMargin float64 `yaml:"hysteresis_margin" json:"hysteresis_margin"`

	// StareAfter is how long Walkup must be held continuously to become Stare.
	StareAfter time.Duration `yaml:"stare_after" json:"stare_after"`

	// Cooldown is how long the tier must stay None before a session closes.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// EngagedMinimum is the engaged time at or above which a closed session
	// counts as Engaged rather than Abandoned.
	EngagedMinimum time.Duration `yaml:"engaged_minimum" json:"engaged_minimum"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		AmbientThreshold: 25,
		WalkupThreshold:  30,
		HysteresisMargin: 5,
		StareAfter:       3 * time.Second,
		Cooldown:         2 * time.Second,
		EngagedMinimum:   5 * time.Second,
	}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	if c.AmbientThreshold < 0 || c.AmbientThreshold > 100 {
		return fmt.Errorf("ambient_threshold must be within [0,100], got %v", c.AmbientThreshold)
	}
	if c.WalkupThreshold < 0 || c.WalkupThreshold > 100 {
		return fmt.Errorf("walkup_threshold must be within [0,100], got %v", c.WalkupThreshold)
	}
	if c.WalkupThreshold < c.AmbientThreshold {
		return fmt.Errorf("walkup_threshold (%v) must not be below ambient_threshold (%v)",
			c.WalkupThreshold, c.AmbientThreshold)
	}
	if c.HysteresisMargin < 0 {
		return fmt.Errorf("hysteresis_margin must not be negative, got %v", c.HysteresisMargin)
	}
	if c.AmbientThreshold > 0 && c.HysteresisMargin >= c.AmbientThreshold {
		return fmt.Errorf("hysteresis_margin (%v) must be below ambient_threshold (%v)",
			c.HysteresisMargin, c.AmbientThreshold)
	}
	if c.StareAfter <= 0 {
		return fmt.Errorf("stare_after must be positive, got %v", c.StareAfter)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %v", c.Cooldown)
	}
	if c.EngagedMinimum < 0 {
		return fmt.Errorf("engaged_minimum must not be negative, got %v", c.EngagedMinimum)
	}
	return nil
}

func (c Config) ambientExit() float64 { return c.AmbientThreshold - c.HysteresisMargin }
func (c Config) walkupExit() float64  { return c.WalkupThreshold - c.HysteresisMargin }
