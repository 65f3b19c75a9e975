package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-chipins/pkg/ambient"
)

// yamlSettings is the on-disk layout. Durations are whole milliseconds and
// pointer fields distinguish "unset" from false/zero.
type yamlSettings struct {
	Proximity struct {
		AmbientThreshold *float64 `yaml:"ambient_threshold,omitempty"`
		WalkupThreshold  *float64 `yaml:"walkup_threshold,omitempty"`
		HysteresisMargin *float64 `yaml:"hysteresis_margin,omitempty"`
		StareAfterMs     int64    `yaml:"stare_after_ms,omitempty"`
		CooldownMs       int64    `yaml:"cooldown_ms,omitempty"`
		EngagedMinimumMs int64    `yaml:"engaged_minimum_ms,omitempty"`
	} `yaml:"proximity"`

	Audio struct {
		Enabled        *bool    `yaml:"enabled,omitempty"`
		Volume         *float64 `yaml:"volume,omitempty"`
		FadeIn         *bool    `yaml:"fade_in,omitempty"`
		FadeOut        *bool    `yaml:"fade_out,omitempty"`
		FadeStep       *float64 `yaml:"fade_step,omitempty"`
		FadeIntervalMs int64    `yaml:"fade_interval_ms,omitempty"`
	} `yaml:"audio"`

	Playlist []ambient.Track `yaml:"playlist,omitempty"`

	Indicator struct {
		Enabled *bool `yaml:"enabled,omitempty"`
	} `yaml:"indicator"`

	Kiosk struct {
		Auto            *bool `yaml:"auto,omitempty"`
		RecoveryDelayMs int64 `yaml:"recovery_delay_ms,omitempty"`
		HoldDurationMs  int64 `yaml:"hold_duration_ms,omitempty"`
	} `yaml:"kiosk"`
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Settings, error) {
	s := Default()
	var file yamlSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return s, fmt.Errorf("parse settings yaml: %w", err)
	}
	applyYamlSettings(&s, file)
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Load reads settings from path. A missing file yields the defaults.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("read settings file: %w", err)
	}
	return Parse(data)
}

// Save writes settings to path, replacing it atomically.
func Save(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	serialized, err := yaml.Marshal(toYaml(s))
	if err != nil {
		return fmt.Errorf("marshal settings yaml: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

func toYaml(s Settings) yamlSettings {
	var f yamlSettings
	f.Proximity.AmbientThreshold = &s.Proximity.AmbientThreshold
	f.Proximity.WalkupThreshold = &s.Proximity.WalkupThreshold
	f.Proximity.HysteresisMargin = &s.Proximity.HysteresisMargin
	f.Proximity.StareAfterMs = s.Proximity.StareAfter.Milliseconds()
	f.Proximity.CooldownMs = s.Proximity.Cooldown.Milliseconds()
	f.Proximity.EngagedMinimumMs = s.Proximity.EngagedMinimum.Milliseconds()

	f.Audio.Enabled = &s.AudioEnabled
	f.Audio.Volume = &s.Audio.Volume
	f.Audio.FadeIn = &s.Audio.FadeIn
	f.Audio.FadeOut = &s.Audio.FadeOut
	f.Audio.FadeStep = &s.Audio.FadeStep
	f.Audio.FadeIntervalMs = s.Audio.FadeInterval.Milliseconds()

	f.Playlist = s.Playlist
	f.Indicator.Enabled = &s.IndicatorEnabled

	f.Kiosk.Auto = &s.AutoKiosk
	f.Kiosk.RecoveryDelayMs = s.RecoveryDelay.Milliseconds()
	f.Kiosk.HoldDurationMs = s.HoldDuration.Milliseconds()
	return f
}

func applyYamlSettings(s *Settings, f yamlSettings) {
	if v := f.Proximity.AmbientThreshold; v != nil {
		s.Proximity.AmbientThreshold = *v
	}
	if v := f.Proximity.WalkupThreshold; v != nil {
		s.Proximity.WalkupThreshold = *v
	}
	if v := f.Proximity.HysteresisMargin; v != nil {
		s.Proximity.HysteresisMargin = *v
	}
	if f.Proximity.StareAfterMs > 0 {
		s.Proximity.StareAfter = time.Duration(f.Proximity.StareAfterMs) * time.Millisecond
	}
	if f.Proximity.CooldownMs > 0 {
		s.Proximity.Cooldown = time.Duration(f.Proximity.CooldownMs) * time.Millisecond
	}
	if f.Proximity.EngagedMinimumMs > 0 {
		s.Proximity.EngagedMinimum = time.Duration(f.Proximity.EngagedMinimumMs) * time.Millisecond
	}

	if v := f.Audio.Enabled; v != nil {
		s.AudioEnabled = *v
	}
	if v := f.Audio.Volume; v != nil {
		s.Audio.Volume = *v
	}
	if v := f.Audio.FadeIn; v != nil {
		s.Audio.FadeIn = *v
	}
	if v := f.Audio.FadeOut; v != nil {
		s.Audio.FadeOut = *v
	}
	if v := f.Audio.FadeStep; v != nil {
		s.Audio.FadeStep = *v
	}
	if f.Audio.FadeIntervalMs > 0 {
		s.Audio.FadeInterval = time.Duration(f.Audio.FadeIntervalMs) * time.Millisecond
	}

	if len(f.Playlist) > 0 {
		s.Playlist = f.Playlist
	}
	if v := f.Indicator.Enabled; v != nil {
		s.IndicatorEnabled = *v
	}

	if v := f.Kiosk.Auto; v != nil {
		s.AutoKiosk = *v
	}
	if f.Kiosk.RecoveryDelayMs > 0 {
		s.RecoveryDelay = time.Duration(f.Kiosk.RecoveryDelayMs) * time.Millisecond
	}
	if f.Kiosk.HoldDurationMs > 0 {
		s.HoldDuration = time.Duration(f.Kiosk.HoldDurationMs) * time.Millisecond
	}
}
