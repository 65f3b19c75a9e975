// Package proximity turns a stream of detector proximity levels into
// debounced tier changes and engagement sessions.
package proximity

import (
	"fmt"
	"strings"
	"time"
)

// Reading is one sample from the proximity detector.
type Reading struct {
	Level       float64 `json:"level"`        // 0-100, clamped on ingest
	TimestampMs int64   `json:"timestamp_ms"` // Unix milliseconds, non-decreasing
}

// Time returns the reading timestamp as a time.Time.
func (r Reading) Time() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// Tier is a discrete proximity classification ordered by intensity.
type Tier int

const (
	TierNone Tier = iota
	TierAmbient
	TierWalkup
	TierStare
)

var tierNames = [...]string{"none", "ambient", "walkup", "stare"}

// String implements fmt.Stringer.
func (t Tier) String() string {
	if t < TierNone || t > TierStare {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier parses a tier name (case-insensitive).
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return TierNone, fmt.Errorf("unknown tier %q", s)
}

// TierChangeEvent is emitted when the machine moves between tiers.
type TierChangeEvent struct {
	From        Tier    `json:"from"`
	To          Tier    `json:"to"`
	Level       float64 `json:"level"`
	TimestampMs int64   `json:"timestamp_ms"`
	SessionID   string  `json:"session_id,omitempty"`
}

// Rising reports whether the change increased the tier.
func (e TierChangeEvent) Rising() bool {
	return e.To > e.From
}

// Outcome classifies a finished engagement session.
type Outcome string

const (
	OutcomeEngaged   Outcome = "engaged"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeConverted Outcome = "converted"
)

// Session is a snapshot of one visitor engagement, from the first reading
// above None until the tier has stayed at None for the cooldown window.
type Session struct {
	ID                string     `json:"id"`
	Outcome           Outcome    `json:"outcome,omitempty"` // empty while open
	StartedAt         time.Time  `json:"started_at"`
	StareStartedAt    *time.Time `json:"stare_started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	EngagedDurationMs int64      `json:"engaged_duration_ms"`
	PeakTier          Tier       `json:"peak_tier"`
	PeakLevel         float64    `json:"peak_level"`
	Readings          int        `json:"readings"`
}

// Open reports whether the session has not been finalized.
func (s Session) Open() bool {
	return s.Outcome == ""
}
