// Package analytics persists finished engagement sessions.
//
// Recording is fire-and-forget from the engine's point of view: the engine
// hands sessions to an AsyncRecorder, which writes them to one or more
// backends on a worker goroutine and only logs failures.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-chipins/internal/errs"
	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// ErrRecorderClosed is returned after Close.
var ErrRecorderClosed = errors.New("analytics: recorder closed")

// Recorder stores closed sessions.
type Recorder interface {
	Record(ctx context.Context, s proximity.Session) error
	Close() error
}

// Reader lists stored sessions, newest first.
type Reader interface {
	Recent(ctx context.Context, n int) ([]proximity.Session, error)
}

// Summary counts sessions by outcome.
type Summary struct {
	Since        time.Time `json:"since"`
	Total        int       `json:"total"`
	Engaged      int       `json:"engaged"`
	Abandoned    int       `json:"abandoned"`
	Converted    int       `json:"converted"`
	AvgEngagedMs int64     `json:"avg_engaged_ms"`
	StareCount   int       `json:"stare_count"`
}

// Summarize computes a Summary over sessions that ended at or after since.
func Summarize(sessions []proximity.Session, since time.Time) Summary {
	sum := Summary{Since: since}
	var total int64
	for _, s := range sessions {
		if s.EndedAt != nil && s.EndedAt.Before(since) {
			continue
		}
		sum.Total++
		total += s.EngagedDurationMs
		switch s.Outcome {
		case proximity.OutcomeEngaged:
			sum.Engaged++
		case proximity.OutcomeAbandoned:
			sum.Abandoned++
		case proximity.OutcomeConverted:
			sum.Converted++
		}
		if s.StareStartedAt != nil {
			sum.StareCount++
		}
	}
	if sum.Total > 0 {
		sum.AvgEngagedMs = total / int64(sum.Total)
	}
	return sum
}

// persistErr wraps a backend failure.
func persistErr(op string, err error) error {
	return errs.New(errs.PersistenceFailure, op, err)
}

// Record is the row layout shared by the SQL and REST backends.
type Record struct {
	ID                string     `json:"id"`
	KioskID           string     `json:"kiosk_id,omitempty"`
	Outcome           string     `json:"outcome"`
	StartedAt         time.Time  `json:"started_at"`
	StareStartedAt    *time.Time `json:"stare_started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	EngagedDurationMs int64      `json:"engaged_duration_ms"`
	PeakTier          string     `json:"peak_tier"`
	PeakLevel         float64    `json:"peak_level"`
	Readings          int        `json:"readings"`
}

// NewRecord flattens a session.
func NewRecord(kioskID string, s proximity.Session) Record {
	return Record{
		ID:                s.ID,
		KioskID:           kioskID,
		Outcome:           string(s.Outcome),
		StartedAt:         s.StartedAt.UTC(),
		StareStartedAt:    utcPtr(s.StareStartedAt),
		EndedAt:           utcPtr(s.EndedAt),
		EngagedDurationMs: s.EngagedDurationMs,
		PeakTier:          s.PeakTier.String(),
		PeakLevel:         s.PeakLevel,
		Readings:          s.Readings,
	}
}

// Session converts the row back.
func (r Record) Session() (proximity.Session, error) {
	tier, err := proximity.ParseTier(r.PeakTier)
	if err != nil {
		return proximity.Session{}, err
	}
	return proximity.Session{
		ID:                r.ID,
		Outcome:           proximity.Outcome(r.Outcome),
		StartedAt:         r.StartedAt,
		StareStartedAt:    r.StareStartedAt,
		EndedAt:           r.EndedAt,
		EngagedDurationMs: r.EngagedDurationMs,
		PeakTier:          tier,
		PeakLevel:         r.PeakLevel,
		Readings:          r.Readings,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
