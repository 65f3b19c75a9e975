package detector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// ReplaySource emits a fixed list of readings, optionally paced by their
// timestamps.
type ReplaySource struct {
	readings []proximity.Reading
	speed    float64
}

// NewReplaySource creates a source for readings. speed scales the gaps
// between timestamps (1 is real time); 0 emits as fast as possible.
func NewReplaySource(readings []proximity.Reading, speed float64) *ReplaySource {
	return &ReplaySource{readings: readings, speed: speed}
}

// Run emits every reading and returns nil at the end of the list.
func (s *ReplaySource) Run(ctx context.Context, emit func(proximity.Reading)) error {
	for i, r := range s.readings {
		if i > 0 && s.speed > 0 {
			gap := time.Duration(float64(r.TimestampMs-s.readings[i-1].TimestampMs)/s.speed) * time.Millisecond
			if gap > 0 {
				t := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		emit(r)
	}
	return nil
}

// ParseCSV reads "timestamp_ms,level" rows. A header row and blank lines
// are skipped.
func ParseCSV(r io.Reader) ([]proximity.Reading, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []proximity.Reading
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want timestamp_ms,level", line)
		}

		ts, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: timestamp: %w", line, err)
		}
		level, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: level: %w", line, err)
		}
		out = append(out, proximity.Reading{Level: level, TimestampMs: ts})
	}
}
