// Package detector turns camera input into proximity readings.
//
// A Source emits proximity.Reading values (level 0-100) until its context
// is cancelled. Levels come from face detections: the closer a visitor
// stands, the larger their face is in the frame.
package detector

import (
	"context"
	"math"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// Source produces proximity readings.
type Source interface {
	// Run calls emit for every reading until ctx is cancelled or the
	// source fails. emit is called from a single goroutine.
	Run(ctx context.Context, emit func(proximity.Reading)) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, emit func(proximity.Reading)) error

// Run calls f.
func (f SourceFunc) Run(ctx context.Context, emit func(proximity.Reading)) error {
	return f(ctx, emit)
}

// Detection is one detected face.
type Detection struct {
	X          float64 `json:"x"` // Top-left corner (0-1 normalized)
	Y          float64 `json:"y"`
	W          float64 `json:"w"` // Width and height (0-1 normalized)
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
}

// Center returns the center point of the detection
func (d Detection) Center() (x, y float64) {
	return d.X + d.W/2, d.Y + d.H/2
}

// Area returns the area of the bounding box
func (d Detection) Area() float64 {
	return d.W * d.H
}

// Detector finds faces in an encoded image.
type Detector interface {
	Detect(jpeg []byte) ([]Detection, error)
	Close() error
}

// LevelConfig maps detections to a proximity level.
type LevelConfig struct {
	// MinConfidence drops weaker detections.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// FullWidth is the normalized face width that maps to level 100.
	FullWidth float64 `yaml:"full_width" json:"full_width"`
}

// DefaultLevelConfig returns defaults tuned for a wide-angle kiosk camera:
// a face filling a third of the frame width is level 100.
func DefaultLevelConfig() LevelConfig {
	return LevelConfig{
		MinConfidence: 0.5,
		FullWidth:     0.33,
	}
}

// LevelFromDetections returns the proximity level of the nearest face,
// or 0 when there is none.
func LevelFromDetections(dets []Detection, cfg LevelConfig) float64 {
	if cfg.FullWidth <= 0 {
		cfg.FullWidth = DefaultLevelConfig().FullWidth
	}
	best := Nearest(dets, cfg.MinConfidence)
	if best == nil {
		return 0
	}
	return math.Min(100, math.Max(0, best.W/cfg.FullWidth*100))
}

// Nearest picks the widest detection at or above minConfidence.
func Nearest(dets []Detection, minConfidence float64) *Detection {
	var best *Detection
	for i := range dets {
		if dets[i].Confidence < minConfidence {
			continue
		}
		if best == nil || dets[i].W > best.W {
			best = &dets[i]
		}
	}
	return best
}
