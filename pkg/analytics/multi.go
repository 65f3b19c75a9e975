package analytics

import (
	"context"
	"errors"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// MultiRecorder writes every session to all of its recorders. A failing
// backend does not stop the others.
type MultiRecorder []Recorder

// Record writes s to every recorder and joins their errors.
func (m MultiRecorder) Record(ctx context.Context, s proximity.Session) error {
	var errList []error
	for _, r := range m {
		if err := r.Record(ctx, s); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Close closes every recorder.
func (m MultiRecorder) Close() error {
	var errList []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
