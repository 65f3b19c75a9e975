package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// DefaultQueueSize bounds the number of sessions waiting to be written.
const DefaultQueueSize = 128

// AsyncRecorder writes sessions on a background worker. Record never
// blocks; when the queue is full the session is dropped and logged.
// Failed writes are logged and not retried.
type AsyncRecorder struct {
	next    Recorder
	logger  *slog.Logger
	timeout time.Duration

	queue chan proximity.Session
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64
}

// NewAsyncRecorder starts a worker writing to next.
func NewAsyncRecorder(next Recorder, queueSize int, logger *slog.Logger) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncRecorder{
		next:    next,
		logger:  logger,
		timeout: 10 * time.Second,
		queue:   make(chan proximity.Session, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues s. It only fails after Close.
func (a *AsyncRecorder) Record(_ context.Context, s proximity.Session) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrRecorderClosed
	}
	select {
	case a.queue <- s:
	default:
		a.dropped.Add(1)
		a.logger.Warn("analytics queue full, session dropped", "session", s.ID)
	}
	return nil
}

func (a *AsyncRecorder) run() {
	defer close(a.done)
	for s := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Record(ctx, s)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("analytics write failed", "session", s.ID, "outcome", s.Outcome, "error", err)
			continue
		}
		a.written.Add(1)
	}
}

// Stats returns counters for the status API.
func (a *AsyncRecorder) Stats() (written, failed, dropped int64) {
	return a.written.Load(), a.failed.Load(), a.dropped.Load()
}

// Close drains the queue and closes the wrapped recorder.
func (a *AsyncRecorder) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
