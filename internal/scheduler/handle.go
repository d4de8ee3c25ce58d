package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"delayflow/internal/domain"
)

type Outcome int32

const (
	OutcomePending Outcome = iota
	OutcomeFired
	OutcomeSkipped
	OutcomeCancelled
	OutcomeSuperseded
	OutcomeStale
	OutcomeFailed
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeFired:
		return "fired"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeStale:
		return "stale"
	case OutcomeFailed:
		return "failed"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handle observes one scheduled task until it fires, is skipped, cancelled, superseded or stopped.
type Handle struct {
	rec     domain.TaskRecord
	done    chan struct{}
	once    sync.Once
	outcome atomic.Int32
}

func newHandle(rec domain.TaskRecord) *Handle {
	return &Handle{rec: rec, done: make(chan struct{})}
}

func (h *Handle) Record() domain.TaskRecord { return h.rec }

// Done is closed once the task reached a final outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Outcome() Outcome { return Outcome(h.outcome.Load()) }

// Wait blocks until the task settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.Outcome(), nil
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

// finish records the first final outcome; later calls are ignored.
func (h *Handle) finish(o Outcome) {
	h.once.Do(func() {
		h.outcome.Store(int32(o))
		close(h.done)
	})
}
