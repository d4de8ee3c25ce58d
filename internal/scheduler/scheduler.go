package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"delayflow/internal/domain"
	"delayflow/internal/duration"
	"delayflow/internal/store"
)

// Config is shared by both backends.
type Config struct {
	Tasks    store.TaskStore
	Immunity ImmunityChecker
	Listener Listener
	Warn     WarnPolicy
	// RetentionGrace is added to every record's store TTL. Defaults to DefaultRetentionGrace.
	RetentionGrace time.Duration
	Now            func() time.Time
}

// Backend is the scheduling strategy selected for a deployment.
type Backend interface {
	Schedule(ctx context.Context, subject string, delay time.Duration, metadata json.RawMessage) (domain.TaskRecord, error)
	Cancel(ctx context.Context, subject string) error
	Lookup(ctx context.Context, subject string) (domain.TaskRecord, error)
	List(ctx context.Context) ([]domain.TaskRecord, error)
	Stats() StatsSnapshot
	Shutdown(ctx context.Context) error
}

// Scheduler is the caller-facing entry point. It validates requests identically for every
// backend and delegates the rest.
type Scheduler struct {
	backend Backend
	limits  duration.Limits
}

func New(backend Backend, limits duration.Limits) *Scheduler {
	return &Scheduler{backend: backend, limits: limits}
}

// Schedule arms a delayed action for subject, replacing any pending one.
// It fails with ErrSubjectImmune, ErrStoreUnavailable, ErrBrokerPublishFailed or duration.ErrOutOfRange.
func (s *Scheduler) Schedule(ctx context.Context, subject string, delay time.Duration, metadata json.RawMessage) (domain.TaskRecord, error) {
	if strings.TrimSpace(subject) == "" {
		return domain.TaskRecord{}, ErrInvalidSubject
	}
	if err := s.limits.Check(delay); err != nil {
		return domain.TaskRecord{}, err
	}
	return s.backend.Schedule(ctx, subject, delay, metadata)
}

// Cancel drops the pending action for subject. It returns ErrNothingScheduled when there is none.
func (s *Scheduler) Cancel(ctx context.Context, subject string) error {
	if strings.TrimSpace(subject) == "" {
		return ErrInvalidSubject
	}
	return s.backend.Cancel(ctx, subject)
}

func (s *Scheduler) Lookup(ctx context.Context, subject string) (domain.TaskRecord, error) {
	return s.backend.Lookup(ctx, subject)
}

func (s *Scheduler) List(ctx context.Context) ([]domain.TaskRecord, error) {
	return s.backend.List(ctx)
}

func (s *Scheduler) Stats() StatsSnapshot { return s.backend.Stats() }

func (s *Scheduler) Limits() duration.Limits { return s.limits }

func (s *Scheduler) Shutdown(ctx context.Context) error { return s.backend.Shutdown(ctx) }
