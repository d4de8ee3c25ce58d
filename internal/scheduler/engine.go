package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"delayflow/internal/domain"
	"delayflow/internal/store"
)

// DefaultRetentionGrace is used when Config.RetentionGrace is not positive.
const DefaultRetentionGrace = 10 * time.Minute

const (
	finishRetries = 3
	finishBackoff = 100 * time.Millisecond
)

// ImmunityChecker is consulted when a task is scheduled and again before it warns or fires.
type ImmunityChecker interface {
	IsImmune(ctx context.Context, subject string) (bool, error)
}

type noImmunity struct{}

func (noImmunity) IsImmune(context.Context, string) (bool, error) { return false, nil }

// WarnPolicy enables the two-stage notify-then-act pattern: tasks whose delay exceeds Threshold
// emit a PreWarning Lead before they fire. The zero value disables warnings.
type WarnPolicy struct {
	Threshold time.Duration
	Lead      time.Duration
}

func (w WarnPolicy) enabled() bool { return w.Threshold > 0 && w.Lead > 0 }

// warnAt returns when rec's pre-warning is due, as long as that moment is still ahead of now.
func (w WarnPolicy) warnAt(rec domain.TaskRecord, now time.Time) (time.Time, bool) {
	if !w.enabled() || rec.FireAt.Sub(rec.CreatedAt) <= w.Threshold {
		return time.Time{}, false
	}
	at := rec.FireAt.Add(-w.Lead)
	if !at.After(now) {
		return time.Time{}, false
	}
	return at, true
}

// engine holds what both backends share: stores, the fire sequence and per-subject locks.
type engine struct {
	tasks      store.TaskStore
	immunity   ImmunityChecker
	listener   Listener
	now        func() time.Time
	grace      time.Duration
	warnPolicy WarnPolicy
	locks      *subjectLocks
	stats      *Stats
}

func newEngine(cfg Config) *engine {
	e := &engine{
		tasks:      cfg.Tasks,
		immunity:   cfg.Immunity,
		listener:   cfg.Listener,
		now:        cfg.Now,
		grace:      cfg.RetentionGrace,
		warnPolicy: cfg.Warn,
		locks:      newSubjectLocks(),
		stats:      &Stats{},
	}
	if e.listener == nil {
		e.listener = nopListener{}
	}
	if e.immunity == nil {
		e.immunity = noImmunity{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.grace <= 0 {
		e.grace = DefaultRetentionGrace
	}
	return e
}

func (e *engine) newRecord(subject string, delay time.Duration, metadata json.RawMessage) domain.TaskRecord {
	now := e.now()
	return domain.TaskRecord{
		SubjectID: subject,
		TaskID:    "tsk_" + uuid.NewString(),
		FireAt:    now.Add(delay),
		Metadata:  metadata,
		CreatedAt: now,
	}
}

// ttl keeps a record around for its remaining delay plus the retention grace, so a record that
// came due while the process was down is still there for recovery.
func (e *engine) ttl(rec domain.TaskRecord) time.Duration {
	return rec.Remaining(e.now()) + e.grace
}

// checkSchedulable rejects immune subjects. Callers hold the subject lock.
func (e *engine) checkSchedulable(ctx context.Context, subject string) error {
	immune, err := e.immunity.IsImmune(ctx, subject)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if immune {
		return ErrSubjectImmune
	}
	return nil
}

// immuneNow is the fire-time check; a failing immunity store does not block the action.
func (e *engine) immuneNow(ctx context.Context, subject string) bool {
	immune, err := e.immunity.IsImmune(ctx, subject)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("immunity check failed at fire time, firing anyway")
		return false
	}
	return immune
}

// current loads the record and verifies it is still the one identified by taskID.
func (e *engine) current(ctx context.Context, subject, taskID string) (domain.TaskRecord, error) {
	rec, err := e.tasks.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TaskRecord{}, ErrStaleTask
	}
	if err != nil {
		return domain.TaskRecord{}, errors.Join(ErrStoreUnavailable, err)
	}
	if rec.TaskID != taskID || rec.Firing {
		return domain.TaskRecord{}, ErrStaleTask
	}
	return rec, nil
}

// preWarn runs the pre-warning stage. It returns OutcomePending when the task should go on to fire.
func (e *engine) preWarn(ctx context.Context, subject, taskID string) Outcome {
	unlock := e.locks.Lock(subject)
	rec, err := e.current(ctx, subject, taskID)
	if err != nil {
		unlock()
		return e.rejected(subject, taskID, err)
	}
	if e.immuneNow(ctx, subject) {
		e.drop(ctx, rec)
		unlock()
		e.skipped(ctx, rec)
		return OutcomeSkipped
	}
	unlock()

	e.stats.warned.Add(1)
	e.emit(ctx, domain.EventPreWarning, rec)
	return OutcomePending
}

// fire runs the fire sequence. onClaim, if set, runs under the subject lock once the outcome
// is decided (fired or skipped).
func (e *engine) fire(ctx context.Context, subject, taskID string, onClaim func()) Outcome {
	unlock := e.locks.Lock(subject)
	rec, err := e.current(ctx, subject, taskID)
	if err != nil {
		unlock()
		return e.rejected(subject, taskID, err)
	}
	if onClaim != nil {
		onClaim()
	}
	if e.immuneNow(ctx, subject) {
		e.drop(ctx, rec)
		unlock()
		e.skipped(ctx, rec)
		return OutcomeSkipped
	}

	claimed := rec
	claimed.Firing = true
	if err := e.tasks.Put(ctx, claimed, e.ttl(claimed)); err != nil {
		log.Warn().Err(err).Str("subject", subject).Str("task_id", taskID).Msg("failed to mark task as firing")
	}
	unlock()

	e.stats.fired.Add(1)
	if err := e.emit(ctx, domain.EventFired, rec); err != nil {
		e.stats.failed.Add(1)
	}
	e.finish(ctx, rec)
	log.Info().Str("subject", subject).Str("task_id", taskID).Time("fire_at", rec.FireAt).Msg("task fired")
	return OutcomeFired
}

func (e *engine) rejected(subject, taskID string, err error) Outcome {
	if errors.Is(err, ErrStaleTask) {
		e.stats.stale.Add(1)
		log.Debug().Str("subject", subject).Str("task_id", taskID).Msg("stale task discarded")
		return OutcomeStale
	}
	log.Error().Err(err).Str("subject", subject).Str("task_id", taskID).Msg("failed to load task at fire time")
	return OutcomeFailed
}

func (e *engine) skipped(ctx context.Context, rec domain.TaskRecord) {
	e.stats.skipped.Add(1)
	log.Info().Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Msg("task skipped, subject is immune")
	e.emit(ctx, domain.EventSkippedDueToImmunity, rec)
}

// drop deletes a skipped record. Callers hold the subject lock.
func (e *engine) drop(ctx context.Context, rec domain.TaskRecord) {
	if _, err := e.tasks.DeleteIf(ctx, rec.SubjectID, rec.TaskID); err != nil {
		log.Error().Err(err).Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Msg("failed to delete skipped task")
	}
}

// finish deletes a fired record, retrying a few times. A record left behind keeps its firing
// mark and is discarded by the next recovery pass instead of firing again.
func (e *engine) finish(ctx context.Context, rec domain.TaskRecord) {
	var err error
	for attempt := 1; attempt <= finishRetries; attempt++ {
		unlock := e.locks.Lock(rec.SubjectID)
		_, err = e.tasks.DeleteIf(ctx, rec.SubjectID, rec.TaskID)
		unlock()
		if err == nil {
			return
		}
		if attempt < finishRetries && !sleepCtx(ctx, time.Duration(attempt)*finishBackoff) {
			break
		}
	}
	log.Error().Err(err).Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Msg("failed to delete fired task, leaving it for recovery")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// emit delivers an event to the listener. Panics are turned into errors.
func (e *engine) emit(ctx context.Context, kind domain.EventKind, rec domain.TaskRecord) (err error) {
	ev := domain.NewEvent(kind, rec, e.now())
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
		if err != nil {
			log.Error().Err(err).Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Str("event", string(kind)).Msg("event listener failed")
		}
	}()
	return e.listener.HandleEvent(ctx, ev)
}

// Lookup returns the pending record for subject.
func (e *engine) Lookup(ctx context.Context, subject string) (domain.TaskRecord, error) {
	rec, err := e.tasks.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TaskRecord{}, ErrNothingScheduled
	}
	if err != nil {
		return domain.TaskRecord{}, errors.Join(ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (e *engine) List(ctx context.Context) ([]domain.TaskRecord, error) {
	recs, err := e.tasks.ListAll(ctx)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return recs, nil
}

func (e *engine) Stats() StatsSnapshot { return e.stats.Snapshot() }
