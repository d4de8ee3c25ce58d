package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"delayflow/internal/domain"
)

// InProcess keeps one timer per scheduled subject. Pending records are persisted so that
// Recover can re-arm them after a restart.
type InProcess struct {
	*engine

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	taskID string
	timer  *time.Timer
	handle *Handle
}

var _ Backend = (*InProcess)(nil)

func NewInProcess(cfg Config) *InProcess {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcess{
		engine:  newEngine(cfg),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *InProcess) Schedule(ctx context.Context, subject string, delay time.Duration, metadata json.RawMessage) (domain.TaskRecord, error) {
	h, err := p.ScheduleHandle(ctx, subject, delay, metadata)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return h.Record(), nil
}

// ScheduleHandle is Schedule returning a Handle that settles when the task does.
func (p *InProcess) ScheduleHandle(ctx context.Context, subject string, delay time.Duration, metadata json.RawMessage) (*Handle, error) {
	unlock := p.locks.Lock(subject)
	defer unlock()

	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.checkSchedulable(ctx, subject); err != nil {
		return nil, err
	}

	rec := p.newRecord(subject, delay, metadata)
	if err := p.tasks.Put(ctx, rec, p.ttl(rec)); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if old := p.detach(subject); old != nil {
		old.timer.Stop()
		old.handle.finish(OutcomeSuperseded)
		log.Debug().Str("subject", subject).Str("task_id", old.taskID).Msg("pending task superseded")
	}

	h := newHandle(rec)
	p.arm(rec, h)
	p.stats.scheduled.Add(1)
	log.Info().Str("subject", subject).Str("task_id", rec.TaskID).Time("fire_at", rec.FireAt).Msg("task scheduled")
	return h, nil
}

func (p *InProcess) Cancel(ctx context.Context, subject string) error {
	unlock := p.locks.Lock(subject)
	defer unlock()

	e := p.detach(subject)
	if e != nil {
		e.timer.Stop()
		e.handle.finish(OutcomeCancelled)
	}
	ok, err := p.tasks.Delete(ctx, subject)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !ok && e == nil {
		return ErrNothingScheduled
	}
	p.stats.cancelled.Add(1)
	log.Info().Str("subject", subject).Msg("task cancelled")
	return nil
}

// Handle returns the handle of the subject's armed task, if any.
func (p *InProcess) Handle(subject string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[subject]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Pending returns the number of armed timers.
func (p *InProcess) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown stops every armed timer, keeping the persisted records for the next Recover, and waits
// for fires already in progress.
func (p *InProcess) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for subject, e := range p.entries {
		if e.timer.Stop() {
			e.handle.finish(OutcomeStopped)
		}
		delete(p.entries, subject)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	defer p.cancel()
	select {
	case <-done:
		log.Info().Msg("in-process scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// arm starts the timer for rec. Callers hold the subject lock.
func (p *InProcess) arm(rec domain.TaskRecord, h *Handle) {
	now := p.now()
	e := &entry{taskID: rec.TaskID, handle: h}
	if at, ok := p.warnPolicy.warnAt(rec, now); ok {
		e.timer = time.AfterFunc(at.Sub(now), func() { p.onWarn(rec, h) })
	} else {
		e.timer = time.AfterFunc(rec.Remaining(now), func() { p.onFire(rec, h) })
	}
	p.mu.Lock()
	p.entries[rec.SubjectID] = e
	p.mu.Unlock()
}

func (p *InProcess) onWarn(rec domain.TaskRecord, h *Handle) {
	if !p.enter() {
		h.finish(OutcomeStopped)
		return
	}
	defer p.wg.Done()

	if o := p.preWarn(p.ctx, rec.SubjectID, rec.TaskID); o != OutcomePending {
		p.settle(rec, h, o)
		return
	}

	unlock := p.locks.Lock(rec.SubjectID)
	defer unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		h.finish(OutcomeStopped)
		return
	}
	e, ok := p.entries[rec.SubjectID]
	if !ok || e.taskID != rec.TaskID {
		return
	}
	e.timer = time.AfterFunc(rec.Remaining(p.now()), func() { p.onFire(rec, h) })
}

func (p *InProcess) onFire(rec domain.TaskRecord, h *Handle) {
	if !p.enter() {
		h.finish(OutcomeStopped)
		return
	}
	defer p.wg.Done()
	p.runFire(rec, h)
}

// runFire executes the fire sequence and settles h. Callers have entered the wait group.
func (p *InProcess) runFire(rec domain.TaskRecord, h *Handle) Outcome {
	o := p.fire(p.ctx, rec.SubjectID, rec.TaskID, func() { p.release(rec) })
	p.settle(rec, h, o)
	return o
}

func (p *InProcess) settle(rec domain.TaskRecord, h *Handle, o Outcome) {
	p.release(rec)
	h.finish(o)
}

// enter registers a running callback unless the scheduler is shut down.
func (p *InProcess) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *InProcess) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// detach removes and returns the subject's entry.
func (p *InProcess) detach(subject string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[subject]
	delete(p.entries, subject)
	return e
}

// release drops the registry entry for rec if it has not been replaced.
func (p *InProcess) release(rec domain.TaskRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[rec.SubjectID]; ok && e.taskID == rec.TaskID {
		delete(p.entries, rec.SubjectID)
	}
}
