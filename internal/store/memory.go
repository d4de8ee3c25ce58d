package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"delayflow/internal/domain"
)

type memTask struct {
	rec     domain.TaskRecord
	expires time.Time
}

// MemoryTaskStore is a process-local TaskStore. Records do not survive a restart.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	tasks map[string]memTask
}

func NewMemoryTaskStore(opts ...Option) *MemoryTaskStore {
	o := buildOptions(opts)
	return &MemoryTaskStore{now: o.now, tasks: make(map[string]memTask)}
}

func (m *MemoryTaskStore) live(t memTask) bool {
	return t.expires.IsZero() || t.expires.After(m.now())
}

func (m *MemoryTaskStore) Put(_ context.Context, rec domain.TaskRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	m.tasks[rec.SubjectID] = memTask{rec: rec, expires: expiry(now, ttl)}
	return nil
}

func (m *MemoryTaskStore) Get(_ context.Context, subject string) (domain.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[subject]
	if !ok || !m.live(t) {
		return domain.TaskRecord{}, ErrNotFound
	}
	return t.rec, nil
}

func (m *MemoryTaskStore) Delete(_ context.Context, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[subject]
	delete(m.tasks, subject)
	return ok && m.live(t), nil
}

func (m *MemoryTaskStore) DeleteIf(_ context.Context, subject, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[subject]
	if !ok || t.rec.TaskID != taskID {
		return false, nil
	}
	delete(m.tasks, subject)
	return true, nil
}

func (m *MemoryTaskStore) ListAll(_ context.Context) ([]domain.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]domain.TaskRecord, 0, len(m.tasks))
	for _, t := range m.tasks {
		if m.live(t) {
			recs = append(recs, t.rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })
	return recs, nil
}

type MemoryImmunityStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	recs map[string]domain.ImmunityRecord
}

func NewMemoryImmunityStore(opts ...Option) *MemoryImmunityStore {
	o := buildOptions(opts)
	return &MemoryImmunityStore{now: o.now, recs: make(map[string]domain.ImmunityRecord)}
}

// Put ignores ttl: the record expires at rec.ExpiresAt.
func (m *MemoryImmunityStore) Put(_ context.Context, rec domain.ImmunityRecord, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SubjectID] = rec
	return nil
}

func (m *MemoryImmunityStore) Get(_ context.Context, subject string) (domain.ImmunityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[subject]
	if !ok || !rec.Active(m.now()) {
		return domain.ImmunityRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryImmunityStore) Delete(_ context.Context, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[subject]
	delete(m.recs, subject)
	return ok && rec.Active(m.now()), nil
}
