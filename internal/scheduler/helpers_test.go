package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delayflow/internal/domain"
	"delayflow/internal/immunity"
	"delayflow/internal/store"
)

const settleTimeout = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (r *recorder) HandleEvent(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) kinds() []domain.EventKind {
	var out []domain.EventKind
	for _, ev := range r.all() {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(kind domain.EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	tasks    *store.MemoryTaskStore
	immunity *immunity.Service
	events   *recorder
}

func newFixture() *fixture {
	return &fixture{
		tasks:    store.NewMemoryTaskStore(),
		immunity: immunity.NewService(store.NewMemoryImmunityStore(), nil),
		events:   &recorder{},
	}
}

func (f *fixture) config() Config {
	return Config{
		Tasks:          f.tasks,
		Immunity:       f.immunity,
		Listener:       f.events,
		RetentionGrace: time.Minute,
	}
}

func (f *fixture) inProcess(t *testing.T, tweak ...func(*Config)) *InProcess {
	t.Helper()
	cfg := f.config()
	for _, fn := range tweak {
		fn(&cfg)
	}
	p := NewInProcess(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func waitOutcome(t *testing.T, h *Handle) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	o, err := h.Wait(ctx)
	require.NoError(t, err, "task did not settle")
	return o
}

func meta(s string) json.RawMessage {
	return json.RawMessage(`{"reason":"` + s + `"}`)
}

var errBroken = errors.New("store offline")

// brokenTasks fails every call.
type brokenTasks struct{}

func (brokenTasks) Put(context.Context, domain.TaskRecord, time.Duration) error { return errBroken }
func (brokenTasks) Get(context.Context, string) (domain.TaskRecord, error) {
	return domain.TaskRecord{}, errBroken
}
func (brokenTasks) Delete(context.Context, string) (bool, error)           { return false, errBroken }
func (brokenTasks) DeleteIf(context.Context, string, string) (bool, error) { return false, errBroken }
func (brokenTasks) ListAll(context.Context) ([]domain.TaskRecord, error)   { return nil, errBroken }
