package immunity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayflow/internal/domain"
	"delayflow/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService() (*Service, *clock, store.ImmunityStore) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	// the store never expires anything on its own here, so the service's own check is exercised
	s := store.NewMemoryImmunityStore(store.WithClock(func() time.Time { return time.Unix(0, 0) }))
	return NewService(s, c.Now), c, s
}

func TestGrantAndCheck(t *testing.T) {
	svc, c, _ := newService()
	ctx := context.Background()

	expires, err := svc.Grant(ctx, "g:1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(time.Hour), expires)

	immune, err := svc.IsImmune(ctx, "g:1")
	require.NoError(t, err)
	assert.True(t, immune)

	remaining, err := svc.Remaining(ctx, "g:1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, remaining)

	c.Advance(15 * time.Minute)
	remaining, err = svc.Remaining(ctx, "g:1")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, remaining)
}

func TestExpiredRecordIsNotImmune(t *testing.T) {
	svc, c, _ := newService()
	ctx := context.Background()

	_, err := svc.Grant(ctx, "g:1", time.Minute)
	require.NoError(t, err)
	c.Advance(time.Minute)

	immune, err := svc.IsImmune(ctx, "g:1")
	require.NoError(t, err)
	assert.False(t, immune)

	remaining, err := svc.Remaining(ctx, "g:1")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestRevoke(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.Revoke(ctx, "g:1"), ErrNothingActive)

	_, err := svc.Grant(ctx, "g:1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "g:1"))

	immune, err := svc.IsImmune(ctx, "g:1")
	require.NoError(t, err)
	assert.False(t, immune)
	assert.ErrorIs(t, svc.Revoke(ctx, "g:1"), ErrNothingActive)
}

func TestGrantRejectsNonPositive(t *testing.T) {
	svc, _, _ := newService()
	_, err := svc.Grant(context.Background(), "g:1", 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Put(context.Context, domain.ImmunityRecord, time.Duration) error { return errDown }
func (brokenStore) Get(context.Context, string) (domain.ImmunityRecord, error) {
	return domain.ImmunityRecord{}, errDown
}
func (brokenStore) Delete(context.Context, string) (bool, error) { return false, errDown }

func TestStoreErrorsPropagate(t *testing.T) {
	svc := NewService(brokenStore{}, nil)
	ctx := context.Background()

	_, err := svc.IsImmune(ctx, "g:1")
	assert.ErrorIs(t, err, errDown)
	_, err = svc.Grant(ctx, "g:1", time.Hour)
	assert.ErrorIs(t, err, errDown)
	assert.ErrorIs(t, svc.Revoke(ctx, "g:1"), errDown)
}
