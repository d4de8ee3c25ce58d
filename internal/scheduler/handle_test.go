package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayflow/internal/domain"
)

func TestHandleSettlesOnce(t *testing.T) {
	h := newHandle(domain.TaskRecord{TaskID: "t"})
	assert.Equal(t, OutcomePending, h.Outcome())

	h.finish(OutcomeCancelled)
	h.finish(OutcomeFired)

	o, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, o)
	assert.Equal(t, "cancelled", o.String())
}

func TestHandleWaitHonoursContext(t *testing.T) {
	h := newHandle(domain.TaskRecord{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	o, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomePending, o)
}

func TestWarnPolicy(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rec := domain.TaskRecord{CreatedAt: now, FireAt: now.Add(time.Hour)}

	at, ok := WarnPolicy{Threshold: 30 * time.Minute, Lead: 10 * time.Minute}.warnAt(rec, now)
	require.True(t, ok)
	assert.Equal(t, now.Add(50*time.Minute), at)

	_, ok = WarnPolicy{Threshold: 2 * time.Hour, Lead: 10 * time.Minute}.warnAt(rec, now)
	assert.False(t, ok, "delay below threshold")

	_, ok = WarnPolicy{Threshold: 30 * time.Minute, Lead: 10 * time.Minute}.warnAt(rec, now.Add(55*time.Minute))
	assert.False(t, ok, "warning moment already passed")

	_, ok = WarnPolicy{}.warnAt(rec, now)
	assert.False(t, ok)
}
