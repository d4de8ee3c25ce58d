package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayflow/internal/broker"
	"delayflow/internal/domain"
)

func newRedisBroker(t *testing.T) *broker.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rb := broker.NewRedis(rdb, broker.Config{Prefix: "test", Consumer: "c1"})
	require.NoError(t, rb.EnsureGroup(context.Background()))
	return rb
}

// drain promotes everything due before at and hands each delivery to the consumer.
func drain(t *testing.T, rb *broker.Redis, c *Consumer, at time.Time) []broker.Delivery {
	t.Helper()
	ctx := context.Background()
	_, err := rb.Promote(ctx, at)
	require.NoError(t, err)
	ds, err := rb.Fetch(ctx)
	require.NoError(t, err)
	for _, d := range ds {
		require.NoError(t, c.Handle(ctx, d))
		require.NoError(t, rb.Ack(ctx, d))
	}
	return ds
}

func TestBrokerScheduleFiresThroughConsumer(t *testing.T) {
	f := newFixture()
	rb := newRedisBroker(t)
	b := NewBroker(f.config(), rb)
	ctx := context.Background()

	rec, err := b.Schedule(ctx, "s1", time.Minute, meta("m"))
	require.NoError(t, err)

	n, err := rb.Delayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Empty(t, drain(t, rb, b.Consumer(), time.Now()))
	assert.Len(t, drain(t, rb, b.Consumer(), rec.FireAt.Add(time.Second)), 1)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFired, events[0].Kind)
	assert.Equal(t, rec.TaskID, events[0].TaskID)
	assert.JSONEq(t, `{"reason":"m"}`, string(events[0].Metadata))

	_, err = b.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNothingScheduled)
}

func TestBrokerSupersededMessageIsStale(t *testing.T) {
	f := newFixture()
	rb := newRedisBroker(t)
	b := NewBroker(f.config(), rb)
	ctx := context.Background()

	_, err := b.Schedule(ctx, "s1", time.Minute, meta("m1"))
	require.NoError(t, err)
	second, err := b.Schedule(ctx, "s1", time.Minute, meta("m2"))
	require.NoError(t, err)

	assert.Len(t, drain(t, rb, b.Consumer(), time.Now().Add(2*time.Minute)), 2)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, second.TaskID, events[0].TaskID)
	assert.Equal(t, int64(1), b.Stats().Stale)
}

func TestBrokerRedeliveryFiresOnce(t *testing.T) {
	f := newFixture()
	rb := newRedisBroker(t)
	b := NewBroker(f.config(), rb)
	ctx := context.Background()

	rec, err := b.Schedule(ctx, "s1", time.Minute, nil)
	require.NoError(t, err)

	d := broker.Delivery{Message: broker.Message{Kind: broker.KindFire, SubjectID: "s1", TaskID: rec.TaskID}}
	require.NoError(t, b.Consumer().Handle(ctx, d))
	require.NoError(t, b.Consumer().Handle(ctx, d))

	assert.Equal(t, 1, f.events.count(domain.EventFired))
}

func TestBrokerCancel(t *testing.T) {
	f := newFixture()
	rb := newRedisBroker(t)
	b := NewBroker(f.config(), rb)
	ctx := context.Background()

	rec, err := b.Schedule(ctx, "s1", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, b.Cancel(ctx, "s1"))
	assert.ErrorIs(t, b.Cancel(ctx, "s1"), ErrNothingScheduled)

	ds := drain(t, rb, b.Consumer(), rec.FireAt.Add(time.Second))
	kinds := map[broker.Kind]int{}
	for _, d := range ds {
		kinds[d.Message.Kind]++
	}
	assert.Equal(t, map[broker.Kind]int{broker.KindCancel: 1, broker.KindFire: 1}, kinds)
	assert.Empty(t, f.events.all())
	assert.Equal(t, int64(1), b.Stats().Cancelled)
}

func TestBrokerRejectsImmuneSubject(t *testing.T) {
	f := newFixture()
	rb := newRedisBroker(t)
	b := NewBroker(f.config(), rb)
	ctx := context.Background()

	_, err := f.immunity.Grant(ctx, "s1", time.Hour)
	require.NoError(t, err)
	_, err = b.Schedule(ctx, "s1", time.Minute, nil)
	assert.ErrorIs(t, err, ErrSubjectImmune)

	n, err := rb.Delayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBrokerSkipsWhenImmuneAtDelivery(t *testing.T) {
	f := newFixture()
	rb := newRedisBroker(t)
	b := NewBroker(f.config(), rb)
	ctx := context.Background()

	rec, err := b.Schedule(ctx, "s1", time.Minute, nil)
	require.NoError(t, err)
	_, err = f.immunity.Grant(ctx, "s1", time.Hour)
	require.NoError(t, err)

	drain(t, rb, b.Consumer(), rec.FireAt.Add(time.Second))
	assert.Equal(t, []domain.EventKind{domain.EventSkippedDueToImmunity}, f.events.kinds())
	_, err = b.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNothingScheduled)
}

type fakePublisher struct {
	mu      sync.Mutex
	delayed []broker.Message
	cancels []broker.Message
	failAt  int // fail the n-th PublishDelayed call, counting from 1; 0 never fails
	calls   int
}

func (p *fakePublisher) PublishDelayed(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls >= p.failAt {
		return assert.AnError
	}
	p.delayed = append(p.delayed, msg)
	return nil
}

func (p *fakePublisher) PublishCancel(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, msg)
	return nil
}

func TestBrokerPublishFailureLeavesNoRecord(t *testing.T) {
	f := newFixture()
	b := NewBroker(f.config(), &fakePublisher{failAt: 1})
	ctx := context.Background()

	_, err := b.Schedule(ctx, "s1", time.Minute, nil)
	assert.ErrorIs(t, err, ErrBrokerPublishFailed)

	_, err = b.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNothingScheduled)
}

func TestBrokerPublishFailureRestoresPriorRecord(t *testing.T) {
	f := newFixture()
	b := NewBroker(f.config(), &fakePublisher{failAt: 2})
	ctx := context.Background()

	prior, err := b.Schedule(ctx, "s1", time.Minute, meta("m1"))
	require.NoError(t, err)
	_, err = b.Schedule(ctx, "s1", time.Minute, meta("m2"))
	assert.ErrorIs(t, err, ErrBrokerPublishFailed)

	got, err := b.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, prior.TaskID, got.TaskID)
	assert.Equal(t, int64(1), b.Stats().Scheduled)
}

func TestBrokerPublishesWarning(t *testing.T) {
	f := newFixture()
	pub := &fakePublisher{}
	cfg := f.config()
	cfg.Warn = WarnPolicy{Threshold: 10 * time.Minute, Lead: 5 * time.Minute}
	b := NewBroker(cfg, pub)
	ctx := context.Background()

	rec, err := b.Schedule(ctx, "s1", time.Hour, nil)
	require.NoError(t, err)

	require.Len(t, pub.delayed, 2)
	warn, fire := pub.delayed[0], pub.delayed[1]
	assert.Equal(t, broker.KindWarn, warn.Kind)
	assert.Equal(t, rec.FireAt.Add(-5*time.Minute), warn.DeliverAt)
	assert.Equal(t, broker.KindFire, fire.Kind)
	assert.Equal(t, rec.FireAt, fire.DeliverAt)

	require.NoError(t, b.Consumer().Handle(ctx, broker.Delivery{Message: warn}))
	assert.Equal(t, []domain.EventKind{domain.EventPreWarning}, f.events.kinds())

	_, err = b.Lookup(ctx, "s1")
	require.NoError(t, err, "a pre-warning must not consume the task")

	require.NoError(t, b.Consumer().Handle(ctx, broker.Delivery{Message: fire}))
	assert.Equal(t, []domain.EventKind{domain.EventPreWarning, domain.EventFired}, f.events.kinds())
}

func TestBrokerShortDelayPublishesNoWarning(t *testing.T) {
	f := newFixture()
	pub := &fakePublisher{}
	cfg := f.config()
	cfg.Warn = WarnPolicy{Threshold: 10 * time.Minute, Lead: 5 * time.Minute}
	b := NewBroker(cfg, pub)

	_, err := b.Schedule(context.Background(), "s1", time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, pub.delayed, 1)
	assert.Equal(t, broker.KindFire, pub.delayed[0].Kind)
}

func TestConsumerReportsStoreFailure(t *testing.T) {
	b := NewBroker(Config{Tasks: brokenTasks{}}, &fakePublisher{})
	ctx := context.Background()

	err := b.Consumer().Handle(ctx, broker.Delivery{Message: broker.Message{Kind: broker.KindFire, SubjectID: "s1", TaskID: "t"}})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = b.Consumer().Handle(ctx, broker.Delivery{Message: broker.Message{Kind: broker.KindCancel, SubjectID: "s1", TaskID: "t"}})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestConsumerIgnoresUnknownKind(t *testing.T) {
	f := newFixture()
	b := NewBroker(f.config(), &fakePublisher{})
	err := b.Consumer().Handle(context.Background(), broker.Delivery{Message: broker.Message{Kind: "bogus"}})
	assert.NoError(t, err)
}
