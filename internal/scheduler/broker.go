package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"delayflow/internal/broker"
	"delayflow/internal/domain"
	"delayflow/internal/store"
)

// Publisher is the broker side of the Broker backend.
type Publisher interface {
	PublishDelayed(ctx context.Context, msg broker.Message) error
	PublishCancel(ctx context.Context, msg broker.Message) error
}

// Broker hands the delay to a broker so that pending actions outlive the process. The store
// record stays authoritative: a delivered message only fires while its task id matches it.
type Broker struct {
	*engine
	pub Publisher
}

var _ Backend = (*Broker)(nil)

func NewBroker(cfg Config, pub Publisher) *Broker {
	return &Broker{engine: newEngine(cfg), pub: pub}
}

// Schedule writes the record, then publishes. If publishing fails the previous record (or
// none) is restored and ErrBrokerPublishFailed is returned.
func (b *Broker) Schedule(ctx context.Context, subject string, delay time.Duration, metadata json.RawMessage) (domain.TaskRecord, error) {
	unlock := b.locks.Lock(subject)
	defer unlock()

	if err := b.checkSchedulable(ctx, subject); err != nil {
		return domain.TaskRecord{}, err
	}
	prior, err := b.tasks.Get(ctx, subject)
	hasPrior := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.TaskRecord{}, errors.Join(ErrStoreUnavailable, err)
	}

	rec := b.newRecord(subject, delay, metadata)
	if err := b.tasks.Put(ctx, rec, b.ttl(rec)); err != nil {
		return domain.TaskRecord{}, errors.Join(ErrStoreUnavailable, err)
	}

	if err := b.publish(ctx, rec); err != nil {
		b.compensate(ctx, rec, prior, hasPrior)
		return domain.TaskRecord{}, errors.Join(ErrBrokerPublishFailed, err)
	}

	b.stats.scheduled.Add(1)
	log.Info().Str("subject", subject).Str("task_id", rec.TaskID).Time("fire_at", rec.FireAt).Msg("task published")
	return rec, nil
}

func (b *Broker) publish(ctx context.Context, rec domain.TaskRecord) error {
	msg := broker.Message{
		SubjectID: rec.SubjectID,
		TaskID:    rec.TaskID,
		Metadata:  rec.Metadata,
	}
	if at, ok := b.warnPolicy.warnAt(rec, b.now()); ok {
		warn := msg
		warn.Kind = broker.KindWarn
		warn.DeliverAt = at
		if err := b.pub.PublishDelayed(ctx, warn); err != nil {
			return err
		}
	}
	msg.Kind = broker.KindFire
	msg.DeliverAt = rec.FireAt
	return b.pub.PublishDelayed(ctx, msg)
}

func (b *Broker) compensate(ctx context.Context, rec, prior domain.TaskRecord, hasPrior bool) {
	var err error
	if hasPrior {
		err = b.tasks.Put(ctx, prior, b.ttl(prior))
	} else {
		_, err = b.tasks.DeleteIf(ctx, rec.SubjectID, rec.TaskID)
	}
	if err != nil {
		log.Error().Err(err).Str("subject", rec.SubjectID).Str("task_id", rec.TaskID).Msg("failed to roll back task after publish failure")
	}
}

// Cancel deletes the record and publishes an advisory cancellation. A delayed message already
// in the broker is not withdrawn; the consumer discards it as stale.
func (b *Broker) Cancel(ctx context.Context, subject string) error {
	unlock := b.locks.Lock(subject)
	defer unlock()

	rec, err := b.tasks.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNothingScheduled
	}
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}

	if err := b.pub.PublishCancel(ctx, broker.Message{SubjectID: subject, TaskID: rec.TaskID}); err != nil {
		log.Warn().Err(err).Str("subject", subject).Str("task_id", rec.TaskID).Msg("failed to publish cancellation")
	}
	if _, err := b.tasks.DeleteIf(ctx, subject, rec.TaskID); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	b.stats.cancelled.Add(1)
	log.Info().Str("subject", subject).Str("task_id", rec.TaskID).Msg("task cancelled")
	return nil
}

// Shutdown is a no-op: pending work lives in the broker.
func (b *Broker) Shutdown(context.Context) error { return nil }

// Consumer returns the delivery handler that honours this backend's records.
func (b *Broker) Consumer() *Consumer { return &Consumer{engine: b.engine} }
