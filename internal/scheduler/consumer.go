package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"delayflow/internal/broker"
)

// Consumer handles broker deliveries with check-before-act: a message acts only while its task
// id still matches the stored record, so superseded, cancelled and redelivered messages are
// dropped.
type Consumer struct {
	engine *engine
}

// Handle processes one delivery. A non-nil error leaves the delivery unacked for redelivery;
// it is only returned when the task store could not be read.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) error {
	msg := d.Message
	switch msg.Kind {
	case broker.KindFire:
		if c.engine.fire(ctx, msg.SubjectID, msg.TaskID, nil) == OutcomeFailed {
			return ErrStoreUnavailable
		}
	case broker.KindWarn:
		if c.engine.preWarn(ctx, msg.SubjectID, msg.TaskID) == OutcomeFailed {
			return ErrStoreUnavailable
		}
	case broker.KindCancel:
		unlock := c.engine.locks.Lock(msg.SubjectID)
		ok, err := c.engine.tasks.DeleteIf(ctx, msg.SubjectID, msg.TaskID)
		unlock()
		if err != nil {
			return errors.Join(ErrStoreUnavailable, err)
		}
		log.Debug().Str("subject", msg.SubjectID).Str("task_id", msg.TaskID).Bool("deleted", ok).Msg("cancellation received")
	default:
		log.Warn().Str("kind", string(msg.Kind)).Str("entry", d.ID).Msg("ignoring broker message of unknown kind")
	}
	return nil
}
