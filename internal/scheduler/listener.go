package scheduler

import (
	"context"
	"errors"

	"delayflow/internal/domain"
)

// Listener receives PreWarning, Fired and SkippedDueToImmunity events. The Fired event is the
// delayed action itself.
type Listener interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

type ListenerFunc func(ctx context.Context, ev domain.Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// Listeners fans an event out to every listener and joins their errors.
type Listeners []Listener

func (ls Listeners) HandleEvent(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, l := range ls {
		if err := l.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopListener struct{}

func (nopListener) HandleEvent(context.Context, domain.Event) error { return nil }
