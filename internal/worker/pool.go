package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"delayflow/internal/broker"
)

// Source yields broker deliveries and acknowledges the handled ones.
type Source interface {
	Fetch(ctx context.Context) ([]broker.Delivery, error)
	Ack(ctx context.Context, d broker.Delivery) error
}

type Handler interface {
	Handle(ctx context.Context, d broker.Delivery) error
}

type HandlerFunc func(ctx context.Context, d broker.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d broker.Delivery) error { return f(ctx, d) }

// Pool drains a Source with at most size concurrent handlers. Deliveries are acked only after
// the handler succeeds; failed ones stay pending for redelivery.
type Pool struct {
	src       Source
	handler   Handler
	sem       chan struct{}
	pollEvery time.Duration
	wg        sync.WaitGroup
}

func NewPool(src Source, handler Handler, size int, pollEvery time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{src: src, handler: handler, sem: make(chan struct{}, size), pollEvery: pollEvery}
}

// Run fetches and dispatches until ctx is done, then waits for running handlers.
func (p *Pool) Run(ctx context.Context) error {
	defer p.wg.Wait()
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		ds, err := p.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			log.Error().Err(err).Int("failures", failures).Msg("failed to fetch deliveries")
			if !wait(ctx, backoffExp(failures)) {
				return nil
			}
			continue
		}
		failures = 0
		if len(ds) == 0 {
			if !wait(ctx, p.pollEvery) {
				return nil
			}
			continue
		}
		for _, d := range ds {
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			p.wg.Add(1)
			go func(d broker.Delivery) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.process(ctx, d)
			}(d)
		}
	}
}

func (p *Pool) process(ctx context.Context, d broker.Delivery) {
	if err := p.handle(ctx, d); err != nil {
		log.Warn().Err(err).Str("entry", d.ID).Str("subject", d.Message.SubjectID).Msg("delivery not handled, leaving it pending")
		return
	}
	if err := p.src.Ack(ctx, d); err != nil {
		log.Error().Err(err).Str("entry", d.ID).Msg("failed to ack delivery")
	}
}

func (p *Pool) handle(ctx context.Context, d broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, d)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
