package store

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Purger removes rows whose expiry has passed. Stores with native TTL do not need one.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Sweeper runs a Purger on a cron spec such as "@every 1m".
type Sweeper struct {
	purger Purger
	spec   string
	cron   *cron.Cron
}

func NewSweeper(purger Purger, spec string) *Sweeper {
	return &Sweeper{purger: purger, spec: spec, cron: cron.New()}
}

// Run blocks until ctx is done, sweeping on every tick of the spec.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return err
	}
	log.Info().Str("spec", s.spec).Msg("expiry sweeper started")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to purge expired records")
		return
	}
	if n > 0 {
		log.Debug().Int("purged", n).Msg("expired records purged")
	}
}

// ValidateSpec checks a sweep spec before the sweeper is started.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}
