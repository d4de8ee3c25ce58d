// Package immunity grants and checks temporary windows during which no delayed action may fire for a subject.
package immunity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"delayflow/internal/domain"
	"delayflow/internal/store"
)

var (
	ErrNothingActive = errors.New("no active immunity")
	ErrInvalidWindow = errors.New("immunity duration must be positive")
)

type Service struct {
	store store.ImmunityStore
	now   func() time.Time
}

func NewService(s store.ImmunityStore, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, now: now}
}

// Grant opens (or replaces) an immunity window of length d and returns its expiry.
func (s *Service) Grant(ctx context.Context, subject string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, ErrInvalidWindow
	}
	rec := domain.ImmunityRecord{SubjectID: subject, ExpiresAt: s.now().Add(d)}
	if err := s.store.Put(ctx, rec, d); err != nil {
		return time.Time{}, fmt.Errorf("grant immunity: %w", err)
	}
	log.Info().Str("subject", subject).Time("expires_at", rec.ExpiresAt).Msg("immunity granted")
	return rec.ExpiresAt, nil
}

func (s *Service) Revoke(ctx context.Context, subject string) error {
	ok, err := s.store.Delete(ctx, subject)
	if err != nil {
		return fmt.Errorf("revoke immunity: %w", err)
	}
	if !ok {
		return ErrNothingActive
	}
	log.Info().Str("subject", subject).Msg("immunity revoked")
	return nil
}

// Active returns the subject's immunity record. Records past their expiry are reported as
// ErrNothingActive even if the store has not expired them yet.
func (s *Service) Active(ctx context.Context, subject string) (domain.ImmunityRecord, error) {
	rec, err := s.store.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ImmunityRecord{}, ErrNothingActive
	}
	if err != nil {
		return domain.ImmunityRecord{}, err
	}
	if !rec.Active(s.now()) {
		return domain.ImmunityRecord{}, ErrNothingActive
	}
	return rec, nil
}

func (s *Service) IsImmune(ctx context.Context, subject string) (bool, error) {
	_, err := s.Active(ctx, subject)
	if errors.Is(err, ErrNothingActive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remaining returns how long the subject stays immune, zero when it is not.
func (s *Service) Remaining(ctx context.Context, subject string) (time.Duration, error) {
	rec, err := s.Active(ctx, subject)
	if errors.Is(err, ErrNothingActive) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.ExpiresAt.Sub(s.now()), nil
}
