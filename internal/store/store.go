// Package store persists pending task records and immunity windows with store-managed expiry.
//
// Three implementations share the same contract: SQLite (expiry column filtered on read and purged by
// a Sweeper), Redis (native key TTL) and an in-memory map for tests and single-process runs.
// A ttl <= 0 passed to Put means the record does not expire on its own.
package store

import (
	"context"
	"errors"
	"time"

	"delayflow/internal/domain"
)

var ErrNotFound = errors.New("record not found")

type TaskStore interface {
	// Put overwrites any record held for rec.SubjectID.
	Put(ctx context.Context, rec domain.TaskRecord, ttl time.Duration) error
	Get(ctx context.Context, subject string) (domain.TaskRecord, error)
	// Delete reports whether a live record was removed. Deleting an absent subject is not an error.
	Delete(ctx context.Context, subject string) (bool, error)
	// DeleteIf removes the subject's record only while it still carries taskID.
	DeleteIf(ctx context.Context, subject, taskID string) (bool, error)
	ListAll(ctx context.Context) ([]domain.TaskRecord, error)
}

type ImmunityStore interface {
	Put(ctx context.Context, rec domain.ImmunityRecord, ttl time.Duration) error
	Get(ctx context.Context, subject string) (domain.ImmunityRecord, error)
	Delete(ctx context.Context, subject string) (bool, error)
}

type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithKeyPrefix namespaces Redis keys. Ignored by the other stores.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, prefix: "delayflow"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// expiry converts a ttl into an absolute expiry; the zero time means no expiry.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
