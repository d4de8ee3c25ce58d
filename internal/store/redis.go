package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"delayflow/internal/domain"
)

const deleteIfRetries = 3

// RedisTaskStore keeps one JSON value per subject under <prefix>:task:<subject> with key TTL.
type RedisTaskStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisTaskStore(rdb redis.UniversalClient, opts ...Option) *RedisTaskStore {
	o := buildOptions(opts)
	return &RedisTaskStore{rdb: rdb, prefix: o.prefix + ":task:"}
}

func (s *RedisTaskStore) key(subject string) string { return s.prefix + subject }

func (s *RedisTaskStore) Put(ctx context.Context, rec domain.TaskRecord, ttl time.Duration) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, s.key(rec.SubjectID), b, ttl).Err()
}

func (s *RedisTaskStore) Get(ctx context.Context, subject string) (domain.TaskRecord, error) {
	b, err := s.rdb.Get(ctx, s.key(subject)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return decodeTask(b)
}

func (s *RedisTaskStore) Delete(ctx context.Context, subject string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(subject)).Result()
	return n > 0, err
}

func (s *RedisTaskStore) DeleteIf(ctx context.Context, subject, taskID string) (bool, error) {
	key := s.key(subject)
	var deleted bool
	txf := func(tx *redis.Tx) error {
		deleted = false
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decodeTask(b)
		if err != nil {
			return err
		}
		if rec.TaskID != taskID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}

	for i := 0; i < deleteIfRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return deleted, err
	}
	return false, redis.TxFailedErr
}

func (s *RedisTaskStore) ListAll(ctx context.Context) ([]domain.TaskRecord, error) {
	var recs []domain.TaskRecord
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		b, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeTask(b)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func decodeTask(b []byte) (domain.TaskRecord, error) {
	var rec domain.TaskRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("decode task record: %w", err)
	}
	return rec, nil
}

// RedisImmunityStore keeps <prefix>:immunity:<subject> = JSON record, expiring at ExpiresAt.
type RedisImmunityStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisImmunityStore(rdb redis.UniversalClient, opts ...Option) *RedisImmunityStore {
	o := buildOptions(opts)
	return &RedisImmunityStore{rdb: rdb, prefix: o.prefix + ":immunity:"}
}

func (s *RedisImmunityStore) Put(ctx context.Context, rec domain.ImmunityRecord, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode immunity record: %w", err)
	}
	if ttl <= 0 {
		// an already-expired window is the same as none
		return s.rdb.Del(ctx, s.prefix+rec.SubjectID).Err()
	}
	return s.rdb.Set(ctx, s.prefix+rec.SubjectID, b, ttl).Err()
}

func (s *RedisImmunityStore) Get(ctx context.Context, subject string) (domain.ImmunityRecord, error) {
	b, err := s.rdb.Get(ctx, s.prefix+subject).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ImmunityRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ImmunityRecord{}, err
	}
	var rec domain.ImmunityRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return domain.ImmunityRecord{}, fmt.Errorf("decode immunity record: %w", err)
	}
	return rec, nil
}

func (s *RedisImmunityStore) Delete(ctx context.Context, subject string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.prefix+subject).Result()
	return n > 0, err
}
