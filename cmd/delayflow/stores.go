package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"delayflow/internal/config"
	"delayflow/internal/store"
)

const (
	redisConnectTimeout = 30 * time.Second
	redisRetryInterval  = time.Second
)

type resources struct {
	tasks    store.TaskStore
	immunity store.ImmunityStore
	purger   store.Purger
	rdb      *redis.Client
	db       *sql.DB
}

func (r *resources) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
}

// openStores connects the record stores. The broker backend always gets a Redis client, even
// when records live in SQLite.
func openStores(ctx context.Context, cfg config.Config) (*resources, error) {
	res := &resources{}

	if cfg.Store == config.StoreRedis || cfg.Backend == config.BackendBroker {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		res.rdb = rdb
	}

	switch cfg.Store {
	case config.StoreSQLite:
		db, err := openSQLite(cfg.DB)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.db = db
		tasks := store.NewSQLiteTaskStore(db)
		res.tasks = tasks
		res.immunity = store.NewSQLiteImmunityStore(db)
		res.purger = tasks
	case config.StoreRedis:
		res.tasks = store.NewRedisTaskStore(res.rdb, store.WithKeyPrefix(cfg.KeyPrefix))
		res.immunity = store.NewRedisImmunityStore(res.rdb, store.WithKeyPrefix(cfg.KeyPrefix))
	default:
		res.tasks = store.NewMemoryTaskStore()
		res.immunity = store.NewMemoryImmunityStore()
		log.Warn().Msg("memory store selected, pending tasks will not survive a restart")
	}
	return res, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := store.EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// connectRedis pings until the server answers or the connect timeout passes.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	rdb := redis.NewClient(opts)
	for {
		err := rdb.Ping(ctx).Err()
		if err == nil {
			return rdb, nil
		}
		log.Warn().Err(err).Msg("redis not ready, retrying")
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, errors.Join(errors.New("redis not ready"), err)
		case <-time.After(redisRetryInterval):
		}
	}
}
