package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"delayflow/internal/api"
	"delayflow/internal/broker"
	"delayflow/internal/config"
	"delayflow/internal/duration"
	webhook "delayflow/internal/handlers/http"
	"delayflow/internal/handlers/shell"
	"delayflow/internal/immunity"
	"delayflow/internal/scheduler"
	"delayflow/internal/store"
	"delayflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	flag.StringVar(&cfg.DB, "db", cfg.DB, "SQLite DB path")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "scheduling backend: inprocess or broker")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "record store: sqlite, redis or memory")
	flag.IntVar(&cfg.ConsumerWorkers, "workers", cfg.ConsumerWorkers, "broker consumer goroutines")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "expose pprof handlers")
	flag.Parse()

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("delayflow stopped")
	}
	log.Info().Msg("bye")
}

func setupLogger(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg config.Config) error {
	res, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	imm := immunity.NewService(res.immunity, nil)
	schedCfg := scheduler.Config{
		Tasks:          res.tasks,
		Immunity:       imm,
		Listener:       listeners(cfg),
		Warn:           scheduler.WarnPolicy{Threshold: cfg.WarnThreshold, Lead: cfg.WarnLead},
		RetentionGrace: cfg.RetentionGrace,
	}

	g, gctx := errgroup.WithContext(ctx)

	var backend scheduler.Backend
	switch cfg.Backend {
	case config.BackendBroker:
		rb := broker.NewRedis(res.rdb, broker.Config{
			Prefix:       cfg.KeyPrefix,
			Block:        cfg.BrokerBlock,
			ReclaimAfter: cfg.BrokerReclaimAfter,
		})
		if err := rb.EnsureGroup(ctx); err != nil {
			return err
		}
		b := scheduler.NewBroker(schedCfg, rb)
		pool := worker.NewPool(rb, b.Consumer(), cfg.ConsumerWorkers, cfg.BrokerPoll)
		g.Go(func() error { return rb.RunPromoter(gctx, cfg.BrokerPoll) })
		g.Go(func() error { return pool.Run(gctx) })
		backend = b
	default:
		p := scheduler.NewInProcess(schedCfg)
		if _, err := p.Recover(ctx); err != nil {
			return err
		}
		backend = p
	}

	if res.purger != nil {
		sweeper := store.NewSweeper(res.purger, cfg.SweepSpec)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	sched := scheduler.New(backend, duration.Limits{Min: cfg.MinDelay, Max: cfg.MaxDelay})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServerWithDebug(sched, imm, cfg.Debug),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Str("store", cfg.Store).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		return errors.Join(httpErr, sched.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// listeners builds the action sinks from config. Without any, events are only logged.
func listeners(cfg config.Config) scheduler.Listener {
	var ls scheduler.Listeners
	if cfg.WebhookURL != "" {
		ls = append(ls, webhook.New(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	if cfg.HookCommand != "" {
		ls = append(ls, shell.Shell{Command: cfg.HookCommand})
	}
	if len(ls) == 0 {
		log.Warn().Msg("no action sink configured, fired tasks are only logged")
	}
	return ls
}
