// Package config loads delayflow settings from DELAYFLOW_* environment variables, reading a .env
// file first when one exists.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"delayflow/internal/store"
)

const envPrefix = "DELAYFLOW_"

var (
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrInvalidConfig = errors.New("invalid config")
)

const (
	BackendInProcess = "inprocess"
	BackendBroker    = "broker"

	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	Backend   string `env:"BACKEND" envDefault:"inprocess"`
	Store     string `env:"STORE" envDefault:"sqlite"`
	DB        string `env:"DB" envDefault:"delayflow.db"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"delayflow"`

	MinDelay       time.Duration `env:"MIN_DELAY" envDefault:"1s"`
	MaxDelay       time.Duration `env:"MAX_DELAY" envDefault:"720h"`
	RetentionGrace time.Duration `env:"RETENTION_GRACE" envDefault:"10m"`
	WarnThreshold  time.Duration `env:"WARN_THRESHOLD" envDefault:"0s"`
	WarnLead       time.Duration `env:"WARN_LEAD" envDefault:"0s"`

	BrokerPoll         time.Duration `env:"BROKER_POLL" envDefault:"250ms"`
	BrokerBlock        time.Duration `env:"BROKER_BLOCK" envDefault:"1s"`
	BrokerReclaimAfter time.Duration `env:"BROKER_RECLAIM_AFTER" envDefault:"1m"`
	ConsumerWorkers    int           `env:"CONSUMER_WORKERS" envDefault:"8"`

	SweepSpec string `env:"SWEEP_SPEC" envDefault:"*/5 * * * *"`

	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	HookCommand    string        `env:"HOOK_COMMAND"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"console"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Debug           bool          `env:"DEBUG"`
}

// Load reads the optional .env files (default ".env") and parses the environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}

// Validate checks the combinations the process cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendInProcess, BackendBroker:
	default:
		return fmt.Errorf("%w: backend %q", ErrInvalidConfig, c.Backend)
	}
	switch c.Store {
	case StoreSQLite, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("%w: store %q", ErrInvalidConfig, c.Store)
	}
	if c.Backend == BackendBroker && c.Store == StoreMemory {
		return fmt.Errorf("%w: the broker backend needs a shared store", ErrInvalidConfig)
	}
	if c.MaxDelay > 0 && c.MinDelay > c.MaxDelay {
		return fmt.Errorf("%w: min delay %s above max delay %s", ErrInvalidConfig, c.MinDelay, c.MaxDelay)
	}
	if (c.WarnThreshold > 0) != (c.WarnLead > 0) {
		return fmt.Errorf("%w: warn threshold and warn lead must be set together", ErrInvalidConfig)
	}
	if c.Store == StoreSQLite {
		if err := store.ValidateSpec(c.SweepSpec); err != nil {
			return fmt.Errorf("%w: sweep spec: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}
