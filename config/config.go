/*
Package config loads the service tunables from the environment.

PURPOSE:
  One flat struct, parsed once at startup. Every knob has a default that
  works for local development; production overrides via environment
  variables.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every runtime tunable.
type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"./data/metrics.db"`

	// Aggregation
	RecomputeLimitDays int `env:"RECOMPUTE_LIMIT_DAYS" envDefault:"120"`
	StalledDays        int `env:"STALLED_DAYS" envDefault:"3"`

	// Cache
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"90s"`
	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"4096"`

	// Job queue
	QueueWorkers     int           `env:"QUEUE_WORKERS" envDefault:"4"`
	QueueBufferSize  int           `env:"QUEUE_BUFFER_SIZE" envDefault:"1024"`
	QueueMaxAttempts uint          `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	StageLockTTL     time.Duration `env:"STAGE_LOCK_TTL" envDefault:"60s"`
	DailyLockTTL     time.Duration `env:"DAILY_LOCK_TTL" envDefault:"6h"`

	// Daily reprocess scheduler
	ReprocessEnabled       bool          `env:"REPROCESS_ENABLED" envDefault:"true"`
	ReprocessCheckInterval time.Duration `env:"REPROCESS_CHECK_INTERVAL" envDefault:"15m"`

	// Reconciliation
	DivergenceThresholdPct int           `env:"DIVERGENCE_THRESHOLD_PCT" envDefault:"3"`
	ComparisonCooldown     time.Duration `env:"COMPARISON_COOLDOWN" envDefault:"1h"`
	ValidationEnabled      bool          `env:"VALIDATION_ENABLED" envDefault:"true"`
	ValidationHourUTC      int           `env:"VALIDATION_HOUR_UTC" envDefault:"6"`
	ValidationMinuteUTC    int           `env:"VALIDATION_MINUTE_UTC" envDefault:"0"`
	ValidationWindowDays   int           `env:"VALIDATION_WINDOW_DAYS" envDefault:"30"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
