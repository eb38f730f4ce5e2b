/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Metrics Engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Initialize SQLite store
  3. Build the aggregation engine, cache, and flag resolver
  4. Start the reconciliation validator and the recompute queue
  5. Start both schedulers (daily reprocess, validation sweep)
  6. Start the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain timeout)
  2. Stop schedulers, queue, and validator in dependency order
  3. Close database connection
  4. Exit

ENVIRONMENT:
  See config/config.go for the full list of variables. Everything has a
  local-development default; only DB_PATH and PORT are commonly set.

EXAMPLES:
  # Run with file database
  DB_PATH=./data/metrics.db ./server

  # Run with in-memory database on another port
  DB_PATH=":memory:" PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/metrics-engine/api"
	"github.com/warp/metrics-engine/cache"
	"github.com/warp/metrics-engine/config"
	"github.com/warp/metrics-engine/dashboard"
	"github.com/warp/metrics-engine/flags"
	"github.com/warp/metrics-engine/jobs"
	"github.com/warp/metrics-engine/metrics"
	"github.com/warp/metrics-engine/reconcile"
	"github.com/warp/metrics-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Aggregation engine over the raw CRM tables
	engine := metrics.NewEngine(store, store)
	engine.LimitDays = cfg.RecomputeLimitDays
	engine.StalledDays = cfg.StalledDays

	// Read cache and flag gate
	ttlCache := cache.New(cfg.CacheTTL, cfg.CacheMaxEntries)
	resolver := flags.NewResolver(store)

	// Reconciliation validator (async V1/V2 comparisons)
	validator := reconcile.NewValidator(store, store, store)
	validator.ThresholdPct = decimal.NewFromInt(int64(cfg.DivergenceThresholdPct))
	validator.Cooldown = cfg.ComparisonCooldown
	validator.Start()
	defer validator.Stop()

	// Recompute queue
	recomputer := jobs.NewRecomputer(engine, store, ttlCache)
	recomputer.StageLockTTL = cfg.StageLockTTL
	recomputer.DailyLockTTL = cfg.DailyLockTTL
	queue := jobs.NewQueue(recomputer.Handle, cfg.QueueWorkers, cfg.QueueBufferSize)
	queue.MaxAttempts = cfg.QueueMaxAttempts
	queue.Start()
	defer queue.Stop()

	// Dashboard read facade
	svc := dashboard.NewService(store, engine, ttlCache, resolver, validator)

	// Schedulers
	reprocess := jobs.NewDailyReprocessScheduler(queue, store, store)
	reprocess.Enabled = cfg.ReprocessEnabled
	reprocess.CheckInterval = cfg.ReprocessCheckInterval
	reprocess.Start()
	defer reprocess.Stop()

	sweep := reconcile.NewValidationScheduler(validator, store, store)
	sweep.Enabled = cfg.ValidationEnabled
	sweep.HourUTC = cfg.ValidationHourUTC
	sweep.MinuteUTC = cfg.ValidationMinuteUTC
	sweep.WindowDays = cfg.ValidationWindowDays
	sweep.Start()
	defer sweep.Stop()

	// HTTP surface
	handler := api.NewHandler(store, svc, resolver, queue)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", cfg.Port)
		log.Printf("📊 API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
