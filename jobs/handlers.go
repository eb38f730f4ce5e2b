/*
handlers.go - The recompute handler behind both job kinds

PURPOSE:
  Validates a job payload, takes the tenant-day lock, recomputes the day's
  rollups, and invalidates the tenant's cache prefix. Cache invalidation
  happens only after every rollup kind of the day has been replaced, so
  readers never warm the cache from a half-written day.

ERROR CLASSIFICATION:
  - Malformed payload        -> ErrInvalidPayload (queue drops, no retry)
  - Lock held by another run -> ErrLockHeld (queue skips silently)
  - Anything else            -> returned as-is (queue retries with backoff)
*/
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/warp/metrics-engine/cache"
	"github.com/warp/metrics-engine/metrics"
)

// Recomputer is the HandlerFunc provider wired into the queue.
type Recomputer struct {
	Engine       *metrics.Engine
	Locks        LockStore
	Cache        cache.Cache
	StageLockTTL time.Duration
	DailyLockTTL time.Duration
}

// NewRecomputer creates a handler with default lock TTLs.
func NewRecomputer(engine *metrics.Engine, locks LockStore, c cache.Cache) *Recomputer {
	return &Recomputer{
		Engine:       engine,
		Locks:        locks,
		Cache:        c,
		StageLockTTL: DefaultStageLockTTL,
		DailyLockTTL: DefaultDailyLockTTL,
	}
}

// Handle processes one job end to end.
func (r *Recomputer) Handle(ctx context.Context, job Job) error {
	if job.Tenant == "" {
		return fmt.Errorf("%w: missing tenant", ErrInvalidPayload)
	}
	if job.DateKey.Time().IsZero() {
		return fmt.Errorf("%w: bad date key %q", ErrInvalidPayload, job.DateKey)
	}

	var (
		lockKey string
		ttl     time.Duration
	)
	switch job.Kind {
	case KindStageEvent:
		if job.OpportunityID == "" {
			return fmt.Errorf("%w: missing opportunity id", ErrInvalidPayload)
		}
		lockKey, ttl = StageLockKey(job.Tenant, job.DateKey), r.StageLockTTL
	case KindDailyReprocess:
		lockKey, ttl = DailyLockKey(job.Tenant, job.DateKey), r.DailyLockTTL
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, job.Kind)
	}

	ok, err := r.Locks.AcquireLock(ctx, lockKey, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return ErrLockHeld
	}

	if err := r.Engine.RecomputeDay(ctx, job.Tenant, job.DateKey); err != nil {
		// Give the lock back before surfacing the retryable error. Without
		// this every backoff retry would find its own lock held and skip,
		// turning a transient source failure into a lost day.
		if relErr := r.Locks.ReleaseLock(ctx, lockKey); relErr != nil {
			log.Printf("[Recompute] Release %s after failure: %v", lockKey, relErr)
		}
		return fmt.Errorf("recompute %s/%s: %w", job.Tenant, job.DateKey, err)
	}

	if r.Cache != nil {
		r.Cache.InvalidateByPrefix(cache.TenantPrefix(string(job.Tenant)))
	}
	return nil
}
