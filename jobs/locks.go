/*
locks.go - Per-tenant-per-day lock keys and TTLs

PURPOSE:
  Serializes recomputation of one (tenant, day): two workers racing on the
  same day must not both run, and the loser must no-op silently.

DESIGN:
  - Locks are a single non-blocking attempt; there is no waiting
  - On success the TTL is the release, so a crashed worker can never wedge
    a tenant's day. A failed recompute releases its lock explicitly so the
    retry can re-acquire it instead of hitting its own lock
  - Stage-event recomputes take a short lock (they are cheap and frequent);
    daily reprocess takes a long one (it covers the whole backfill window)
*/
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/metrics-engine/metrics"
)

const (
	// DefaultStageLockTTL covers one stage-event recompute.
	DefaultStageLockTTL = 60 * time.Second

	// DefaultDailyLockTTL covers one daily reprocess of a tenant day.
	DefaultDailyLockTTL = 6 * time.Hour
)

// LockStore grants TTL locks. Acquire is one attempt: false means the lock
// is held and its TTL has not lapsed. Release drops the lock early; callers
// use it only on failure paths, success relies on expiry.
type LockStore interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// StageLockKey names the lock for a stage-event recompute of one tenant day.
func StageLockKey(tenant metrics.TenantID, day metrics.DateKey) string {
	return fmt.Sprintf("lock:stage:%s:%s", tenant, day)
}

// DailyLockKey names the lock for a daily reprocess of one tenant day.
func DailyLockKey(tenant metrics.TenantID, day metrics.DateKey) string {
	return fmt.Sprintf("lock:daily:%s:%s", tenant, day)
}
