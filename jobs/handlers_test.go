package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/metrics-engine/cache"
	"github.com/warp/metrics-engine/jobs"
	"github.com/warp/metrics-engine/metrics"
	memstore "github.com/warp/metrics-engine/metrics/store"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type memLocks struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]time.Time)}
}

func (l *memLocks) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.held[key]; ok && exp.After(now) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *memLocks) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// flakySource fails ProposalsBetween a set number of times, then delegates.
type flakySource struct {
	*memstore.Memory
	mu    sync.Mutex
	fails int
}

func (f *flakySource) ProposalsBetween(ctx context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("source unavailable")
	}
	return f.Memory.ProposalsBetween(ctx, tenant, from, to)
}

func newRecomputer(t *testing.T, mem *memstore.Memory, c cache.Cache) (*jobs.Recomputer, *memLocks) {
	t.Helper()
	locks := newMemLocks()
	r := jobs.NewRecomputer(metrics.NewEngine(mem, mem), locks, c)
	return r, locks
}

// =============================================================================
// PAYLOAD VALIDATION
// =============================================================================

func TestHandle_InvalidPayloads(t *testing.T) {
	r, _ := newRecomputer(t, memstore.NewMemory(), cache.Nop{})
	ctx := context.Background()

	cases := []struct {
		name string
		job  jobs.Job
	}{
		{"missing tenant", jobs.Job{Kind: jobs.KindDailyReprocess, DateKey: "2025-03-10"}},
		{"bad date key", jobs.Job{Kind: jobs.KindDailyReprocess, Tenant: "tenant-a", DateKey: "not-a-date"}},
		{"stage event without opportunity", jobs.Job{Kind: jobs.KindStageEvent, Tenant: "tenant-a", DateKey: "2025-03-10"}},
		{"unknown kind", jobs.Job{Kind: "mystery", Tenant: "tenant-a", DateKey: "2025-03-10"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Handle(ctx, tc.job)
			assert.ErrorIs(t, err, jobs.ErrInvalidPayload)
		})
	}
}

// =============================================================================
// LOCKING
// =============================================================================

func TestHandle_LockHeldIsSilentSkip(t *testing.T) {
	// GIVEN: another worker holds the daily lock for the tenant day
	// WHEN: handling the same day's job
	// THEN: ErrLockHeld, and no rollup rows are written

	mem := memstore.NewMemory()
	r, locks := newRecomputer(t, mem, cache.Nop{})
	ctx := context.Background()
	day := metrics.DateKey("2025-03-10")

	ok, err := locks.AcquireLock(ctx, jobs.DailyLockKey("tenant-a", day), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = r.Handle(ctx, jobs.NewDailyReprocessJob("tenant-a", day))
	assert.ErrorIs(t, err, jobs.ErrLockHeld)

	rows, err := mem.RevenueSummaries(ctx, "tenant-a", day, day)
	require.NoError(t, err)
	assert.Empty(t, rows, "loser must not touch the day")
}

func TestHandle_StageAndDailyLocksAreIndependent(t *testing.T) {
	mem := memstore.NewMemory()
	r, locks := newRecomputer(t, mem, cache.Nop{})
	ctx := context.Background()
	day := metrics.DateKey("2025-03-10")

	ok, err := locks.AcquireLock(ctx, jobs.StageLockKey("tenant-a", day), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stage lock does not block a daily reprocess of the same day.
	err = r.Handle(ctx, jobs.NewDailyReprocessJob("tenant-a", day))
	assert.NoError(t, err)
}

func TestHandle_FailureReleasesLock(t *testing.T) {
	// GIVEN: a source that always fails
	// WHEN: the handler's recompute errors out
	// THEN: the lock is free again for the next attempt

	src := &flakySource{Memory: memstore.NewMemory(), fails: 100}
	locks := newMemLocks()
	r := jobs.NewRecomputer(metrics.NewEngine(src, src.Memory), locks, cache.Nop{})
	ctx := context.Background()
	day := metrics.DateKey("2025-03-10")

	err := r.Handle(ctx, jobs.NewDailyReprocessJob("tenant-a", day))
	require.Error(t, err)
	assert.NotErrorIs(t, err, jobs.ErrLockHeld)

	ok, err := locks.AcquireLock(ctx, jobs.DailyLockKey("tenant-a", day), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "failed run must not keep its lock")
}

func TestHandle_TransientFailureRetriesThroughLock(t *testing.T) {
	// GIVEN: the real handler behind the queue and a source failing once
	// WHEN: the queue runs the job with bounded retry
	// THEN: the retry re-acquires the released lock and the day lands

	mem := memstore.NewMemory()
	day := metrics.DateKey("2025-03-10")
	mem.AddProposal(metrics.Proposal{
		Tenant: "tenant-a", VendorID: "v1", Status: "aprovada",
		Total: decimal.NewFromInt(500), CreatedAt: day.Time().Add(10 * time.Hour),
	})
	src := &flakySource{Memory: mem, fails: 1}
	locks := newMemLocks()
	r := jobs.NewRecomputer(metrics.NewEngine(src, mem), locks, cache.Nop{})

	q := jobs.NewQueue(r.Handle, 1, 4)
	q.RetryInitialInterval = time.Millisecond
	q.Start()
	defer q.Stop()

	require.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", day)))

	assert.Eventually(t, func() bool {
		rows, err := mem.RevenueSummaries(context.Background(), "tenant-a", day, day)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond, "transient failure must not lose the day")
}

// =============================================================================
// RECOMPUTE + CACHE INVALIDATION
// =============================================================================

func TestHandle_RecomputesDayAndInvalidatesTenantCache(t *testing.T) {
	// GIVEN: raw records for the day and warm cache entries for two tenants
	// WHEN: handling the daily job for tenant-a
	// THEN: rollups exist and only tenant-a's cache entries are dropped

	mem := memstore.NewMemory()
	day := metrics.DateKey("2025-03-10")
	mem.AddOpportunity(metrics.Opportunity{
		ID: "opp-1", Tenant: "tenant-a", Stage: "proposta",
		Value: decimal.NewFromInt(1000), Probability: decimal.NewFromInt(40),
		CreatedAt: day.Time().Add(9 * time.Hour),
	})

	c := cache.New(time.Minute, 16)
	c.Set("tenant-a:p:overview:x", cache.Entry{Data: 1})
	c.Set("tenant-b:p:overview:y", cache.Entry{Data: 2})

	r, _ := newRecomputer(t, mem, c)
	require.NoError(t, r.Handle(context.Background(), jobs.NewDailyReprocessJob("tenant-a", day)))

	rows, err := mem.PipelineSnapshot(context.Background(), "tenant-a", day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Count)

	_, ok := c.Get("tenant-a:p:overview:x")
	assert.False(t, ok, "tenant-a prefix invalidated")
	_, ok = c.Get("tenant-b:p:overview:y")
	assert.True(t, ok, "other tenants untouched")
}
