package jobs_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/metrics-engine/jobs"
	"github.com/warp/metrics-engine/metrics"
)

// =============================================================================
// DEDUPLICATION
// =============================================================================

func TestEnqueue_DuplicatePendingIsNoOp(t *testing.T) {
	// GIVEN: a queue that is not draining (workers not started)
	// WHEN: enqueueing the same logical job twice
	// THEN: the second enqueue reports a no-op

	q := jobs.NewQueue(func(context.Context, jobs.Job) error { return nil }, 1, 16)

	assert.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")))
	assert.False(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")))
	assert.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-11")), "different date is a different job")
	assert.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-b", "2025-03-10")), "different tenant is a different job")
	assert.Equal(t, 3, q.PendingCount())
}

func TestJobID_StageEventCollapsesPerOpportunity(t *testing.T) {
	at1 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	at2 := time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)

	j1 := jobs.NewStageEventJob("tenant-a", "opp-1", at1)
	j2 := jobs.NewStageEventJob("tenant-a", "opp-1", at2)
	j3 := jobs.NewStageEventJob("tenant-a", "opp-2", at1)

	assert.Equal(t, j1.ID(), j2.ID(), "same opportunity same day collapses")
	assert.NotEqual(t, j1.ID(), j3.ID())
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestQueue_TransientFailureRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	q := jobs.NewQueue(func(context.Context, jobs.Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("source hiccup")
		}
		return nil
	}, 1, 16)
	q.RetryInitialInterval = time.Millisecond
	q.Start()
	defer q.Stop()

	require.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")))

	assert.Eventually(t, func() bool {
		return attempts.Load() == 3 && q.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_PoisonJobIsNeverRetried(t *testing.T) {
	var attempts atomic.Int32
	q := jobs.NewQueue(func(context.Context, jobs.Job) error {
		attempts.Add(1)
		return jobs.ErrInvalidPayload
	}, 1, 16)
	q.RetryInitialInterval = time.Millisecond
	q.Start()
	defer q.Stop()

	require.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")))

	assert.Eventually(t, func() bool { return q.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "poison messages get exactly one attempt")
}

func TestQueue_LockSkipIsNotAFailure(t *testing.T) {
	var attempts atomic.Int32
	q := jobs.NewQueue(func(context.Context, jobs.Job) error {
		attempts.Add(1)
		return jobs.ErrLockHeld
	}, 1, 16)
	q.RetryInitialInterval = time.Millisecond
	q.Start()
	defer q.Stop()

	require.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")))

	assert.Eventually(t, func() bool { return q.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "lost lock races are not retried")
}

func TestQueue_ReEnqueueAfterSettlementWorks(t *testing.T) {
	var runs atomic.Int32
	q := jobs.NewQueue(func(context.Context, jobs.Job) error {
		runs.Add(1)
		return nil
	}, 1, 16)
	q.Start()
	defer q.Stop()

	job := jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")
	require.True(t, q.Enqueue(job))
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.True(t, q.Enqueue(job), "identity frees up once the job settles")
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func TestQueue_StopReturnsWithJobInFlight(t *testing.T) {
	// GIVEN: a single worker in the middle of a job
	// WHEN: Stop is called
	// THEN: Stop returns once the job settles; the settling worker needs
	//       the queue mutex to drop its dedupe slot, so Stop must not hold
	//       it across the wait

	started := make(chan struct{})
	q := jobs.NewQueue(func(context.Context, jobs.Job) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil
	}, 1, 4)
	q.Start()
	require.True(t, q.Enqueue(jobs.NewDailyReprocessJob("tenant-a", "2025-03-10")))
	<-started

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with a job in flight")
	}
	assert.Equal(t, 0, q.PendingCount())
}

// =============================================================================
// DAILY REPROCESS SCHEDULER
// =============================================================================

type fakeRegistry struct{ tenants []metrics.TenantID }

func (f fakeRegistry) ActiveTenants(context.Context) ([]metrics.TenantID, error) {
	return f.tenants, nil
}

type fakeRuns struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func (f *fakeRuns) ClaimRun(_ context.Context, jobName string, dateKey metrics.DateKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := jobName + "/" + string(dateKey)
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func TestDailyReprocessScheduler_FiresOncePerDay(t *testing.T) {
	// GIVEN: two tenants and a claimable run date
	// WHEN: the check fires twice on the same day
	// THEN: yesterday+today jobs are enqueued per tenant exactly once

	q := jobs.NewQueue(func(context.Context, jobs.Job) error { return nil }, 1, 16)
	s := jobs.NewDailyReprocessScheduler(q,
		fakeRegistry{tenants: []metrics.TenantID{"tenant-a", "tenant-b"}},
		&fakeRuns{claimed: make(map[string]bool)})

	s.RunNow()
	assert.Equal(t, 4, q.PendingCount(), "2 tenants x (yesterday, today)")

	s.RunNow()
	assert.Equal(t, 4, q.PendingCount(), "second check on the same day is a no-op")
}
