/*
Package jobs runs the background recompute pipeline.

PURPOSE:
  An in-process job queue with the semantics the rollup pipeline needs:
  - Deduplication: a job identical to one already pending is a no-op
  - Bounded retry: transient handler failures retry with exponential
    backoff, a capped number of times
  - Poison messages: malformed payloads are logged and dropped, never
    retried
  - Lock skips: a job that loses the tenant-day lock is a silent no-op,
    not a failure

JOB IDENTITY:
  kind + tenant + (opportunity id | date key). Two stage changes on the
  same opportunity while a recompute is pending collapse into one job; two
  daily reprocesses of the same tenant day collapse likewise.

DESIGN:
  - Fixed worker pool draining one buffered channel
  - Enqueue never blocks: a full buffer drops the job and bumps a counter
  - Retry policy lives here, not in handlers; handlers classify errors
    (ErrInvalidPayload, ErrLockHeld) and the queue decides what to do

SEE ALSO:
  - handlers.go: the recompute handler behind both job kinds
  - scheduler.go: the daily enqueue loop
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/warp/metrics-engine/metrics"
)

// Errors handlers use to classify failures. The queue never retries either.
var (
	// ErrInvalidPayload marks a poison message: warn and drop.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrLockHeld marks a lost lock race: silent no-op.
	ErrLockHeld = errors.New("tenant-day lock held")
)

// Kind discriminates job payloads.
type Kind string

const (
	// KindStageEvent recomputes the day touched by one stage change.
	KindStageEvent Kind = "stage_event_recompute"

	// KindDailyReprocess recomputes a whole tenant day.
	KindDailyReprocess Kind = "daily_reprocess"
)

// Job is one unit of recompute work.
type Job struct {
	Kind          Kind
	Tenant        metrics.TenantID
	OpportunityID string // stage-event jobs only
	DateKey       metrics.DateKey
}

// NewStageEventJob builds the recompute job for a stage change observed at
// the given instant.
func NewStageEventJob(tenant metrics.TenantID, opportunityID string, at time.Time) Job {
	return Job{
		Kind:          KindStageEvent,
		Tenant:        tenant,
		OpportunityID: opportunityID,
		DateKey:       metrics.DateKeyOf(at),
	}
}

// NewDailyReprocessJob builds the full-day recompute job for one tenant day.
func NewDailyReprocessJob(tenant metrics.TenantID, day metrics.DateKey) Job {
	return Job{Kind: KindDailyReprocess, Tenant: tenant, DateKey: day}
}

// ID is the deduplication identity: stage-event jobs collapse per
// opportunity, daily jobs per date.
func (j Job) ID() string {
	suffix := string(j.DateKey)
	if j.Kind == KindStageEvent {
		suffix = j.OpportunityID
	}
	return fmt.Sprintf("%s:%s:%s", j.Kind, j.Tenant, suffix)
}

// HandlerFunc processes one job. Classify unrecoverable conditions with
// ErrInvalidPayload or ErrLockHeld; any other error is retried.
type HandlerFunc func(ctx context.Context, job Job) error

// Queue is the deduplicating worker pool.
type Queue struct {
	Handler     HandlerFunc
	Workers     int
	MaxAttempts uint

	// RetryInitialInterval overrides the first backoff delay (tests).
	RetryInitialInterval time.Duration

	jobs    chan Job
	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// NewQueue creates a queue with the given handler and buffer size.
func NewQueue(handler HandlerFunc, workers, bufferSize int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Queue{
		Handler:     handler,
		Workers:     workers,
		MaxAttempts: 3,
		jobs:        make(chan Job, bufferSize),
		pending:     make(map[string]struct{}),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started = true

	for i := 0; i < q.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	log.Printf("[Queue] Started %d workers (buffer %d, max attempts %d)",
		q.Workers, cap(q.jobs), q.MaxAttempts)
}

// Stop cancels in-flight work and waits for the workers to exit. Buffered
// jobs that never started are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	// Wait outside the mutex: a worker settling its last job needs it to
	// release the dedupe slot.
	cancel()
	q.wg.Wait()
	log.Println("[Queue] Stopped")
}

// Enqueue submits a job. Returns false when an identical job is already
// pending or the buffer is full; neither case blocks the caller.
func (q *Queue) Enqueue(job Job) bool {
	id := job.ID()
	kind := string(job.Kind)

	q.mu.Lock()
	if _, dup := q.pending[id]; dup {
		q.mu.Unlock()
		jobsDeduped.WithLabelValues(kind).Inc()
		return false
	}
	q.pending[id] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		jobsEnqueued.WithLabelValues(kind).Inc()
		return true
	default:
		q.release(id)
		jobsDropped.WithLabelValues(kind).Inc()
		log.Printf("[Queue] Buffer full, dropping job %s", id)
		return false
	}
}

// PendingCount reports jobs accepted but not yet finished (tests, health).
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

// process runs one job through the retry policy. The dedupe slot is held
// until the job fully settles, so a burst of identical events collapses
// into at most one queued follow-up.
func (q *Queue) process(ctx context.Context, job Job) {
	defer q.release(job.ID())
	kind := string(job.Kind)
	start := time.Now()

	expo := backoff.NewExponentialBackOff()
	if q.RetryInitialInterval > 0 {
		expo.InitialInterval = q.RetryInitialInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := q.Handler(ctx, job)
		if err != nil && (errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrLockHeld)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(q.MaxAttempts))

	jobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		jobsCompleted.WithLabelValues(kind).Inc()
	case errors.Is(err, ErrLockHeld):
		jobsSkipped.WithLabelValues(kind).Inc()
	case errors.Is(err, ErrInvalidPayload):
		jobsInvalid.WithLabelValues(kind).Inc()
		log.Printf("[Queue] Dropping poison job %s: %v", job.ID(), err)
	default:
		jobsFailed.WithLabelValues(kind).Inc()
		log.Printf("[Queue] Job %s failed after %d attempts: %v", job.ID(), q.MaxAttempts, err)
	}
}
