/*
scheduler.go - Daily reprocess scheduler

PURPOSE:
  Once per UTC day, enqueues a full-day recompute of yesterday and today
  for every active tenant. Yesterday's pass finalizes the closed day after
  any late-arriving events; today's keeps the current day fresh.

DESIGN:
  - Ticker loop checks more often than once a day; the scheduler_runs
    claim makes the enqueue fire exactly once per (job, date)
  - The claim survives restarts: a process bouncing at 23:59 and again at
    00:01 neither double-fires nor skips a day
  - Enqueue dedupe makes the operation safe even if claims raced

USAGE:
  scheduler := NewDailyReprocessScheduler(queue, store, store)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - queue.go: job identity and dedupe
  - reconcile/scheduler.go: the daily validation counterpart
*/
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/metrics-engine/metrics"
)

// DailyReprocessJobName keys the scheduler_runs claim.
const DailyReprocessJobName = "daily-reprocess"

// RunStore records that a named job fired for a date. Claim wins at most
// once per (job, date) across process restarts.
type RunStore interface {
	ClaimRun(ctx context.Context, jobName string, dateKey metrics.DateKey) (bool, error)
}

// DailyReprocessScheduler enqueues the daily recompute jobs.
type DailyReprocessScheduler struct {
	Queue         *Queue
	Tenants       metrics.TenantRegistry
	Runs          RunStore
	CheckInterval time.Duration
	Enabled       bool

	now    func() time.Time
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDailyReprocessScheduler creates a new scheduler.
func NewDailyReprocessScheduler(queue *Queue, tenants metrics.TenantRegistry, runs RunStore) *DailyReprocessScheduler {
	return &DailyReprocessScheduler{
		Queue:         queue,
		Tenants:       tenants,
		Runs:          runs,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		now:           time.Now,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *DailyReprocessScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[DailyReprocess] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[DailyReprocess] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the scheduler.
func (s *DailyReprocessScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[DailyReprocess] Stopped")
	}
}

func (s *DailyReprocessScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndEnqueue()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndEnqueue()
		case <-s.stop:
			return
		}
	}
}

func (s *DailyReprocessScheduler) checkAndEnqueue() {
	ctx := context.Background()
	today := metrics.DateKeyOf(s.now())

	tenants, err := s.Tenants.ActiveTenants(ctx)
	if err != nil {
		log.Printf("[DailyReprocess] Error listing tenants: %v", err)
		return
	}

	claimed, err := s.Runs.ClaimRun(ctx, DailyReprocessJobName, today)
	if err != nil {
		log.Printf("[DailyReprocess] Error claiming run for %s: %v", today, err)
		return
	}
	if !claimed {
		return
	}

	enqueued := 0
	for _, tenant := range tenants {
		for _, day := range []metrics.DateKey{today.AddDays(-1), today} {
			if s.Queue.Enqueue(NewDailyReprocessJob(tenant, day)) {
				enqueued++
			}
		}
	}
	log.Printf("[DailyReprocess] %s: enqueued %d jobs across %d tenants", today, enqueued, len(tenants))
}

// RunNow triggers an immediate check (for testing/admin). The per-date
// claim still applies.
func (s *DailyReprocessScheduler) RunNow() {
	s.checkAndEnqueue()
}
