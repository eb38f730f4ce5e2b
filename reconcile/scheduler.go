/*
scheduler.go - Daily validation sweep

PURPOSE:
  Once per UTC day, at a configured hh:mm, runs an unfiltered V1/V2
  comparison over the trailing window for every tenant exposed to the new
  dashboard (flag enabled or rollout > 0). Tenants not exposed have no V2
  readers, so comparing them would only burn source queries.

DESIGN:
  - Ticker loop checks every minute; the scheduler_runs claim fires the
    sweep exactly once per day even across restarts
  - One tenant failing never stops the sweep: log and continue

USAGE:
  scheduler := NewValidationScheduler(validator, store, store)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/metrics-engine/flags"
	"github.com/warp/metrics-engine/jobs"
	"github.com/warp/metrics-engine/metrics"
)

// ValidationJobName keys the scheduler_runs claim.
const ValidationJobName = "validation-sweep"

// DefaultWindowDays is the trailing comparison window.
const DefaultWindowDays = 30

// FlagLister narrows flags.Store to the sweep population query.
type FlagLister interface {
	TenantsWithFlag(ctx context.Context, flagKey string) ([]string, error)
}

// ValidationScheduler runs the daily sweep.
type ValidationScheduler struct {
	Validator     *Validator
	Flags         FlagLister
	Runs          jobs.RunStore
	HourUTC       int
	MinuteUTC     int
	WindowDays    int
	CheckInterval time.Duration
	Enabled       bool

	now    func() time.Time
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewValidationScheduler creates a scheduler firing at 06:00 UTC.
func NewValidationScheduler(validator *Validator, lister FlagLister, runs jobs.RunStore) *ValidationScheduler {
	return &ValidationScheduler{
		Validator:     validator,
		Flags:         lister,
		Runs:          runs,
		HourUTC:       6,
		WindowDays:    DefaultWindowDays,
		CheckInterval: time.Minute,
		Enabled:       true,
		now:           time.Now,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *ValidationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Validation] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Validation] Started, firing daily at %02d:%02d UTC", s.HourUTC, s.MinuteUTC)
}

// Stop stops the scheduler.
func (s *ValidationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Validation] Stopped")
	}
}

func (s *ValidationScheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndSweep()
		case <-s.stop:
			return
		}
	}
}

func (s *ValidationScheduler) checkAndSweep() {
	now := s.now().UTC()
	fireAt := time.Date(now.Year(), now.Month(), now.Day(), s.HourUTC, s.MinuteUTC, 0, 0, time.UTC)
	if now.Before(fireAt) {
		return
	}

	ctx := context.Background()
	today := metrics.DateKeyOf(now)

	claimed, err := s.Runs.ClaimRun(ctx, ValidationJobName, today)
	if err != nil {
		log.Printf("[Validation] Error claiming run for %s: %v", today, err)
		return
	}
	if !claimed {
		return
	}

	s.Sweep(ctx, now)
}

// Sweep compares every exposed tenant over the trailing window ending at
// the given instant's day.
func (s *ValidationScheduler) Sweep(ctx context.Context, at time.Time) {
	windowDays := s.WindowDays
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	end := metrics.DateKeyOf(at)
	start := end.AddDays(-(windowDays - 1))
	rng := metrics.DateRange{Start: start.Time(), End: end.Time().AddDate(0, 0, 1)}

	tenants, err := s.Flags.TenantsWithFlag(ctx, flags.DefaultFlagKey)
	if err != nil {
		log.Printf("[Validation] Error listing exposed tenants: %v", err)
		return
	}

	failed := 0
	for _, tenant := range tenants {
		if err := s.Validator.ValidateTenant(ctx, metrics.TenantID(tenant), rng); err != nil {
			failed++
			log.Printf("[Validation] Tenant %s failed: %v", tenant, err)
		}
	}
	log.Printf("[Validation] Swept %d tenants over %s (%d failed)", len(tenants), rng.PeriodKey(), failed)
}
