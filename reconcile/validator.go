/*
Package reconcile cross-checks the rollup pipeline against the legacy
calculation path.

PURPOSE:
  The rollup tables (V2) are a rewrite of metrics previously computed
  straight from raw proposals (V1). While both paths are live, this package
  recomputes the V1 numbers on demand, compares them with the V2 numbers a
  dashboard read served, and appends a divergence record whenever the two
  disagree beyond a configured threshold.

DIVERGENCE MATH:
  pct = |v2 - v1| / max(|v1|, 1) * 100
  Recorded only when pct is STRICTLY greater than the threshold
  (default 3%). The max(...,1) floor keeps near-zero denominators from
  manufacturing infinite divergence.

COOLDOWN:
  One comparison per (tenant, vendor, period) per cooldown window
  (default 1h), so a dashboard being refreshed in a loop does not flood
  the divergence log. The cooldown map is swept at 3x the window.

ASYNC INTAKE:
  Dashboard reads submit comparison requests on a bounded channel and move
  on; a full channel drops the request. Validation must never sit on the
  read path's latency budget.

SEE ALSO:
  - scheduler.go: the daily full-population sweep
  - metrics/engine.go: ClosedRevenue/AvgCycleDays shared by both paths
*/
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/metrics-engine/metrics"
)

const (
	// DefaultThresholdPct is the divergence percentage above which a
	// record is written.
	DefaultThresholdPct = 3

	// DefaultCooldown spaces comparisons of one (tenant, vendor, period).
	DefaultCooldown = time.Hour

	// DefaultQueueSize bounds the async request channel.
	DefaultQueueSize = 256
)

// Metric keys written to the divergence log.
const (
	MetricClosedRevenue = "overview.closedRevenue"
	MetricAvgTicket     = "overview.avgTicket"
)

// DivergenceStore appends to the divergence log.
type DivergenceStore interface {
	AppendDivergence(ctx context.Context, d metrics.Divergence) error
}

// Request is one comparison submitted from the read path. V2 values are
// the numbers the dashboard actually served.
type Request struct {
	Tenant      metrics.TenantID
	Range       metrics.DateRange
	VendorID    string
	V2Closed    decimal.Decimal
	V2AvgTicket decimal.Decimal
}

// Validator recomputes V1 metrics and records divergences.
type Validator struct {
	Source       metrics.Source
	Rollups      metrics.RollupStore
	Divergences  DivergenceStore
	ThresholdPct decimal.Decimal
	Cooldown     time.Duration

	now       func() time.Time
	requests  chan Request
	mu        sync.Mutex
	lastRun   map[string]time.Time
	lastSweep time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewValidator creates a validator with default threshold, cooldown, and
// queue size.
func NewValidator(source metrics.Source, rollups metrics.RollupStore, divergences DivergenceStore) *Validator {
	return &Validator{
		Source:       source,
		Rollups:      rollups,
		Divergences:  divergences,
		ThresholdPct: decimal.NewFromInt(DefaultThresholdPct),
		Cooldown:     DefaultCooldown,
		now:          time.Now,
		requests:     make(chan Request, DefaultQueueSize),
		lastRun:      make(map[string]time.Time),
	}
}

// Start launches the async intake worker.
func (v *Validator) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.started = true
	v.wg.Add(1)
	go v.drain(ctx)
	log.Printf("[Reconcile] Started (threshold %s%%, cooldown %v)", v.ThresholdPct, v.Cooldown)
}

// Stop cancels the intake worker and waits for it to exit.
func (v *Validator) Stop() {
	v.mu.Lock()
	if !v.started {
		v.mu.Unlock()
		return
	}
	v.started = false
	cancel := v.cancel
	v.mu.Unlock()

	// Wait outside the mutex: a comparison in flight takes it in
	// claimCooldown.
	cancel()
	v.wg.Wait()
	log.Println("[Reconcile] Stopped")
}

// Submit queues a comparison without blocking. A full channel drops the
// request; validation is best-effort by design.
func (v *Validator) Submit(req Request) bool {
	select {
	case v.requests <- req:
		return true
	default:
		comparisonsDropped.Inc()
		return false
	}
}

func (v *Validator) drain(ctx context.Context) {
	defer v.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-v.requests:
			if err := v.CompareOverview(ctx, req); err != nil {
				log.Printf("[Reconcile] Comparison for %s failed: %v", req.Tenant, err)
			}
		}
	}
}

// CompareOverview recomputes the V1 overview numbers for the request's
// period and records any divergence beyond the threshold. Honors the
// cooldown; a suppressed comparison is not an error.
func (v *Validator) CompareOverview(ctx context.Context, req Request) error {
	if !v.claimCooldown(req) {
		comparisonsSuppressed.Inc()
		return nil
	}
	comparisonsRun.Inc()

	proposals, err := v.Source.ProposalsBetween(ctx, req.Tenant, req.Range.Start, req.Range.End)
	if err != nil {
		return fmt.Errorf("load proposals for %s: %w", req.Tenant, err)
	}
	if req.VendorID != "" {
		filtered := proposals[:0]
		for _, p := range proposals {
			if p.VendorID == req.VendorID {
				filtered = append(filtered, p)
			}
		}
		proposals = filtered
	}

	v1Closed, v1AvgTicket := metrics.ClosedRevenue(proposals)

	checks := []struct {
		key    string
		v1, v2 decimal.Decimal
	}{
		{MetricClosedRevenue, v1Closed, req.V2Closed},
		{MetricAvgTicket, v1AvgTicket, req.V2AvgTicket},
	}
	for _, c := range checks {
		pct := DivergencePct(c.v1, c.v2)
		if !pct.GreaterThan(v.ThresholdPct) {
			continue
		}
		divergencesRecorded.Inc()
		log.Printf("[Reconcile] Divergence %s for %s (%s): v1=%s v2=%s (%s%%)",
			c.key, req.Tenant, req.Range.PeriodKey(), c.v1, c.v2, pct)
		err := v.Divergences.AppendDivergence(ctx, metrics.Divergence{
			Tenant:        req.Tenant,
			MetricKey:     c.key,
			PeriodStart:   req.Range.StartKey(),
			PeriodEnd:     req.Range.EndKey(),
			V1Value:       c.v1,
			V2Value:       c.v2,
			DivergencePct: pct,
			CreatedAt:     v.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("append divergence %s: %w", c.key, err)
		}
	}
	return nil
}

// ValidateTenant runs an unfiltered comparison for one tenant, deriving
// the V2 side from the rollup tables the way the overview read does: sum
// of daily closed revenue, average ticket over days present.
func (v *Validator) ValidateTenant(ctx context.Context, tenant metrics.TenantID, rng metrics.DateRange) error {
	rows, err := v.Rollups.RevenueSummaries(ctx, tenant, rng.StartKey(), rng.EndKey())
	if err != nil {
		return fmt.Errorf("load rollups for %s: %w", tenant, err)
	}

	v2Closed := decimal.Zero
	v2Ticket := decimal.Zero
	for _, r := range rows {
		v2Closed = v2Closed.Add(r.ClosedRevenue)
		v2Ticket = v2Ticket.Add(r.AvgTicket)
	}
	if n := len(rows); n > 0 {
		v2Ticket = metrics.Round2(v2Ticket.DivRound(decimal.NewFromInt(int64(n)), 6))
	}

	return v.CompareOverview(ctx, Request{
		Tenant:      tenant,
		Range:       rng,
		V2Closed:    v2Closed,
		V2AvgTicket: v2Ticket,
	})
}

// claimCooldown reports whether this (tenant, vendor, period) may run now,
// recording the run time when it may. Sweeps stale entries at 3x cooldown.
func (v *Validator) claimCooldown(req Request) bool {
	key := fmt.Sprintf("%s:%s:%s", req.Tenant, req.VendorID, req.Range.PeriodKey())
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lastSweep.IsZero() {
		v.lastSweep = now
	} else if now.Sub(v.lastSweep) > 3*v.Cooldown {
		for k, at := range v.lastRun {
			if now.Sub(at) > v.Cooldown {
				delete(v.lastRun, k)
			}
		}
		v.lastSweep = now
	}

	if at, ok := v.lastRun[key]; ok && now.Sub(at) < v.Cooldown {
		return false
	}
	v.lastRun[key] = now
	return true
}

// DivergencePct is the relative difference of v2 against v1, in percent,
// with the denominator floored at 1.
func DivergencePct(v1, v2 decimal.Decimal) decimal.Decimal {
	denom := v1.Abs()
	if denom.LessThan(decimal.NewFromInt(1)) {
		denom = decimal.NewFromInt(1)
	}
	return metrics.Round2(v2.Sub(v1).Abs().DivRound(denom, 8).Mul(decimal.NewFromInt(100)))
}
