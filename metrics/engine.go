/*
engine.go - The aggregation engine

PURPOSE:
  Materializes one tenant's daily rollups from raw CRM records. This is the
  ONLY writer of rollup rows; everything else reads.

THE FOUR KINDS:
  1. Pipeline snapshot: count/value per normalized stage, of all
     opportunities existing at day end
  2. Funnel transitions: stage-to-stage movements observed within the day
  3. Stage aging: per stage, days since last stage change for records
     sitting in it at day end
  4. Revenue summary: closed/forecast revenue, average ticket, average
     cycle, active count

IDEMPOTENCE:
  Each kind replaces its own rows for the (tenant, day) wholesale. Running
  RecomputeDay twice produces identical rows. A failure in one kind aborts
  the day and propagates; the caller (queue worker) retries the whole day.

CONCURRENCY:
  The four kinds run concurrently via errgroup; they have no ordering
  dependency on each other. All must finish before the caller invalidates
  any cache.

BACKFILL BOUND:
  RecomputeRange clamps the day count to LimitDays anchored at the range
  end, so a careless 5-year backfill request stays affordable.

SEE ALSO:
  - source.go: the interfaces this engine aggregates over
  - jobs/handlers.go: lock acquisition + cache invalidation around this
*/
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/metrics-engine/stage"
)

const (
	// DefaultStalledDays is the stage age beyond which a record counts as
	// stalled.
	DefaultStalledDays = 3

	// DefaultLimitDays caps how many days one RecomputeRange call may
	// process.
	DefaultLimitDays = 120
)

// Engine computes and persists daily rollups.
type Engine struct {
	Source      Source
	Rollups     RollupStore
	StalledDays int
	LimitDays   int
}

// NewEngine creates an engine with default thresholds.
func NewEngine(src Source, rollups RollupStore) *Engine {
	return &Engine{
		Source:      src,
		Rollups:     rollups,
		StalledDays: DefaultStalledDays,
		LimitDays:   DefaultLimitDays,
	}
}

// RecomputeRange recomputes every day in [start, end], clamped to LimitDays
// anchored at the range end.
func (e *Engine) RecomputeRange(ctx context.Context, tenant TenantID, start, end time.Time) error {
	startDay := dayStart(start)
	endDay := dayStart(end)
	if startDay.After(endDay) {
		startDay, endDay = endDay, startDay
	}

	limit := e.LimitDays
	if limit <= 0 {
		limit = DefaultLimitDays
	}
	days := int(endDay.Sub(startDay).Hours()/24) + 1
	if days > limit {
		startDay = endDay.AddDate(0, 0, -(limit - 1))
	}

	for cursor := startDay; !cursor.After(endDay); cursor = cursor.AddDate(0, 0, 1) {
		if err := e.RecomputeDay(ctx, tenant, DateKeyOf(cursor)); err != nil {
			return fmt.Errorf("recompute %s/%s: %w", tenant, DateKeyOf(cursor), err)
		}
	}
	return nil
}

// RecomputeDay recomputes all four rollup kinds for one (tenant, day).
// Safe to retry in full; each kind replaces its own rows atomically.
func (e *Engine) RecomputeDay(ctx context.Context, tenant TenantID, day DateKey) error {
	dayBegin := day.Time()
	if dayBegin.IsZero() {
		return fmt.Errorf("invalid date key %q", day)
	}
	dayEnd := dayBegin.AddDate(0, 0, 1) // exclusive

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.recomputePipelineSnapshot(gctx, tenant, day, dayEnd) })
	g.Go(func() error { return e.recomputeFunnelTransitions(gctx, tenant, day, dayBegin, dayEnd) })
	g.Go(func() error { return e.recomputeStageAging(gctx, tenant, day, dayEnd) })
	g.Go(func() error { return e.recomputeRevenueSummary(gctx, tenant, day, dayBegin, dayEnd) })
	return g.Wait()
}

// =============================================================================
// PIPELINE SNAPSHOT
// =============================================================================

func (e *Engine) recomputePipelineSnapshot(ctx context.Context, tenant TenantID, day DateKey, dayEnd time.Time) error {
	opps, err := e.Source.OpportunitiesAsOf(ctx, tenant, dayEnd)
	if err != nil {
		return fmt.Errorf("pipeline snapshot: %w", err)
	}

	counts := make(map[stage.Stage]int)
	values := make(map[stage.Stage]decimal.Decimal)
	for _, o := range opps {
		s := stage.Normalize(o.Stage)
		counts[s]++
		values[s] = values[s].Add(o.Value)
	}

	rows := make([]PipelineSnapshotRow, 0, len(counts))
	for _, s := range stage.All {
		if counts[s] == 0 {
			continue
		}
		rows = append(rows, PipelineSnapshotRow{
			Tenant:     tenant,
			DateKey:    day,
			Stage:      s,
			Count:      counts[s],
			TotalValue: Round2(values[s]),
		})
	}
	return e.Rollups.ReplacePipelineSnapshot(ctx, tenant, day, rows)
}

// =============================================================================
// FUNNEL TRANSITIONS
// =============================================================================

func (e *Engine) recomputeFunnelTransitions(ctx context.Context, tenant TenantID, day DateKey, dayBegin, dayEnd time.Time) error {
	events, err := e.Source.StageEventsBetween(ctx, tenant, dayBegin, dayEnd)
	if err != nil {
		return fmt.Errorf("funnel transitions: %w", err)
	}

	type pair struct{ from, to stage.Stage }
	progressed := make(map[pair]int)
	entered := make(map[stage.Stage]int)
	for _, ev := range events {
		if ev.FromStage == "" {
			// Initial placement, not a transition.
			continue
		}
		p := pair{stage.Normalize(ev.FromStage), stage.Normalize(ev.ToStage)}
		progressed[p]++
		entered[p.from]++
	}

	rows := make([]FunnelTransitionRow, 0, len(progressed))
	for _, from := range stage.All {
		for _, to := range stage.All {
			p := pair{from, to}
			count, ok := progressed[p]
			if !ok {
				continue
			}
			rows = append(rows, FunnelTransitionRow{
				Tenant:          tenant,
				DateKey:         day,
				FromStage:       from,
				ToStage:         to,
				EnteredCount:    entered[from],
				ProgressedCount: count,
				ConversionRate:  ConversionRate(count, entered[from]),
			})
		}
	}
	return e.Rollups.ReplaceFunnelTransitions(ctx, tenant, day, rows)
}

// ConversionRate computes progressed/entered*100 rounded to 2 places.
// Zero entered yields zero, never a division error.
func ConversionRate(progressed, entered int) decimal.Decimal {
	if entered <= 0 {
		return decimal.Zero
	}
	return Round2(decimal.NewFromInt(int64(progressed)).
		Div(decimal.NewFromInt(int64(entered))).
		Mul(decimal.NewFromInt(100)))
}

// =============================================================================
// STAGE AGING
// =============================================================================

func (e *Engine) recomputeStageAging(ctx context.Context, tenant TenantID, day DateKey, dayEnd time.Time) error {
	events, err := e.Source.StageEventsBetween(ctx, tenant, time.Time{}, dayEnd)
	if err != nil {
		return fmt.Errorf("stage aging: %w", err)
	}

	// Latest known stage per opportunity as of day end. Events arrive
	// ordered by ChangedAt ascending, so the last write wins.
	type latest struct {
		stage     stage.Stage
		changedAt time.Time
	}
	latestByOpp := make(map[string]latest)
	for _, ev := range events {
		latestByOpp[ev.OpportunityID] = latest{stage.Normalize(ev.ToStage), ev.ChangedAt}
	}

	stalledLimit := decimal.NewFromInt(int64(e.StalledDays))
	sums := make(map[stage.Stage]decimal.Decimal)
	counts := make(map[stage.Stage]int)
	stalled := make(map[stage.Stage]int)
	for _, l := range latestByOpp {
		age := FractionalDays(dayEnd.Sub(l.changedAt))
		sums[l.stage] = sums[l.stage].Add(age)
		counts[l.stage]++
		if age.GreaterThan(stalledLimit) {
			stalled[l.stage]++
		}
	}

	rows := make([]StageAgingRow, 0, len(counts))
	for _, s := range stage.All {
		if counts[s] == 0 {
			continue
		}
		avg := sums[s].Div(decimal.NewFromInt(int64(counts[s])))
		rows = append(rows, StageAgingRow{
			Tenant:       tenant,
			DateKey:      day,
			Stage:        s,
			AvgDays:      Round2(avg),
			StalledCount: stalled[s],
		})
	}
	return e.Rollups.ReplaceStageAging(ctx, tenant, day, rows)
}

// =============================================================================
// REVENUE SUMMARY
// =============================================================================

func (e *Engine) recomputeRevenueSummary(ctx context.Context, tenant TenantID, day DateKey, dayBegin, dayEnd time.Time) error {
	proposals, err := e.Source.ProposalsBetween(ctx, tenant, dayBegin, dayEnd)
	if err != nil {
		return fmt.Errorf("revenue summary: %w", err)
	}
	opps, err := e.Source.OpportunitiesAsOf(ctx, tenant, dayEnd)
	if err != nil {
		return fmt.Errorf("revenue summary: %w", err)
	}

	closed, avgTicket := ClosedRevenue(proposals)
	avgCycle := AvgCycleDays(proposals)

	var forecast decimal.Decimal
	activeCount := 0
	hundred := decimal.NewFromInt(100)
	for _, o := range opps {
		if stage.Normalize(o.Stage).IsTerminal() {
			continue
		}
		activeCount++
		forecast = forecast.Add(o.Value.Mul(o.Probability).Div(hundred))
	}

	return e.Rollups.ReplaceRevenueSummary(ctx, tenant, day, RevenueSummaryRow{
		Tenant:          tenant,
		DateKey:         day,
		ClosedRevenue:   Round2(closed),
		ForecastRevenue: Round2(forecast),
		AvgTicket:       Round2(avgTicket),
		AvgCycleDays:    Round2(avgCycle),
		ActiveCount:     activeCount,
	})
}

// ClosedRevenue sums and averages the totals of approved proposals. Also
// used by the reconciliation (V1) path so both code paths agree on the
// status vocabulary.
func ClosedRevenue(proposals []Proposal) (closed, avgTicket decimal.Decimal) {
	count := 0
	for _, p := range proposals {
		if !statusIn(p.Status, ApprovedStatuses) {
			continue
		}
		closed = closed.Add(p.Total)
		count++
	}
	if count > 0 {
		avgTicket = closed.Div(decimal.NewFromInt(int64(count)))
	}
	return closed, avgTicket
}

// AvgCycleDays averages created-to-updated spans of proposals that reached
// a final status, in fractional days.
func AvgCycleDays(proposals []Proposal) decimal.Decimal {
	var sum decimal.Decimal
	count := 0
	for _, p := range proposals {
		if !statusIn(p.Status, FinalStatuses) {
			continue
		}
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = p.CreatedAt
		}
		sum = sum.Add(FractionalDays(updated.Sub(p.CreatedAt)))
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(count)))
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(status, s) {
			return true
		}
	}
	return false
}
