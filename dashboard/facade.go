/*
Package dashboard is the read-side facade over the rollup tables.

PURPOSE:
  Serves the five dashboard reads (overview, trends, funnel, pipeline
  summary, insights) for one tenant and period. Every read follows the
  same path:

    resolve feature flag -> resolve period -> cache lookup ->
    ensure rollups exist -> aggregate rollup rows -> cache fill

  Reads never touch raw CRM records; they aggregate the daily rollup rows
  the background pipeline materialized. The one exception is a cold start:
  a period with zero revenue rollups triggers one inline recompute so the
  first viewer of a fresh tenant sees data, not an empty chart.

FLAG GATING:
  Every read resolves the tenant's flag first and returns
  ErrFeatureDisabled when the tenant is not exposed. The HTTP layer maps
  that to a 403.

VALIDATION HAND-OFF:
  After serving an overview, the facade submits the served numbers to the
  reconciliation validator on its bounded channel and moves on. Validation
  cost never lands on the read path.

SEE ALSO:
  - views.go: aggregation of rollup rows into response payloads
  - reconcile/validator.go: the comparison consumer
*/
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/metrics-engine/cache"
	"github.com/warp/metrics-engine/flags"
	"github.com/warp/metrics-engine/metrics"
	"github.com/warp/metrics-engine/reconcile"
)

// ErrFeatureDisabled rejects reads for tenants outside the rollout.
var ErrFeatureDisabled = errors.New("dashboard not enabled for tenant")

// Query identifies one logical dashboard read.
type Query struct {
	Tenant      metrics.TenantID
	PeriodStart string // YYYY-MM-DD or RFC 3339; empty = default window
	PeriodEnd   string
	Filters     cache.Filters
}

// Envelope wraps every response payload with its cache provenance.
type Envelope struct {
	Data        any       `json:"data"`
	CacheHit    bool      `json:"cacheHit"`
	CacheKey    string    `json:"cacheKey"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// ComparisonSink receives served overview numbers for async validation.
type ComparisonSink interface {
	Submit(req reconcile.Request) bool
}

// Service is the dashboard read facade.
type Service struct {
	Rollups metrics.RollupStore
	Engine  *metrics.Engine
	Cache   cache.Cache
	Flags   *flags.Resolver
	Sink    ComparisonSink // optional

	now func() time.Time
}

// NewService wires the facade. Pass a cache.Nop{} when no cache backs the
// deployment; sink may be nil.
func NewService(rollups metrics.RollupStore, engine *metrics.Engine, c cache.Cache, resolver *flags.Resolver, sink ComparisonSink) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		Rollups: rollups,
		Engine:  engine,
		Cache:   c,
		Flags:   resolver,
		Sink:    sink,
		now:     time.Now,
	}
}

// =============================================================================
// READS
// =============================================================================

// Overview returns the period totals and submits them for validation.
func (s *Service) Overview(ctx context.Context, q Query) (Envelope, error) {
	rng, key, hit, err := s.begin(ctx, q, cache.ScopeOverview)
	if err != nil {
		return Envelope{}, err
	}
	if hit != nil {
		return *hit, nil
	}

	rows, err := s.ensureRevenueRows(ctx, q.Tenant, rng)
	if err != nil {
		return Envelope{}, err
	}
	view := buildOverview(rows)

	if s.Sink != nil {
		s.Sink.Submit(reconcile.Request{
			Tenant:      q.Tenant,
			Range:       rng,
			VendorID:    q.Filters.VendorID,
			V2Closed:    view.closedRevenue,
			V2AvgTicket: view.avgTicket,
		})
	}
	return s.finish(key, view.dto()), nil
}

// Trends returns the per-day revenue and conversion series.
func (s *Service) Trends(ctx context.Context, q Query) (Envelope, error) {
	rng, key, hit, err := s.begin(ctx, q, cache.ScopeTrends)
	if err != nil {
		return Envelope{}, err
	}
	if hit != nil {
		return *hit, nil
	}

	revenue, err := s.ensureRevenueRows(ctx, q.Tenant, rng)
	if err != nil {
		return Envelope{}, err
	}
	funnel, err := s.Rollups.FunnelTransitions(ctx, q.Tenant, rng.StartKey(), rng.EndKey())
	if err != nil {
		return Envelope{}, fmt.Errorf("load funnel rollups: %w", err)
	}
	return s.finish(key, buildTrends(revenue, funnel)), nil
}

// Funnel returns stage-to-stage totals over the whole period.
func (s *Service) Funnel(ctx context.Context, q Query) (Envelope, error) {
	rng, key, hit, err := s.begin(ctx, q, cache.ScopeFunnel)
	if err != nil {
		return Envelope{}, err
	}
	if hit != nil {
		return *hit, nil
	}

	if _, err := s.ensureRevenueRows(ctx, q.Tenant, rng); err != nil {
		return Envelope{}, err
	}
	funnel, err := s.Rollups.FunnelTransitions(ctx, q.Tenant, rng.StartKey(), rng.EndKey())
	if err != nil {
		return Envelope{}, fmt.Errorf("load funnel rollups: %w", err)
	}
	return s.finish(key, buildFunnel(funnel)), nil
}

// PipelineSummary returns the latest snapshot at or before the period end.
// The snapshot is a point-in-time picture, so only the freshest day
// matters, even when it predates the period start.
func (s *Service) PipelineSummary(ctx context.Context, q Query) (Envelope, error) {
	rng, key, hit, err := s.begin(ctx, q, cache.ScopePipelineSummary)
	if err != nil {
		return Envelope{}, err
	}
	if hit != nil {
		return *hit, nil
	}

	if _, err := s.ensureRevenueRows(ctx, q.Tenant, rng); err != nil {
		return Envelope{}, err
	}
	day, ok, err := s.Rollups.LatestPipelineDate(ctx, q.Tenant, rng.EndKey())
	if err != nil {
		return Envelope{}, fmt.Errorf("find latest snapshot: %w", err)
	}
	if !ok {
		return s.finish(key, PipelineSummaryDTO{Stages: []PipelineStageDTO{}}), nil
	}
	rows, err := s.Rollups.PipelineSnapshot(ctx, q.Tenant, day)
	if err != nil {
		return Envelope{}, fmt.Errorf("load snapshot: %w", err)
	}
	return s.finish(key, buildPipelineSummary(day, rows)), nil
}

// Insights returns the heuristic callouts for the period.
func (s *Service) Insights(ctx context.Context, q Query) (Envelope, error) {
	rng, key, hit, err := s.begin(ctx, q, cache.ScopeInsights)
	if err != nil {
		return Envelope{}, err
	}
	if hit != nil {
		return *hit, nil
	}

	revenue, err := s.ensureRevenueRows(ctx, q.Tenant, rng)
	if err != nil {
		return Envelope{}, err
	}

	stalled := 0
	if day, ok, err := s.Rollups.LatestPipelineDate(ctx, q.Tenant, rng.EndKey()); err != nil {
		return Envelope{}, fmt.Errorf("find latest snapshot: %w", err)
	} else if ok {
		aging, err := s.Rollups.StageAging(ctx, q.Tenant, day)
		if err != nil {
			return Envelope{}, fmt.Errorf("load stage aging: %w", err)
		}
		for _, row := range aging {
			stalled += row.StalledCount
		}
	}
	return s.finish(key, buildInsights(revenue, stalled)), nil
}

// =============================================================================
// SHARED READ PATH
// =============================================================================

// begin gates the read, resolves the period, and consults the cache.
func (s *Service) begin(ctx context.Context, q Query, scope string) (metrics.DateRange, string, *Envelope, error) {
	res, err := s.Flags.Resolve(ctx, string(q.Tenant))
	if err != nil {
		return metrics.DateRange{}, "", nil, fmt.Errorf("resolve flag: %w", err)
	}
	if !res.Enabled {
		return metrics.DateRange{}, "", nil, ErrFeatureDisabled
	}

	rng := metrics.ResolveRange(q.PeriodStart, q.PeriodEnd, s.now())
	key := cache.Key(string(q.Tenant), rng.PeriodKey(), scope, q.Filters)
	if e, ok := s.Cache.Get(key); ok {
		return rng, key, &Envelope{Data: e.Data, CacheHit: true, CacheKey: key, GeneratedAt: e.GeneratedAt}, nil
	}
	return rng, key, nil, nil
}

func (s *Service) finish(key string, data any) Envelope {
	at := s.now().UTC()
	s.Cache.Set(key, cache.Entry{Data: data, GeneratedAt: at})
	return Envelope{Data: data, CacheKey: key, GeneratedAt: at}
}

// ensureRevenueRows loads the period's revenue rollups, recomputing the
// whole period inline when none exist yet (cold start).
func (s *Service) ensureRevenueRows(ctx context.Context, tenant metrics.TenantID, rng metrics.DateRange) ([]metrics.RevenueSummaryRow, error) {
	rows, err := s.Rollups.RevenueSummaries(ctx, tenant, rng.StartKey(), rng.EndKey())
	if err != nil {
		return nil, fmt.Errorf("load revenue rollups: %w", err)
	}
	if len(rows) > 0 {
		return rows, nil
	}

	log.Printf("[Dashboard] Cold start for %s over %s, recomputing inline", tenant, rng.PeriodKey())
	if err := s.Engine.RecomputeRange(ctx, tenant, rng.Start, rng.End.Add(-time.Nanosecond)); err != nil {
		return nil, fmt.Errorf("cold-start recompute: %w", err)
	}
	rows, err = s.Rollups.RevenueSummaries(ctx, tenant, rng.StartKey(), rng.EndKey())
	if err != nil {
		return nil, fmt.Errorf("reload revenue rollups: %w", err)
	}
	return rows, nil
}
