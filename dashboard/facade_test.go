package dashboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/metrics-engine/cache"
	"github.com/warp/metrics-engine/dashboard"
	"github.com/warp/metrics-engine/flags"
	"github.com/warp/metrics-engine/metrics"
	memstore "github.com/warp/metrics-engine/metrics/store"
	"github.com/warp/metrics-engine/reconcile"
	"github.com/warp/metrics-engine/stage"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

type memFlagStore struct {
	mu   sync.Mutex
	rows map[string]flags.Record
}

func (m *memFlagStore) GetFlag(_ context.Context, tenant, flagKey string) (*flags.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[tenant+"/"+flagKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memFlagStore) UpsertFlag(_ context.Context, rec flags.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rec.Tenant+"/"+rec.FlagKey] = rec
	return nil
}

func (m *memFlagStore) TenantsWithFlag(context.Context, string) ([]string, error) {
	return nil, nil
}

type captureSink struct {
	mu   sync.Mutex
	reqs []reconcile.Request
}

func (c *captureSink) Submit(req reconcile.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return true
}

func (c *captureSink) all() []reconcile.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]reconcile.Request(nil), c.reqs...)
}

type fixture struct {
	mem     *memstore.Memory
	cache   *cache.TTLCache
	sink    *captureSink
	service *dashboard.Service
}

func newFixture(t *testing.T, enabledTenants ...string) *fixture {
	t.Helper()
	mem := memstore.NewMemory()
	resolver := flags.NewResolver(&memFlagStore{rows: make(map[string]flags.Record)})
	for _, tenant := range enabledTenants {
		require.NoError(t, resolver.SetFlag(context.Background(), tenant, true, 0, "test"))
	}
	c := cache.New(time.Minute, 64)
	sink := &captureSink{}
	svc := dashboard.NewService(mem, metrics.NewEngine(mem, mem), c, resolver, sink)
	return &fixture{mem: mem, cache: c, sink: sink, service: svc}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (f *fixture) seedRevenue(t *testing.T, tenant metrics.TenantID, day metrics.DateKey, closed, forecast, ticket, cycle string, active int) {
	t.Helper()
	require.NoError(t, f.mem.ReplaceRevenueSummary(context.Background(), tenant, day, metrics.RevenueSummaryRow{
		Tenant: tenant, DateKey: day,
		ClosedRevenue: dec(closed), ForecastRevenue: dec(forecast),
		AvgTicket: dec(ticket), AvgCycleDays: dec(cycle), ActiveCount: active,
	}))
}

func query(tenant, start, end string) dashboard.Query {
	return dashboard.Query{Tenant: metrics.TenantID(tenant), PeriodStart: start, PeriodEnd: end}
}

// =============================================================================
// FLAG GATING
// =============================================================================

func TestReads_RejectDisabledTenant(t *testing.T) {
	f := newFixture(t) // nobody enabled
	q := query("tenant-a", "2025-03-01", "2025-03-10")

	_, err := f.service.Overview(context.Background(), q)
	assert.ErrorIs(t, err, dashboard.ErrFeatureDisabled)
	_, err = f.service.Trends(context.Background(), q)
	assert.ErrorIs(t, err, dashboard.ErrFeatureDisabled)
	_, err = f.service.Insights(context.Background(), q)
	assert.ErrorIs(t, err, dashboard.ErrFeatureDisabled)
}

// =============================================================================
// OVERVIEW
// =============================================================================

func TestOverview_AggregatesAcrossDays(t *testing.T) {
	// GIVEN: two revenue rollup days
	// WHEN: reading the overview
	// THEN: revenues sum, averages average, active count is the last day's

	f := newFixture(t, "tenant-a")
	f.seedRevenue(t, "tenant-a", "2025-03-09", "1000", "400", "500", "2", 7)
	f.seedRevenue(t, "tenant-a", "2025-03-10", "500", "600", "250", "4", 5)

	env, err := f.service.Overview(context.Background(), query("tenant-a", "2025-03-01", "2025-03-10"))
	require.NoError(t, err)

	view, ok := env.Data.(dashboard.OverviewDTO)
	require.True(t, ok)
	assert.Equal(t, 1500.0, view.ClosedRevenue)
	assert.Equal(t, 1000.0, view.ForecastRevenue)
	assert.Equal(t, 375.0, view.AvgTicket)
	assert.Equal(t, 3.0, view.AvgCycleDays)
	assert.Equal(t, 5, view.ActiveCount)
	assert.False(t, env.CacheHit)
}

func TestOverview_SubmitsServedNumbersForValidation(t *testing.T) {
	f := newFixture(t, "tenant-a")
	f.seedRevenue(t, "tenant-a", "2025-03-10", "500", "0", "500", "0", 1)

	q := query("tenant-a", "2025-03-01", "2025-03-10")
	q.Filters.VendorID = "v1"
	_, err := f.service.Overview(context.Background(), q)
	require.NoError(t, err)

	reqs := f.sink.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, metrics.TenantID("tenant-a"), reqs[0].Tenant)
	assert.Equal(t, "v1", reqs[0].VendorID)
	assert.True(t, reqs[0].V2Closed.Equal(dec("500")))
	assert.True(t, reqs[0].V2AvgTicket.Equal(dec("500")))
}

func TestOverview_SecondReadHitsCache(t *testing.T) {
	f := newFixture(t, "tenant-a")
	f.seedRevenue(t, "tenant-a", "2025-03-10", "500", "0", "500", "0", 1)
	q := query("tenant-a", "2025-03-01", "2025-03-10")

	first, err := f.service.Overview(context.Background(), q)
	require.NoError(t, err)
	second, err := f.service.Overview(context.Background(), q)
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, first.Data, second.Data)
	assert.Len(t, f.sink.all(), 1, "cache hits do not resubmit validation")
}

func TestOverview_ColdStartRecomputesInline(t *testing.T) {
	// GIVEN: raw records but zero rollup rows for the period
	// WHEN: reading the overview
	// THEN: the period is recomputed inline and the response is non-empty

	f := newFixture(t, "tenant-a")
	day := metrics.DateKey("2025-03-10")
	f.mem.AddProposal(metrics.Proposal{
		Tenant: "tenant-a", VendorID: "v1", Status: "aprovada",
		Total: dec("800"), CreatedAt: day.Time().Add(10 * time.Hour),
	})

	env, err := f.service.Overview(context.Background(), query("tenant-a", "2025-03-08", "2025-03-10"))
	require.NoError(t, err)

	view := env.Data.(dashboard.OverviewDTO)
	assert.Equal(t, 800.0, view.ClosedRevenue)

	rows, err := f.mem.RevenueSummaries(context.Background(), "tenant-a", "2025-03-08", "2025-03-10")
	require.NoError(t, err)
	assert.Len(t, rows, 3, "every day of the period materialized")
}

// =============================================================================
// TRENDS & FUNNEL
// =============================================================================

func TestTrends_JoinsRevenueWithDailyConversion(t *testing.T) {
	f := newFixture(t, "tenant-a")
	ctx := context.Background()
	f.seedRevenue(t, "tenant-a", "2025-03-09", "100", "40", "100", "1", 2)
	f.seedRevenue(t, "tenant-a", "2025-03-10", "200", "30", "200", "1", 2)
	require.NoError(t, f.mem.ReplaceFunnelTransitions(ctx, "tenant-a", "2025-03-09", []metrics.FunnelTransitionRow{
		{Tenant: "tenant-a", DateKey: "2025-03-09", FromStage: stage.Leads, ToStage: stage.Qualification,
			EnteredCount: 4, ProgressedCount: 3, ConversionRate: dec("75")},
		{Tenant: "tenant-a", DateKey: "2025-03-09", FromStage: stage.Leads, ToStage: stage.Lost,
			EnteredCount: 4, ProgressedCount: 1, ConversionRate: dec("25")},
	}))

	env, err := f.service.Trends(ctx, query("tenant-a", "2025-03-09", "2025-03-10"))
	require.NoError(t, err)

	points := env.Data.([]dashboard.TrendPointDTO)
	require.Len(t, points, 2)
	assert.Equal(t, "2025-03-09", points[0].Date)
	assert.Equal(t, 100.0, points[0].ClosedRevenue)
	assert.Equal(t, 50.0, points[0].ConversionRate, "4 progressed out of 8 outbound transitions")
	assert.Equal(t, 0.0, points[1].ConversionRate, "day without transitions reads zero")
}

func TestFunnel_SumsCountsAndRecomputesRate(t *testing.T) {
	// GIVEN: the same transition pair on two days
	// WHEN: reading the funnel
	// THEN: counts sum and the rate comes from the summed counts, not an
	//       average of daily rates

	f := newFixture(t, "tenant-a")
	ctx := context.Background()
	f.seedRevenue(t, "tenant-a", "2025-03-09", "0", "0", "0", "0", 0)
	require.NoError(t, f.mem.ReplaceFunnelTransitions(ctx, "tenant-a", "2025-03-09", []metrics.FunnelTransitionRow{
		{Tenant: "tenant-a", DateKey: "2025-03-09", FromStage: stage.Leads, ToStage: stage.Qualification,
			EnteredCount: 1, ProgressedCount: 1, ConversionRate: dec("100")},
	}))
	require.NoError(t, f.mem.ReplaceFunnelTransitions(ctx, "tenant-a", "2025-03-10", []metrics.FunnelTransitionRow{
		{Tenant: "tenant-a", DateKey: "2025-03-10", FromStage: stage.Leads, ToStage: stage.Qualification,
			EnteredCount: 9, ProgressedCount: 1, ConversionRate: dec("11.11")},
		{Tenant: "tenant-a", DateKey: "2025-03-10", FromStage: stage.Proposal, ToStage: stage.Negotiation,
			EnteredCount: 2, ProgressedCount: 2, ConversionRate: dec("100")},
	}))

	env, err := f.service.Funnel(ctx, query("tenant-a", "2025-03-09", "2025-03-10"))
	require.NoError(t, err)

	steps := env.Data.([]dashboard.FunnelStepDTO)
	require.Len(t, steps, 2)
	assert.Equal(t, "leads", steps[0].FromStage, "funnel order, not map order")
	assert.Equal(t, 10, steps[0].EnteredCount)
	assert.Equal(t, 2, steps[0].ProgressedCount)
	assert.Equal(t, 20.0, steps[0].ConversionRate)
	assert.Equal(t, "proposal", steps[1].FromStage)
}

// =============================================================================
// PIPELINE SUMMARY
// =============================================================================

func TestPipelineSummary_UsesLatestSnapshotAtOrBeforePeriodEnd(t *testing.T) {
	f := newFixture(t, "tenant-a")
	ctx := context.Background()
	f.seedRevenue(t, "tenant-a", "2025-03-09", "0", "0", "0", "0", 0)
	for _, day := range []metrics.DateKey{"2025-03-08", "2025-03-10", "2025-03-20"} {
		require.NoError(t, f.mem.ReplacePipelineSnapshot(ctx, "tenant-a", day, []metrics.PipelineSnapshotRow{
			{Tenant: "tenant-a", DateKey: day, Stage: stage.Proposal, Count: 2, TotalValue: dec("1000")},
		}))
	}

	env, err := f.service.PipelineSummary(ctx, query("tenant-a", "2025-03-01", "2025-03-12"))
	require.NoError(t, err)

	summary := env.Data.(dashboard.PipelineSummaryDTO)
	assert.Equal(t, "2025-03-10", summary.DateKey, "latest day not past the period end")
	require.Len(t, summary.Stages, 1)
	assert.Equal(t, "proposal", summary.Stages[0].Stage)
	assert.Equal(t, 1000.0, summary.Stages[0].TotalValue)
}

func TestPipelineSummary_EmptyWhenNoSnapshots(t *testing.T) {
	f := newFixture(t, "tenant-a")
	f.seedRevenue(t, "tenant-a", "2025-03-09", "0", "0", "0", "0", 0)

	env, err := f.service.PipelineSummary(context.Background(), query("tenant-a", "2025-03-01", "2025-03-12"))
	require.NoError(t, err)

	summary := env.Data.(dashboard.PipelineSummaryDTO)
	assert.Empty(t, summary.DateKey)
	assert.Empty(t, summary.Stages)
}

// =============================================================================
// INSIGHTS
// =============================================================================

func TestInsights_Heuristics(t *testing.T) {
	f := newFixture(t, "tenant-a")
	ctx := context.Background()
	// Forecast far above closed, and revenue dipping on the last day.
	f.seedRevenue(t, "tenant-a", "2025-03-09", "100", "400", "100", "1", 2)
	f.seedRevenue(t, "tenant-a", "2025-03-10", "50", "400", "50", "1", 2)
	require.NoError(t, f.mem.ReplacePipelineSnapshot(ctx, "tenant-a", "2025-03-10", []metrics.PipelineSnapshotRow{
		{Tenant: "tenant-a", DateKey: "2025-03-10", Stage: stage.Proposal, Count: 3, TotalValue: dec("900")},
	}))
	require.NoError(t, f.mem.ReplaceStageAging(ctx, "tenant-a", "2025-03-10", []metrics.StageAgingRow{
		{Tenant: "tenant-a", DateKey: "2025-03-10", Stage: stage.Proposal, AvgDays: dec("6"), StalledCount: 2},
	}))

	env, err := f.service.Insights(ctx, query("tenant-a", "2025-03-01", "2025-03-10"))
	require.NoError(t, err)

	insights := env.Data.([]dashboard.InsightDTO)
	severities := make(map[string]string, len(insights))
	for _, i := range insights {
		severities[i.Type] = i.Severity
	}
	assert.Equal(t, map[string]string{
		"forecast_above_closed": "opportunity",
		"revenue_dip":           "warning",
		"stalled_opportunities": "warning",
	}, severities)
}

func TestInsights_StableWhenNothingFires(t *testing.T) {
	f := newFixture(t, "tenant-a")
	f.seedRevenue(t, "tenant-a", "2025-03-09", "100", "100", "100", "1", 2)
	f.seedRevenue(t, "tenant-a", "2025-03-10", "150", "100", "150", "1", 2)

	env, err := f.service.Insights(context.Background(), query("tenant-a", "2025-03-01", "2025-03-10"))
	require.NoError(t, err)

	insights := env.Data.([]dashboard.InsightDTO)
	require.Len(t, insights, 1)
	assert.Equal(t, "stable", insights[0].Type)
}
