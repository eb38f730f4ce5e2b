package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/metrics-engine/metrics"
	memstore "github.com/warp/metrics-engine/metrics/store"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type capturedDivergences struct {
	mu   sync.Mutex
	rows []metrics.Divergence
}

func (c *capturedDivergences) AppendDivergence(_ context.Context, d metrics.Divergence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, d)
	return nil
}

func (c *capturedDivergences) all() []metrics.Divergence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]metrics.Divergence(nil), c.rows...)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRange() metrics.DateRange {
	return metrics.ResolveRange("2025-02-09", "2025-03-10", time.Now())
}

// newTestValidator seeds one approved proposal of 900 in the test range,
// so V1 closed revenue = 900 and V1 avg ticket = 900.
func newTestValidator(t *testing.T) (*Validator, *memstore.Memory, *capturedDivergences) {
	t.Helper()
	mem := memstore.NewMemory()
	mem.AddProposal(metrics.Proposal{
		Tenant: "tenant-a", VendorID: "v1", Status: "aprovada",
		Total: dec("900"), CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	captured := &capturedDivergences{}
	v := NewValidator(mem, mem, captured)
	return v, mem, captured
}

// =============================================================================
// DIVERGENCE MATH
// =============================================================================

func TestDivergencePct(t *testing.T) {
	cases := []struct {
		v1, v2, want string
	}{
		{"100", "104", "4"},
		{"100", "97.5", "2.5"},
		{"100", "100", "0"},
		{"0", "0.5", "50"},     // denominator floored at 1
		{"-200", "-190", "5"},  // absolute values
		{"0.4", "0.9", "50"},   // |v1| < 1 also floors
	}
	for _, tc := range cases {
		got := DivergencePct(dec(tc.v1), dec(tc.v2))
		assert.True(t, got.Equal(dec(tc.want)), "DivergencePct(%s, %s) = %s, want %s", tc.v1, tc.v2, got, tc.want)
	}
}

func TestCompareOverview_ThresholdBoundary(t *testing.T) {
	// GIVEN: V1 closed revenue of 900 and a 3% threshold
	// WHEN: comparing V2 values at 4%, 3%, and 2.5% divergence
	// THEN: only the strictly-greater-than-threshold case is recorded

	cases := []struct {
		name     string
		v2Closed string
		want     int
	}{
		{"4 percent diverges", "936", 1},
		{"exactly 3 percent does not", "927", 0},
		{"2.5 percent does not", "922.50", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _, captured := newTestValidator(t)
			err := v.CompareOverview(context.Background(), Request{
				Tenant:      "tenant-a",
				Range:       testRange(),
				V2Closed:    dec(tc.v2Closed),
				V2AvgTicket: dec("900"), // matches V1, never diverges
			})
			require.NoError(t, err)

			rows := captured.all()
			require.Len(t, rows, tc.want)
			if tc.want == 1 {
				assert.Equal(t, MetricClosedRevenue, rows[0].MetricKey)
				assert.True(t, rows[0].V1Value.Equal(dec("900")))
				assert.True(t, rows[0].V2Value.Equal(dec(tc.v2Closed)))
				assert.True(t, rows[0].DivergencePct.Equal(dec("4")))
				assert.Equal(t, metrics.DateKey("2025-02-09"), rows[0].PeriodStart)
				assert.Equal(t, metrics.DateKey("2025-03-10"), rows[0].PeriodEnd)
			}
		})
	}
}

func TestCompareOverview_VendorFilterNarrowsV1(t *testing.T) {
	v, mem, captured := newTestValidator(t)
	mem.AddProposal(metrics.Proposal{
		Tenant: "tenant-a", VendorID: "v2", Status: "aprovada",
		Total: dec("500"), CreatedAt: time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC),
	})

	// Unfiltered V1 closed = 1400; filtered to v1 it is 900, so a V2 of
	// 900 diverges only without the filter.
	err := v.CompareOverview(context.Background(), Request{
		Tenant: "tenant-a", Range: testRange(), VendorID: "v1",
		V2Closed: dec("900"), V2AvgTicket: dec("900"),
	})
	require.NoError(t, err)
	assert.Empty(t, captured.all())
}

// =============================================================================
// COOLDOWN
// =============================================================================

func TestCompareOverview_CooldownSuppressesRepeats(t *testing.T) {
	v, _, captured := newTestValidator(t)
	clock := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return clock }

	diverging := Request{
		Tenant: "tenant-a", Range: testRange(),
		V2Closed: dec("936"), V2AvgTicket: dec("900"),
	}

	require.NoError(t, v.CompareOverview(context.Background(), diverging))
	require.NoError(t, v.CompareOverview(context.Background(), diverging))
	assert.Len(t, captured.all(), 1, "second comparison inside the window is suppressed")

	clock = clock.Add(v.Cooldown + time.Minute)
	require.NoError(t, v.CompareOverview(context.Background(), diverging))
	assert.Len(t, captured.all(), 2, "window lapse allows a fresh comparison")
}

func TestCompareOverview_CooldownKeyIncludesVendorAndPeriod(t *testing.T) {
	v, _, captured := newTestValidator(t)

	base := Request{
		Tenant: "tenant-a", Range: testRange(),
		V2Closed: dec("936"), V2AvgTicket: dec("900"),
	}
	withVendor := base
	withVendor.VendorID = "v1"

	require.NoError(t, v.CompareOverview(context.Background(), base))
	require.NoError(t, v.CompareOverview(context.Background(), withVendor))
	assert.Len(t, captured.all(), 2, "different vendor scope is a different cooldown key")
}

// =============================================================================
// ASYNC INTAKE
// =============================================================================

func TestSubmit_DrainsAsynchronously(t *testing.T) {
	v, _, captured := newTestValidator(t)
	v.Start()
	defer v.Stop()

	ok := v.Submit(Request{
		Tenant: "tenant-a", Range: testRange(),
		V2Closed: dec("936"), V2AvgTicket: dec("900"),
	})
	require.True(t, ok)

	assert.Eventually(t, func() bool { return len(captured.all()) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSubmit_FullChannelDrops(t *testing.T) {
	v, _, _ := newTestValidator(t)
	v.requests = make(chan Request, 1)

	assert.True(t, v.Submit(Request{Tenant: "tenant-a"}))
	assert.False(t, v.Submit(Request{Tenant: "tenant-a"}), "full channel drops, never blocks")
}

// slowSource signals when a comparison enters it, then stalls.
type slowSource struct {
	metrics.Source
	entered chan struct{}
	delay   time.Duration
	once    sync.Once
}

func (s *slowSource) ProposalsBetween(ctx context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.Proposal, error) {
	s.once.Do(func() { close(s.entered) })
	time.Sleep(s.delay)
	return s.Source.ProposalsBetween(ctx, tenant, from, to)
}

func TestStop_ReturnsWithComparisonInFlight(t *testing.T) {
	// GIVEN: one comparison mid-flight and another queued behind it
	// WHEN: Stop is called
	// THEN: Stop returns; the worker takes the cooldown mutex to claim the
	//       next request, so Stop must not hold it across the wait

	mem := memstore.NewMemory()
	src := &slowSource{Source: mem, entered: make(chan struct{}), delay: 150 * time.Millisecond}
	v := NewValidator(src, mem, &capturedDivergences{})
	v.Start()

	require.True(t, v.Submit(Request{Tenant: "tenant-a", Range: testRange()}))
	require.True(t, v.Submit(Request{Tenant: "tenant-b", Range: testRange()}))
	<-src.entered

	done := make(chan struct{})
	go func() {
		v.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with a comparison in flight")
	}
}

// =============================================================================
// V2 FROM ROLLUPS
// =============================================================================

func TestValidateTenant_DerivesV2FromRollups(t *testing.T) {
	// GIVEN: rollups saying closed=900 total while raw proposals say 900,
	//        but a rollup avg ticket of 450 against a V1 ticket of 900
	// WHEN: validating the tenant
	// THEN: exactly the avg ticket divergence is recorded

	v, mem, captured := newTestValidator(t)
	ctx := context.Background()
	for _, day := range []metrics.DateKey{"2025-03-01", "2025-03-02"} {
		require.NoError(t, mem.ReplaceRevenueSummary(ctx, "tenant-a", day, metrics.RevenueSummaryRow{
			Tenant: "tenant-a", DateKey: day,
			ClosedRevenue: dec("450"), AvgTicket: dec("450"),
			ForecastRevenue: decimal.Zero, AvgCycleDays: decimal.Zero,
		}))
	}

	require.NoError(t, v.ValidateTenant(ctx, "tenant-a", testRange()))

	rows := captured.all()
	require.Len(t, rows, 1)
	assert.Equal(t, MetricAvgTicket, rows[0].MetricKey)
	assert.True(t, rows[0].V1Value.Equal(dec("900")))
	assert.True(t, rows[0].V2Value.Equal(dec("450")))
}

// =============================================================================
// SWEEP ISOLATION
// =============================================================================

type errSource struct {
	metrics.Source
	failFor metrics.TenantID
}

func (e errSource) ProposalsBetween(ctx context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.Proposal, error) {
	if tenant == e.failFor {
		return nil, errors.New("source down")
	}
	return e.Source.ProposalsBetween(ctx, tenant, from, to)
}

type fakeLister struct{ tenants []string }

func (f fakeLister) TenantsWithFlag(context.Context, string) ([]string, error) {
	return f.tenants, nil
}

type fakeRuns struct{ claims map[string]bool }

func (f *fakeRuns) ClaimRun(_ context.Context, job string, day metrics.DateKey) (bool, error) {
	key := job + "/" + string(day)
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func TestSweep_IsolatesPerTenantFailures(t *testing.T) {
	// GIVEN: two exposed tenants, one with a failing source
	// WHEN: sweeping
	// THEN: the healthy tenant is still compared

	mem := memstore.NewMemory()
	mem.AddProposal(metrics.Proposal{
		Tenant: "tenant-good", VendorID: "v1", Status: "aprovada",
		Total: dec("900"), CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	captured := &capturedDivergences{}
	v := NewValidator(errSource{Source: mem, failFor: "tenant-bad"}, mem, captured)

	s := NewValidationScheduler(v, fakeLister{tenants: []string{"tenant-bad", "tenant-good"}},
		&fakeRuns{claims: make(map[string]bool)})

	// Rollups are empty, so the healthy tenant's V2 closed revenue is 0
	// against a V1 of 900: a divergence proves it was compared.
	s.Sweep(context.Background(), time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC))

	rows := captured.all()
	require.NotEmpty(t, rows)
	for _, d := range rows {
		assert.Equal(t, metrics.TenantID("tenant-good"), d.Tenant)
	}
}
