/*
Package metrics provides the tenant-scoped rollup domain.

PURPOSE:
  This package contains the types and algorithms behind the Dashboard V2
  metrics pipeline: daily rollup rows derived from raw CRM records, the
  date-key/range math shared by writers and readers, and the aggregation
  engine that materializes one day's rollups per tenant.

KEY CONCEPTS IN THIS FILE (types.go):
  - TenantID/DateKey: Type-safe keys; every rollup row is scoped by both
  - PipelineSnapshotRow, FunnelTransitionRow, StageAgingRow,
    RevenueSummaryRow: The four daily rollup kinds
  - Divergence: Append-only record of a V1/V2 metric mismatch
  - DateRange: A resolved [start, end] day window

DESIGN PRINCIPLES:
  1. Replacement, not mutation: rollup rows for a (tenant, day) are always
     deleted and re-inserted wholesale, never merged
  2. Precision: decimal.Decimal for money and rates, rounded to 2 places
     at the persistence boundary
  3. UTC everywhere: date keys are UTC calendar days

SEE ALSO:
  - source.go: Raw record shapes and accessor interfaces
  - engine.go: The aggregation engine
*/
package metrics

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/metrics-engine/stage"
)

// =============================================================================
// IDENTIFIERS & DATE KEYS
// =============================================================================

// TenantID identifies the organization that owns a row. Rollups for one
// tenant never mix with another's.
type TenantID string

// DateKey is a UTC calendar day in YYYY-MM-DD form.
type DateKey string

const dateKeyLayout = "2006-01-02"

// DateKeyOf returns the date key of t's UTC calendar day.
func DateKeyOf(t time.Time) DateKey {
	return DateKey(t.UTC().Format(dateKeyLayout))
}

// ParseDateKey parses a YYYY-MM-DD key.
func ParseDateKey(s string) (DateKey, error) {
	t, err := time.Parse(dateKeyLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date key %q: %w", s, err)
	}
	return DateKeyOf(t), nil
}

// Time returns midnight UTC of the key's day. Zero time for invalid keys.
func (k DateKey) Time() time.Time {
	t, err := time.Parse(dateKeyLayout, string(k))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// AddDays returns the key n days later (negative n goes backward).
func (k DateKey) AddDays(n int) DateKey {
	return DateKeyOf(k.Time().AddDate(0, 0, n))
}

func (k DateKey) String() string { return string(k) }

// =============================================================================
// DATE RANGE
// =============================================================================

// DateRange is a resolved [Start, End] window. Start is midnight UTC of the
// first day; End is the exclusive upper bound (midnight UTC after the last
// day).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// DefaultRangeDays is the trailing window used when a request names no period.
const DefaultRangeDays = 30

// ResolveRange builds a day-aligned range from optional RFC 3339 or
// YYYY-MM-DD bounds. Missing or malformed inputs fall back to the trailing
// DefaultRangeDays window ending today; inverted bounds are swapped.
func ResolveRange(periodStart, periodEnd string, now time.Time) DateRange {
	defEndDay := dayStart(now)
	defStartDay := defEndDay.AddDate(0, 0, -(DefaultRangeDays - 1))

	startDay := dayStart(parseRangeBound(periodStart, defStartDay))
	endDay := dayStart(parseRangeBound(periodEnd, defEndDay))
	if startDay.After(endDay) {
		startDay, endDay = endDay, startDay
	}
	return DateRange{Start: startDay, End: endDay.AddDate(0, 0, 1)}
}

func parseRangeBound(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{dateKeyLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartKey returns the date key of the first day in range.
func (r DateRange) StartKey() DateKey { return DateKeyOf(r.Start) }

// EndKey returns the date key of the last day in range.
func (r DateRange) EndKey() DateKey { return DateKeyOf(r.End.Add(-time.Nanosecond)) }

// Days returns the number of calendar days covered.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// PeriodKey encodes the range for cache keys: "start_end" in date keys.
func (r DateRange) PeriodKey() string {
	return fmt.Sprintf("%s_%s", r.StartKey(), r.EndKey())
}

// =============================================================================
// ROLLUP ROWS
// =============================================================================

// PipelineSnapshotRow is the count/value of records in one stage as of the
// end of one day. Stages with zero count are omitted.
type PipelineSnapshotRow struct {
	Tenant     TenantID
	DateKey    DateKey
	Stage      stage.Stage
	Count      int
	TotalValue decimal.Decimal
}

// FunnelTransitionRow records stage-to-stage movement observed within one
// day. EnteredCount is the total number of transitions out of FromStage that
// day; ConversionRate = ProgressedCount/EnteredCount*100.
type FunnelTransitionRow struct {
	Tenant          TenantID
	DateKey         DateKey
	FromStage       stage.Stage
	ToStage         stage.Stage
	EnteredCount    int
	ProgressedCount int
	ConversionRate  decimal.Decimal
}

// StageAgingRow aggregates, per stage, how long records currently in that
// stage have sat there (days since their last stage change, as of day end).
type StageAgingRow struct {
	Tenant       TenantID
	DateKey      DateKey
	Stage        stage.Stage
	AvgDays      decimal.Decimal
	StalledCount int
}

// RevenueSummaryRow is the one-per-tenant-per-day revenue rollup.
type RevenueSummaryRow struct {
	Tenant          TenantID
	DateKey         DateKey
	ClosedRevenue   decimal.Decimal
	ForecastRevenue decimal.Decimal
	AvgTicket       decimal.Decimal
	AvgCycleDays    decimal.Decimal
	ActiveCount     int
}

// Divergence is one detected V1/V2 mismatch beyond the configured
// threshold. Write-once; never updated.
type Divergence struct {
	Tenant        TenantID
	MetricKey     string
	PeriodStart   DateKey
	PeriodEnd     DateKey
	V1Value       decimal.Decimal
	V2Value       decimal.Decimal
	DivergencePct decimal.Decimal
	CreatedAt     time.Time
}

// =============================================================================
// NUMERIC HELPERS
// =============================================================================

// Round2 rounds to 2 decimal places, the precision every persisted monetary
// value and rate carries.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// FractionalDays converts a duration to fractional days (seconds / 86400).
func FractionalDays(d time.Duration) decimal.Decimal {
	return decimal.NewFromFloat(d.Seconds() / 86400.0)
}
