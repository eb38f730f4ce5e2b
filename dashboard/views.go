/*
views.go - Aggregation of rollup rows into response payloads

PURPOSE:
  Pure functions turning daily rollup rows into the JSON shapes the
  dashboard serves. Decimal math stays decimal until the DTO boundary,
  where values become plain float64 fields.

AGGREGATION RULES:
  - Overview: revenues sum across days; averages average over the days
    actually present; active count is the last day's point-in-time value
  - Trends: one point per revenue day, joined with that day's overall
    funnel conversion
  - Funnel: counts sum per stage pair across the period and the rate is
    recomputed from the summed counts (averaging daily rates would weight
    a 1-transition day like a 100-transition day)
*/
package dashboard

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/metrics-engine/metrics"
	"github.com/warp/metrics-engine/stage"
)

// =============================================================================
// DTOS
// =============================================================================

type OverviewDTO struct {
	ClosedRevenue   float64 `json:"closedRevenue"`
	ForecastRevenue float64 `json:"forecastRevenue"`
	AvgTicket       float64 `json:"avgTicket"`
	AvgCycleDays    float64 `json:"avgCycleDays"`
	ActiveCount     int     `json:"activeCount"`
}

type TrendPointDTO struct {
	Date            string  `json:"date"`
	ClosedRevenue   float64 `json:"closedRevenue"`
	ForecastRevenue float64 `json:"forecastRevenue"`
	ConversionRate  float64 `json:"conversionRate"`
}

type FunnelStepDTO struct {
	FromStage       string  `json:"fromStage"`
	ToStage         string  `json:"toStage"`
	EnteredCount    int     `json:"enteredCount"`
	ProgressedCount int     `json:"progressedCount"`
	ConversionRate  float64 `json:"conversionRate"`
}

type PipelineStageDTO struct {
	Stage      string  `json:"stage"`
	Count      int     `json:"count"`
	TotalValue float64 `json:"totalValue"`
}

type PipelineSummaryDTO struct {
	DateKey string             `json:"dateKey"`
	Stages  []PipelineStageDTO `json:"stages"`
}

type InsightDTO struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// =============================================================================
// OVERVIEW
// =============================================================================

// overviewView keeps decimals for the validation hand-off; the DTO carries
// floats.
type overviewView struct {
	closedRevenue   decimal.Decimal
	forecastRevenue decimal.Decimal
	avgTicket       decimal.Decimal
	avgCycleDays    decimal.Decimal
	activeCount     int
}

func buildOverview(rows []metrics.RevenueSummaryRow) overviewView {
	view := overviewView{
		closedRevenue:   decimal.Zero,
		forecastRevenue: decimal.Zero,
		avgTicket:       decimal.Zero,
		avgCycleDays:    decimal.Zero,
	}
	if len(rows) == 0 {
		return view
	}

	for _, r := range rows {
		view.closedRevenue = view.closedRevenue.Add(r.ClosedRevenue)
		view.forecastRevenue = view.forecastRevenue.Add(r.ForecastRevenue)
		view.avgTicket = view.avgTicket.Add(r.AvgTicket)
		view.avgCycleDays = view.avgCycleDays.Add(r.AvgCycleDays)
	}
	days := decimal.NewFromInt(int64(len(rows)))
	view.avgTicket = metrics.Round2(view.avgTicket.DivRound(days, 6))
	view.avgCycleDays = metrics.Round2(view.avgCycleDays.DivRound(days, 6))
	view.activeCount = rows[len(rows)-1].ActiveCount
	return view
}

func (v overviewView) dto() OverviewDTO {
	return OverviewDTO{
		ClosedRevenue:   v.closedRevenue.InexactFloat64(),
		ForecastRevenue: v.forecastRevenue.InexactFloat64(),
		AvgTicket:       v.avgTicket.InexactFloat64(),
		AvgCycleDays:    v.avgCycleDays.InexactFloat64(),
		ActiveCount:     v.activeCount,
	}
}

// =============================================================================
// TRENDS
// =============================================================================

func buildTrends(revenue []metrics.RevenueSummaryRow, funnel []metrics.FunnelTransitionRow) []TrendPointDTO {
	type dayCounts struct{ entered, progressed int }
	byDay := make(map[metrics.DateKey]dayCounts)
	for _, f := range funnel {
		c := byDay[f.DateKey]
		c.entered += f.EnteredCount
		c.progressed += f.ProgressedCount
		byDay[f.DateKey] = c
	}

	points := make([]TrendPointDTO, 0, len(revenue))
	for _, r := range revenue {
		c := byDay[r.DateKey]
		points = append(points, TrendPointDTO{
			Date:            string(r.DateKey),
			ClosedRevenue:   r.ClosedRevenue.InexactFloat64(),
			ForecastRevenue: r.ForecastRevenue.InexactFloat64(),
			ConversionRate:  metrics.ConversionRate(c.progressed, c.entered).InexactFloat64(),
		})
	}
	return points
}

// =============================================================================
// FUNNEL
// =============================================================================

func buildFunnel(rows []metrics.FunnelTransitionRow) []FunnelStepDTO {
	type pair struct{ from, to stage.Stage }
	type totals struct{ entered, progressed int }
	sums := make(map[pair]totals)
	for _, r := range rows {
		key := pair{r.FromStage, r.ToStage}
		t := sums[key]
		t.entered += r.EnteredCount
		t.progressed += r.ProgressedCount
		sums[key] = t
	}

	keys := make([]pair, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if a, b := stageOrder(keys[i].from), stageOrder(keys[j].from); a != b {
			return a < b
		}
		return stageOrder(keys[i].to) < stageOrder(keys[j].to)
	})

	steps := make([]FunnelStepDTO, 0, len(keys))
	for _, k := range keys {
		t := sums[k]
		steps = append(steps, FunnelStepDTO{
			FromStage:       string(k.from),
			ToStage:         string(k.to),
			EnteredCount:    t.entered,
			ProgressedCount: t.progressed,
			ConversionRate:  metrics.ConversionRate(t.progressed, t.entered).InexactFloat64(),
		})
	}
	return steps
}

func stageOrder(s stage.Stage) int {
	for i, known := range stage.All {
		if known == s {
			return i
		}
	}
	return len(stage.All)
}

// =============================================================================
// PIPELINE SUMMARY
// =============================================================================

func buildPipelineSummary(day metrics.DateKey, rows []metrics.PipelineSnapshotRow) PipelineSummaryDTO {
	sorted := append([]metrics.PipelineSnapshotRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		return stageOrder(sorted[i].Stage) < stageOrder(sorted[j].Stage)
	})

	stages := make([]PipelineStageDTO, 0, len(sorted))
	for _, r := range sorted {
		stages = append(stages, PipelineStageDTO{
			Stage:      string(r.Stage),
			Count:      r.Count,
			TotalValue: r.TotalValue.InexactFloat64(),
		})
	}
	return PipelineSummaryDTO{DateKey: string(day), Stages: stages}
}

// =============================================================================
// INSIGHTS
// =============================================================================

// forecastAlertRatio flags periods whose open forecast outruns what
// actually closed.
var forecastAlertRatio = decimal.RequireFromString("1.4")

func buildInsights(revenue []metrics.RevenueSummaryRow, stalled int) []InsightDTO {
	var insights []InsightDTO
	view := buildOverview(revenue)

	if view.forecastRevenue.GreaterThan(view.closedRevenue.Mul(forecastAlertRatio)) {
		insights = append(insights, InsightDTO{
			Type:     "forecast_above_closed",
			Severity: "opportunity",
			Message:  "Forecast revenue is well above closed revenue; several deals are waiting to land.",
		})
	}

	if n := len(revenue); n >= 2 {
		last, prior := revenue[n-1], revenue[n-2]
		if last.ClosedRevenue.LessThan(prior.ClosedRevenue) {
			insights = append(insights, InsightDTO{
				Type:     "revenue_dip",
				Severity: "warning",
				Message:  fmt.Sprintf("Closed revenue fell on %s compared to the previous day.", last.DateKey),
			})
		}
	}

	if stalled > 0 {
		insights = append(insights, InsightDTO{
			Type:     "stalled_opportunities",
			Severity: "warning",
			Message:  fmt.Sprintf("%d opportunities have not moved stage recently.", stalled),
		})
	}

	if len(insights) == 0 {
		insights = append(insights, InsightDTO{
			Type:     "stable",
			Severity: "info",
			Message:  "Pipeline looks healthy for this period.",
		})
	}
	return insights
}
