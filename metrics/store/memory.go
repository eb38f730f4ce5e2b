// Package store provides Source and RollupStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/metrics-engine/metrics"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements metrics.Source, metrics.RollupStore, and
// metrics.TenantRegistry backed by maps. Seed it with Add* calls.
type Memory struct {
	mu            sync.RWMutex
	opportunities map[metrics.TenantID][]metrics.Opportunity
	stageEvents   map[metrics.TenantID][]metrics.StageEvent
	proposals     map[metrics.TenantID][]metrics.Proposal

	pipeline map[rollupKey][]metrics.PipelineSnapshotRow
	funnel   map[rollupKey][]metrics.FunnelTransitionRow
	aging    map[rollupKey][]metrics.StageAgingRow
	revenue  map[rollupKey]*metrics.RevenueSummaryRow
}

type rollupKey struct {
	Tenant metrics.TenantID
	Day    metrics.DateKey
}

func NewMemory() *Memory {
	return &Memory{
		opportunities: make(map[metrics.TenantID][]metrics.Opportunity),
		stageEvents:   make(map[metrics.TenantID][]metrics.StageEvent),
		proposals:     make(map[metrics.TenantID][]metrics.Proposal),
		pipeline:      make(map[rollupKey][]metrics.PipelineSnapshotRow),
		funnel:        make(map[rollupKey][]metrics.FunnelTransitionRow),
		aging:         make(map[rollupKey][]metrics.StageAgingRow),
		revenue:       make(map[rollupKey]*metrics.RevenueSummaryRow),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) AddOpportunity(o metrics.Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opportunities[o.Tenant] = append(m.opportunities[o.Tenant], o)
}

func (m *Memory) AddStageEvent(ev metrics.StageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append(m.stageEvents[ev.Tenant], ev)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ChangedAt.Before(events[j].ChangedAt)
	})
	m.stageEvents[ev.Tenant] = events
}

func (m *Memory) AddProposal(p metrics.Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.Tenant] = append(m.proposals[p.Tenant], p)
}

// =============================================================================
// SOURCE
// =============================================================================

func (m *Memory) OpportunitiesAsOf(_ context.Context, tenant metrics.TenantID, cutoff time.Time) ([]metrics.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []metrics.Opportunity
	for _, o := range m.opportunities[tenant] {
		if o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) StageEventsBetween(_ context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.StageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []metrics.StageEvent
	for _, ev := range m.stageEvents[tenant] {
		if !from.IsZero() && ev.ChangedAt.Before(from) {
			continue
		}
		if !ev.ChangedAt.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *Memory) ProposalsBetween(_ context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []metrics.Proposal
	for _, p := range m.proposals[tenant] {
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) ActiveTenants(_ context.Context) ([]metrics.TenantID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[metrics.TenantID]bool)
	for t := range m.opportunities {
		seen[t] = true
	}
	for t := range m.stageEvents {
		seen[t] = true
	}
	for t := range m.proposals {
		seen[t] = true
	}
	tenants := make([]metrics.TenantID, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i] < tenants[j] })
	return tenants, nil
}

// =============================================================================
// ROLLUP STORE
// =============================================================================

func (m *Memory) ReplacePipelineSnapshot(_ context.Context, tenant metrics.TenantID, day metrics.DateKey, rows []metrics.PipelineSnapshotRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipeline[rollupKey{tenant, day}] = append([]metrics.PipelineSnapshotRow(nil), rows...)
	return nil
}

func (m *Memory) ReplaceFunnelTransitions(_ context.Context, tenant metrics.TenantID, day metrics.DateKey, rows []metrics.FunnelTransitionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funnel[rollupKey{tenant, day}] = append([]metrics.FunnelTransitionRow(nil), rows...)
	return nil
}

func (m *Memory) ReplaceStageAging(_ context.Context, tenant metrics.TenantID, day metrics.DateKey, rows []metrics.StageAgingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aging[rollupKey{tenant, day}] = append([]metrics.StageAgingRow(nil), rows...)
	return nil
}

func (m *Memory) ReplaceRevenueSummary(_ context.Context, tenant metrics.TenantID, day metrics.DateKey, row metrics.RevenueSummaryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revenue[rollupKey{tenant, day}] = &row
	return nil
}

func (m *Memory) RevenueSummaries(_ context.Context, tenant metrics.TenantID, from, to metrics.DateKey) ([]metrics.RevenueSummaryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []metrics.RevenueSummaryRow
	for k, row := range m.revenue {
		if k.Tenant != tenant || k.Day < from || k.Day > to {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateKey < out[j].DateKey })
	return out, nil
}

func (m *Memory) FunnelTransitions(_ context.Context, tenant metrics.TenantID, from, to metrics.DateKey) ([]metrics.FunnelTransitionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []metrics.FunnelTransitionRow
	for k, rows := range m.funnel {
		if k.Tenant != tenant || k.Day < from || k.Day > to {
			continue
		}
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateKey != out[j].DateKey {
			return out[i].DateKey < out[j].DateKey
		}
		if out[i].FromStage != out[j].FromStage {
			return out[i].FromStage < out[j].FromStage
		}
		return out[i].ToStage < out[j].ToStage
	})
	return out, nil
}

func (m *Memory) PipelineSnapshot(_ context.Context, tenant metrics.TenantID, day metrics.DateKey) ([]metrics.PipelineSnapshotRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.pipeline[rollupKey{tenant, day}]
	return append([]metrics.PipelineSnapshotRow(nil), rows...), nil
}

func (m *Memory) StageAging(_ context.Context, tenant metrics.TenantID, day metrics.DateKey) ([]metrics.StageAgingRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.aging[rollupKey{tenant, day}]
	return append([]metrics.StageAgingRow(nil), rows...), nil
}

func (m *Memory) LatestPipelineDate(_ context.Context, tenant metrics.TenantID, atOrBefore metrics.DateKey) (metrics.DateKey, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best metrics.DateKey
	found := false
	for k, rows := range m.pipeline {
		if k.Tenant != tenant || k.Day > atOrBefore || len(rows) == 0 {
			continue
		}
		if !found || k.Day > best {
			best = k.Day
			found = true
		}
	}
	return best, found, nil
}
