/*
source.go - Raw record shapes and persistence interfaces

PURPOSE:
  Defines the read-only view the aggregation engine has over the CRM's raw
  records (opportunities, stage-transition events, proposals), the tenant
  registry used by the background sweeps, and the RollupStore contract the
  engine writes through.

REPLACEMENT CONTRACT:
  Every Replace* method swaps out ALL rows for one (tenant, day) of one
  rollup kind atomically: delete then insert inside one transaction. This
  is what makes RecomputeDay idempotent and safe to retry.

IMPLEMENTATIONS:
  - store/sqlite: production store (raw tables + rollup tables)
  - metrics/store: in-memory implementation for tests

SEE ALSO:
  - engine.go: the only writer of rollup rows
  - dashboard/facade.go: the main reader
*/
package metrics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RAW RECORDS (external collaborators, read-only)
// =============================================================================

// Opportunity is a raw pipeline record. Stage carries the label as stored,
// which may be any legacy alias; normalization happens in the engine.
type Opportunity struct {
	ID          string
	Tenant      TenantID
	Stage       string
	Value       decimal.Decimal
	Probability decimal.Decimal // percent, 0-100
	CreatedAt   time.Time
}

// StageEvent is one observed stage transition. Append-only at the source.
// FromStage is empty for the initial placement of a record.
type StageEvent struct {
	Tenant        TenantID
	OpportunityID string
	FromStage     string
	ToStage       string
	ChangedAt     time.Time
}

// Proposal is a raw commercial proposal record.
type Proposal struct {
	Tenant    TenantID
	VendorID  string
	Status    string
	Total     decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time // zero means never updated; treat as CreatedAt
}

// Proposal status vocabulary (legacy Portuguese, lowercase).
var (
	// ApprovedStatuses count toward closed revenue and average ticket.
	ApprovedStatuses = []string{"aprovada", "aceita"}
	// FinalStatuses count toward the average cycle calculation.
	FinalStatuses = []string{"aprovada", "aceita", "rejeitada", "expirada"}
)

// Source is the read-only view over raw records the engine aggregates from.
type Source interface {
	// OpportunitiesAsOf returns every opportunity created strictly before
	// cutoff. Day-end queries pass midnight UTC of the following day.
	OpportunitiesAsOf(ctx context.Context, tenant TenantID, cutoff time.Time) ([]Opportunity, error)

	// StageEventsBetween returns events with from <= ChangedAt < to,
	// ordered by ChangedAt ascending. A zero from means "since the
	// beginning".
	StageEventsBetween(ctx context.Context, tenant TenantID, from, to time.Time) ([]StageEvent, error)

	// ProposalsBetween returns proposals created in [from, to).
	ProposalsBetween(ctx context.Context, tenant TenantID, from, to time.Time) ([]Proposal, error)
}

// TenantRegistry lists the active tenants, for "all tenants" sweeps.
type TenantRegistry interface {
	ActiveTenants(ctx context.Context) ([]TenantID, error)
}

// =============================================================================
// ROLLUP STORE
// =============================================================================

// RollupStore persists and serves the four daily rollup kinds.
type RollupStore interface {
	// Write side: wholesale replacement per (tenant, day) per kind.
	ReplacePipelineSnapshot(ctx context.Context, tenant TenantID, day DateKey, rows []PipelineSnapshotRow) error
	ReplaceFunnelTransitions(ctx context.Context, tenant TenantID, day DateKey, rows []FunnelTransitionRow) error
	ReplaceStageAging(ctx context.Context, tenant TenantID, day DateKey, rows []StageAgingRow) error
	ReplaceRevenueSummary(ctx context.Context, tenant TenantID, day DateKey, row RevenueSummaryRow) error

	// Read side.
	RevenueSummaries(ctx context.Context, tenant TenantID, from, to DateKey) ([]RevenueSummaryRow, error)
	FunnelTransitions(ctx context.Context, tenant TenantID, from, to DateKey) ([]FunnelTransitionRow, error)
	PipelineSnapshot(ctx context.Context, tenant TenantID, day DateKey) ([]PipelineSnapshotRow, error)
	StageAging(ctx context.Context, tenant TenantID, day DateKey) ([]StageAgingRow, error)

	// LatestPipelineDate returns the most recent date key with pipeline
	// snapshot data at or before atOrBefore. ok is false when none exists.
	LatestPipelineDate(ctx context.Context, tenant TenantID, atOrBefore DateKey) (day DateKey, ok bool, err error)
}
