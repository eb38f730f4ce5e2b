/*
Package flags gates dashboard exposure per tenant.

PURPOSE:
  Resolves whether the Dashboard V2 read surface is enabled for a tenant.
  Supports a full override (enabled=true) and a deterministic percentage
  rollout for gradual exposure.

ROLLOUT DETERMINISM:
  A tenant's rollout bucket is FNV-1a(tenant id) mod 100, a stable value
  in [0,100). The tenant is included iff bucket < rollout_percentage, so:
  - the same tenant always lands on the same side of the line
  - raising the percentage only ever ADDS tenants, never removes one

RESOLUTION RULES (in order):
  1. No flag row            -> disabled   (source "disabled")
  2. enabled = true         -> enabled    (source "enabled")
  3. bucket < rollout pct   -> enabled    (source "rollout")
  4. otherwise              -> disabled   (source "disabled")

SEE ALSO:
  - store/sqlite: the persistent Store implementation (atomic upsert)
  - dashboard/facade.go: checks the flag before every read
*/
package flags

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// DefaultFlagKey is the flag gating the Dashboard V2 read surface.
const DefaultFlagKey = "dashboard_v2"

// Record is one persisted flag row, keyed by (tenant, flag key).
type Record struct {
	Tenant            string
	FlagKey           string
	Enabled           bool
	RolloutPercentage int // 0..100
	UpdatedBy         string
	UpdatedAt         time.Time
}

// Store persists flag rows. Upsert must be atomic: it is called from admin
// actions that can race with resolution reads.
type Store interface {
	// GetFlag returns the row for (tenant, flagKey), or nil when absent.
	GetFlag(ctx context.Context, tenant, flagKey string) (*Record, error)

	// UpsertFlag atomically inserts or replaces the row.
	UpsertFlag(ctx context.Context, rec Record) error

	// TenantsWithFlag lists tenants whose row has enabled=true or
	// rollout_percentage > 0 (the reconciliation sweep population).
	TenantsWithFlag(ctx context.Context, flagKey string) ([]string, error)
}

// Source tells auditors which resolution rule fired.
type Source string

const (
	SourceDisabled Source = "disabled"
	SourceEnabled  Source = "enabled"
	SourceRollout  Source = "rollout"
)

// Resolution is the outcome of resolving a tenant's flag.
type Resolution struct {
	Enabled           bool   `json:"enabled"`
	Source            Source `json:"source"`
	RolloutPercentage int    `json:"rolloutPercentage"`
}

// Resolver resolves per-tenant enablement.
type Resolver struct {
	Store   Store
	FlagKey string
}

// NewResolver resolves the default dashboard flag against store.
func NewResolver(store Store) *Resolver {
	return &Resolver{Store: store, FlagKey: DefaultFlagKey}
}

// Resolve applies the resolution rules for one tenant.
func (r *Resolver) Resolve(ctx context.Context, tenant string) (Resolution, error) {
	rec, err := r.Store.GetFlag(ctx, tenant, r.FlagKey)
	if err != nil {
		return Resolution{}, fmt.Errorf("get flag %s/%s: %w", tenant, r.FlagKey, err)
	}
	if rec == nil {
		return Resolution{Enabled: false, Source: SourceDisabled}, nil
	}
	if rec.Enabled {
		return Resolution{Enabled: true, Source: SourceEnabled, RolloutPercentage: rec.RolloutPercentage}, nil
	}
	if rec.RolloutPercentage > 0 && Bucket(tenant) < rec.RolloutPercentage {
		return Resolution{Enabled: true, Source: SourceRollout, RolloutPercentage: rec.RolloutPercentage}, nil
	}
	return Resolution{Enabled: false, Source: SourceDisabled, RolloutPercentage: rec.RolloutPercentage}, nil
}

// SetFlag upserts the tenant's flag row. Rollout is clamped to [0,100].
func (r *Resolver) SetFlag(ctx context.Context, tenant string, enabled bool, rolloutPercentage int, updatedBy string) error {
	if rolloutPercentage < 0 {
		rolloutPercentage = 0
	}
	if rolloutPercentage > 100 {
		rolloutPercentage = 100
	}
	rec := Record{
		Tenant:            tenant,
		FlagKey:           r.FlagKey,
		Enabled:           enabled,
		RolloutPercentage: rolloutPercentage,
		UpdatedBy:         updatedBy,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := r.Store.UpsertFlag(ctx, rec); err != nil {
		return fmt.Errorf("upsert flag %s/%s: %w", tenant, r.FlagKey, err)
	}
	return nil
}

// Bucket returns the tenant's stable rollout bucket in [0,100).
func Bucket(tenant string) int {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	return int(h.Sum32() % 100)
}
