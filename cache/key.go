/*
key.go - Deterministic cache key construction

PURPOSE:
  Builds the cache key for one logical dashboard read:

    {tenant}:{periodKey}:{scope}:{filterHash}

  Identical tenant, period, scope, and filter VALUES always produce the
  same key, regardless of how the request arrived. Changing any single
  filter value changes the key.

HASHING:
  Filters are canonicalized into a fixed field order and digested with
  sha256, truncated to 12 hex chars. The scope is part of the digested
  payload as well as the key, so two scopes never collide even with equal
  filters.
*/
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Filters is the canonical filter set carried by dashboard reads.
type Filters struct {
	VendorID   string
	PipelineID string
	Timezone   string
}

// Scope names for the dashboard read operations.
const (
	ScopeOverview        = "overview"
	ScopeTrends          = "trends"
	ScopeFunnel          = "funnel"
	ScopePipelineSummary = "pipeline-summary"
	ScopeInsights        = "insights"
)

// Key builds the deterministic cache key for one logical read.
func Key(tenant, periodKey, scope string, f Filters) string {
	return fmt.Sprintf("%s:%s:%s:%s", tenant, periodKey, scope, hashFilters(scope, f))
}

// TenantPrefix is the invalidation prefix covering every key of a tenant.
func TenantPrefix(tenant string) string {
	return tenant + ":"
}

func hashFilters(scope string, f Filters) string {
	payload := fmt.Sprintf("vendor=%s|pipeline=%s|tz=%s|scope=%s",
		f.VendorID, f.PipelineID, f.Timezone, scope)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:12]
}
