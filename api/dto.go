/*
dto.go - Request/response data structures

PURPOSE:
  JSON shapes for the HTTP surface. Dashboard payloads come straight from
  the dashboard package; this file carries only the admin and event
  bodies plus the standard error envelope.
*/
package api

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// FlagUpdateRequest upserts one tenant's dashboard flag.
type FlagUpdateRequest struct {
	Enabled           bool   `json:"enabled"`
	RolloutPercentage int    `json:"rolloutPercentage"`
	UpdatedBy         string `json:"updatedBy"`
}

// StageChangeRequest is the event the CRM posts when an opportunity moves
// stage.
type StageChangeRequest struct {
	TenantID      string `json:"tenantId"`
	OpportunityID string `json:"opportunityId"`
	FromStage     string `json:"fromStage"`
	ToStage       string `json:"toStage"`
	ChangedAt     string `json:"changedAt,omitempty"` // RFC 3339; empty = now
}

// RecomputeRequest manually enqueues daily reprocess jobs for one tenant.
// Empty dateKey reprocesses yesterday and today.
type RecomputeRequest struct {
	TenantID string `json:"tenantId"`
	DateKey  string `json:"dateKey,omitempty"`
}

// EnqueueResponse reports which jobs the request actually queued.
type EnqueueResponse struct {
	Enqueued []string `json:"enqueued"`
	Deduped  []string `json:"deduped,omitempty"`
}
