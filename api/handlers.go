/*
handlers.go - HTTP API handlers for the dashboard metrics service

PURPOSE:
  Exposes the rollup pipeline via REST. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Dashboard (all take tenantId, periodStart, periodEnd, vendorId,
  pipelineId, timezone query params):
    GET  /api/dashboard/overview          Period totals
    GET  /api/dashboard/trends            Per-day series
    GET  /api/dashboard/funnel            Stage-pair totals
    GET  /api/dashboard/pipeline-summary  Latest stage snapshot
    GET  /api/dashboard/insights          Heuristic callouts

  Events:
    POST /api/events/stage-change         Record + enqueue recompute

  Admin:
    GET  /api/admin/flags/{tenantId}      Resolve the dashboard flag
    PUT  /api/admin/flags/{tenantId}      Upsert the dashboard flag
    POST /api/admin/recompute             Manual daily reprocess
    GET  /api/admin/divergences           Recent V1/V2 divergences

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Dashboard not enabled for the tenant
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/metrics-engine/cache"
	"github.com/warp/metrics-engine/dashboard"
	"github.com/warp/metrics-engine/flags"
	"github.com/warp/metrics-engine/jobs"
	"github.com/warp/metrics-engine/metrics"
	"github.com/warp/metrics-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Dashboard *dashboard.Service
	Flags     *flags.Resolver
	Queue     *jobs.Queue

	now func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, svc *dashboard.Service, resolver *flags.Resolver, queue *jobs.Queue) *Handler {
	return &Handler{
		Store:     store,
		Dashboard: svc,
		Flags:     resolver,
		Queue:     queue,
		now:       time.Now,
	}
}

// =============================================================================
// DASHBOARD READS
// =============================================================================

func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	h.serveDashboard(w, r, h.Dashboard.Overview)
}

func (h *Handler) GetTrends(w http.ResponseWriter, r *http.Request) {
	h.serveDashboard(w, r, h.Dashboard.Trends)
}

func (h *Handler) GetFunnel(w http.ResponseWriter, r *http.Request) {
	h.serveDashboard(w, r, h.Dashboard.Funnel)
}

func (h *Handler) GetPipelineSummary(w http.ResponseWriter, r *http.Request) {
	h.serveDashboard(w, r, h.Dashboard.PipelineSummary)
}

func (h *Handler) GetInsights(w http.ResponseWriter, r *http.Request) {
	h.serveDashboard(w, r, h.Dashboard.Insights)
}

func (h *Handler) serveDashboard(w http.ResponseWriter, r *http.Request, read func(context.Context, dashboard.Query) (dashboard.Envelope, error)) {
	q, err := dashboardQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	env, err := read(r.Context(), q)
	switch {
	case errors.Is(err, dashboard.ErrFeatureDisabled):
		writeError(w, http.StatusForbidden, "dashboard not enabled for tenant", nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "dashboard read failed", err)
	default:
		writeJSON(w, http.StatusOK, env)
	}
}

func dashboardQuery(r *http.Request) (dashboard.Query, error) {
	params := r.URL.Query()
	tenant := params.Get("tenantId")
	if tenant == "" {
		return dashboard.Query{}, fmt.Errorf("tenantId is required")
	}
	return dashboard.Query{
		Tenant:      metrics.TenantID(tenant),
		PeriodStart: params.Get("periodStart"),
		PeriodEnd:   params.Get("periodEnd"),
		Filters: cache.Filters{
			VendorID:   params.Get("vendorId"),
			PipelineID: params.Get("pipelineId"),
			Timezone:   params.Get("timezone"),
		},
	}, nil
}

// =============================================================================
// STAGE-CHANGE EVENTS
// =============================================================================

// PostStageChange records a stage transition and enqueues the recompute of
// the day it touched.
func (h *Handler) PostStageChange(w http.ResponseWriter, r *http.Request) {
	var req StageChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.TenantID == "" || req.OpportunityID == "" || req.ToStage == "" {
		writeError(w, http.StatusBadRequest, "tenantId, opportunityId, and toStage are required", nil)
		return
	}

	changedAt := h.now().UTC()
	if req.ChangedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ChangedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "changedAt must be RFC 3339", err)
			return
		}
		changedAt = parsed.UTC()
	}

	ctx := r.Context()
	tenant := metrics.TenantID(req.TenantID)
	if err := h.Store.UpsertTenant(ctx, tenant, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register tenant", err)
		return
	}
	if err := h.Store.InsertStageEvent(ctx, metrics.StageEvent{
		Tenant:        tenant,
		OpportunityID: req.OpportunityID,
		FromStage:     req.FromStage,
		ToStage:       req.ToStage,
		ChangedAt:     changedAt,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record stage event", err)
		return
	}
	if err := h.Store.UpdateOpportunityStage(ctx, tenant, req.OpportunityID, req.ToStage); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update opportunity", err)
		return
	}

	job := jobs.NewStageEventJob(tenant, req.OpportunityID, changedAt)
	resp := EnqueueResponse{}
	if h.Queue.Enqueue(job) {
		resp.Enqueued = append(resp.Enqueued, job.ID())
	} else {
		resp.Deduped = append(resp.Deduped, job.ID())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// =============================================================================
// FLAG ADMIN
// =============================================================================

// GetFlag resolves the dashboard flag for one tenant.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantId")
	res, err := h.Flags.Resolve(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve flag", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PutFlag upserts the dashboard flag for one tenant.
func (h *Handler) PutFlag(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantId")

	var req FlagUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	if err := h.Flags.SetFlag(r.Context(), tenant, req.Enabled, req.RolloutPercentage, req.UpdatedBy); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update flag", err)
		return
	}

	res, err := h.Flags.Resolve(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve flag", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// RECOMPUTE ADMIN
// =============================================================================

// PostRecompute enqueues daily reprocess jobs for one tenant.
func (h *Handler) PostRecompute(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}

	var days []metrics.DateKey
	if req.DateKey != "" {
		day, err := metrics.ParseDateKey(req.DateKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dateKey must be YYYY-MM-DD", err)
			return
		}
		days = []metrics.DateKey{day}
	} else {
		today := metrics.DateKeyOf(h.now())
		days = []metrics.DateKey{today.AddDays(-1), today}
	}

	resp := EnqueueResponse{}
	for _, day := range days {
		job := jobs.NewDailyReprocessJob(metrics.TenantID(req.TenantID), day)
		if h.Queue.Enqueue(job) {
			resp.Enqueued = append(resp.Enqueued, job.ID())
		} else {
			resp.Deduped = append(resp.Deduped, job.ID())
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetDivergences lists the most recent V1/V2 divergences for a tenant.
func (h *Handler) GetDivergences(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenantId")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = parsed
	}

	rows, err := h.Store.ListDivergences(r.Context(), metrics.TenantID(tenant), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list divergences", err)
		return
	}
	if rows == nil {
		rows = []metrics.Divergence{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": h.Queue.PendingCount(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
