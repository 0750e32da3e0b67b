package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kvndo/querygate/internal/audit"
	"github.com/kvndo/querygate/internal/auth"
	"github.com/kvndo/querygate/internal/plan"
	"github.com/kvndo/querygate/internal/workflow"
	"github.com/kvndo/querygate/pkg/ratelimit"
)

type Handler struct {
	runner  *workflow.Runner
	audit   audit.Store
	limiter *ratelimit.Limiter
}

func NewHandler(runner *workflow.Runner, auditStore audit.Store, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		runner:  runner,
		audit:   auditStore,
		limiter: limiter,
	}
}

type queryRequest struct {
	SQL        string `json:"sql"`
	WorkflowID string `json:"workflow_id"`
}

type runRequest struct {
	Goal  string      `json:"goal"`
	Steps []plan.Step `json:"steps"`
}

// HandleQuery wraps a single SQL statement in a one-step plan and runs
// it through the admission gate and executor. Policy denials are not
// transport errors: they come back as 200 with allowed=false and a
// next_action hint.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	p := &plan.Plan{
		Goal: "ad-hoc query",
		Steps: []plan.Step{
			{ID: 1, Tool: plan.ToolExecuteQuery, Inputs: map[string]any{"sql": req.SQL}},
		},
	}

	result, err := h.runner.Run(r.Context(), tenantID, workflowID, requestID, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleWorkflowRun executes a multi-step plan under the workflow ID
// from the URL. Replaying the same workflow with the same step payloads
// serves cached outcomes instead of re-executing.
func (h *Handler) HandleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	workflowID := chi.URLParam(r, "workflowID")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow id is required")
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "at least one step is required")
		return
	}

	p := &plan.Plan{Goal: req.Goal, Steps: req.Steps}

	result, err := h.runner.Run(r.Context(), tenantID, workflowID, requestID, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleUsage reports the tenant's audited steps and total bytes
// scanned over a window, defaulting to the last 30 days.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.audit.GetByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totalBytes, err := h.audit.TotalBytesByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"total_steps": len(records),
		"total_bytes": totalBytes,
		"steps":       records,
		"from":        from,
		"to":          to,
	})
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	allowed, err := h.limiter.Allow(ctx, tenantID)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60s")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", "", false
	}

	return tenantID, requestID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf("failed to encode response: %v\n", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
