package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/blueprint-engine/internal/archive"
	"github.com/flexinfer/blueprint-engine/internal/auth"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// StartRunRequest is the request body for starting runs.
type StartRunRequest struct {
	TriggerInput map[string]any `json:"trigger_input"`
	// TriggerID starts a single run through one trigger.
	TriggerID string `json:"trigger_id,omitempty"`
	// TriggerKind starts one run per trigger of that kind.
	TriggerKind types.TriggerKind `json:"trigger_kind,omitempty"`
}

// StartRunResponse lists the runs created.
type StartRunResponse struct {
	RunIDs []string `json:"run_ids"`
}

// StartRuns handles POST /api/v1/blueprints/{id}/runs
func (h *Handlers) StartRuns(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req StartRunRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	if req.TriggerInput == nil {
		req.TriggerInput = map[string]any{}
	}

	var runIDs []string
	if req.TriggerID != "" {
		runID, err := h.Engine.StartWithTrigger(r.Context(), id, req.TriggerID, req.TriggerInput)
		if err != nil {
			h.respondDomainError(w, r, "failed to start run", err)
			return
		}
		runIDs = []string{runID}
	} else {
		var err error
		runIDs, err = h.Engine.StartKind(r.Context(), id, req.TriggerKind, req.TriggerInput)
		if err != nil {
			h.respondDomainError(w, r, "failed to start run", err)
			return
		}
	}
	h.logger.Info("runs started", "blueprint_id", id, "run_ids", runIDs)
	h.respondJSON(w, http.StatusAccepted, StartRunResponse{RunIDs: runIDs})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Engine.List(r.Context(), r.URL.Query().Get("blueprint_id"))
	if err != nil {
		h.respondDomainError(w, r, "failed to list runs", err)
		return
	}
	if status := types.RunStatus(r.URL.Query().Get("status")); status != "" {
		filtered := runs[:0]
		for _, m := range runs {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		runs = filtered
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := h.Engine.Cancel(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, "failed to cancel run", err)
		return
	}
	h.logger.Info("run cancelled", "run_id", runID, "actor", auth.GetClaims(r.Context()).Actor())
	h.respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// ApproveNode handles POST /api/v1/runs/{id}/nodes/{node}/approve
func (h *Handlers) ApproveNode(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, mux.Vars(r)["id"], mux.Vars(r)["node"], auth.DecisionApprove)
}

// RejectNode handles POST /api/v1/runs/{id}/nodes/{node}/reject
func (h *Handlers) RejectNode(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, mux.Vars(r)["id"], mux.Vars(r)["node"], auth.DecisionReject)
}

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, runID, nodeID, decision string) {
	var err error
	if decision == auth.DecisionApprove {
		err = h.Engine.Approve(r.Context(), runID, nodeID)
	} else {
		err = h.Engine.Reject(r.Context(), runID, nodeID)
	}
	if err != nil {
		h.respondDomainError(w, r, "failed to "+decision+" node", err)
		return
	}
	h.logger.Info("approval resolved",
		"run_id", runID,
		"node_id", nodeID,
		"decision", decision,
		"actor", auth.GetClaims(r.Context()).Actor())
	h.respondJSON(w, http.StatusOK, map[string]string{
		"run_id":   runID,
		"node_id":  nodeID,
		"decision": decision,
	})
}

// ApprovalLinks are single-use URLs resolving one parked node.
type ApprovalLinks struct {
	Approve   string    `json:"approve"`
	Reject    string    `json:"reject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateApprovalLinks handles POST /api/v1/runs/{id}/nodes/{node}/approval-links.
// The links can be handed to someone without API credentials.
func (h *Handlers) CreateApprovalLinks(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "approval links not configured", nil)
		return
	}
	runID, nodeID := mux.Vars(r)["id"], mux.Vars(r)["node"]
	rec, err := h.Engine.Get(r.Context(), runID)
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	st := rec.NodeStates[nodeID]
	if st == nil || st.Status != types.NodeStatusWaitingApproval {
		h.respondError(w, r, http.StatusConflict, "node is not waiting for approval", nil)
		return
	}

	approve, err := h.Approvals.Sign(runID, nodeID, auth.DecisionApprove)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to sign approval", err)
		return
	}
	reject, err := h.Approvals.Sign(runID, nodeID, auth.DecisionReject)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to sign approval", err)
		return
	}
	claims, _ := h.Approvals.Parse(approve)
	base := strings.TrimSuffix(apiBase(r), "/") + "/approvals/"
	links := ApprovalLinks{Approve: base + approve, Reject: base + reject}
	if claims != nil {
		links.ExpiresAt = claims.ExpiresAt.Time
	}
	h.respondJSON(w, http.StatusCreated, links)
}

// RedeemApproval handles POST /api/v1/approvals/{token}. The token is the
// credential, so the route is public.
func (h *Handlers) RedeemApproval(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "approval links not configured", nil)
		return
	}
	claims, err := h.Approvals.Redeem(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.respondDomainError(w, r, "approval link rejected", err)
		return
	}
	h.decide(w, r, claims.RunID, claims.NodeID, claims.Decision)
}

// GetRunArchive handles GET /api/v1/runs/{id}/archive. With ?download=1 it
// returns a time-limited link to the stored object instead of the document.
func (h *Handlers) GetRunArchive(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		h.respondError(w, r, http.StatusNotFound, "archive not configured", archive.ErrNotArchived)
		return
	}
	rec, err := h.Engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	if r.URL.Query().Get("download") == "1" {
		ttl := h.config.Archive.LinkTTL
		url, err := h.Archive.DownloadURL(r.Context(), rec.BlueprintID, rec.RunID, ttl)
		if err != nil {
			h.respondDomainError(w, r, "failed to issue download link", err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]any{
			"url":        url,
			"expires_at": time.Now().UTC().Add(ttl),
		})
		return
	}
	doc, err := h.Archive.Get(r.Context(), rec.BlueprintID, rec.RunID)
	if err != nil {
		h.respondDomainError(w, r, "failed to read archive", err)
		return
	}
	h.respondJSON(w, http.StatusOK, doc)
}

// apiBase returns the absolute /api/v1 URL the request arrived on.
func apiBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + "/api/v1"
}
