package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/blueprint-engine/internal/auth"
	"github.com/flexinfer/blueprint-engine/internal/blueprintstore"
	"github.com/flexinfer/blueprint-engine/internal/mutation"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// CreateBlueprint handles POST /api/v1/blueprints
func (h *Handlers) CreateBlueprint(w http.ResponseWriter, r *http.Request) {
	var bp types.Blueprint
	if err := decodeBody(r, &bp, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid blueprint: "+err.Error(), nil)
		return
	}
	created, err := h.Blueprints.Create(r.Context(), &bp)
	if err != nil {
		h.respondDomainError(w, r, "failed to create blueprint", err)
		return
	}
	h.logger.Info("blueprint created", "blueprint_id", created.ID, "actor", auth.GetClaims(r.Context()).Actor())
	h.respondJSON(w, http.StatusCreated, created)
}

// ListBlueprints handles GET /api/v1/blueprints
func (h *Handlers) ListBlueprints(w http.ResponseWriter, r *http.Request) {
	opts := &blueprintstore.ListOptions{AgentID: r.URL.Query().Get("agent_id")}
	opts.Limit, opts.Offset = pagination(r)
	bps, err := h.Blueprints.List(r.Context(), opts)
	if err != nil {
		h.respondDomainError(w, r, "failed to list blueprints", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"blueprints": bps})
}

// GetBlueprint handles GET /api/v1/blueprints/{id}. ?version= selects a
// stored version; otherwise the draft, or the latest version, is returned.
func (h *Handlers) GetBlueprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var (
		bp  *types.Blueprint
		err error
	)
	if version := r.URL.Query().Get("version"); version != "" {
		bp, err = h.Blueprints.GetVersion(r.Context(), id, version)
	} else {
		bp, err = h.Blueprints.Get(r.Context(), id)
	}
	if err != nil {
		h.respondDomainError(w, r, "failed to get blueprint", err)
		return
	}
	h.respondJSON(w, http.StatusOK, bp)
}

// UpdateBlueprint handles PUT /api/v1/blueprints/{id}. The body replaces the
// draft; published versions are never touched.
func (h *Handlers) UpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var bp types.Blueprint
	if err := decodeBody(r, &bp, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid blueprint: "+err.Error(), nil)
		return
	}
	draft, err := h.Blueprints.UpdateDraft(r.Context(), id, &bp)
	if err != nil {
		h.respondDomainError(w, r, "failed to update blueprint", err)
		return
	}
	h.respondJSON(w, http.StatusOK, draft)
}

// DeleteBlueprint handles DELETE /api/v1/blueprints/{id}
func (h *Handlers) DeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Blueprints.Delete(r.Context(), id); err != nil {
		h.respondDomainError(w, r, "failed to delete blueprint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateResponse reports a validation pass.
type ValidateResponse struct {
	Valid  bool                    `json:"valid"`
	Errors []types.ValidationError `json:"errors,omitempty"`
	// Order is the execution order of a valid blueprint.
	Order []string `json:"order,omitempty"`
	// Loops maps each loop header to its iteration cap.
	Loops map[string]int `json:"loops,omitempty"`
}

// ValidateBlueprint handles POST /api/v1/blueprints/{id}/validate. A body
// is validated in place of the stored draft.
func (h *Handlers) ValidateBlueprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body types.Blueprint
	var raw json.RawMessage
	if err := decodeBody(r, &raw, true); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}

	var bp *types.Blueprint
	if len(raw) > 0 && string(raw) != "null" {
		if res := h.Validator.ValidateJSON(raw); !res.Valid {
			h.respondJSON(w, http.StatusOK, ValidateResponse{Errors: res.Errors})
			return
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			h.respondJSON(w, http.StatusOK, ValidateResponse{Errors: []types.ValidationError{{
				Code: "schema", Path: "$", Message: err.Error(),
			}}})
			return
		}
		body.ID = id
		bp = &body
	} else {
		stored, err := h.Blueprints.Get(r.Context(), id)
		if err != nil {
			h.respondDomainError(w, r, "failed to get blueprint", err)
			return
		}
		bp = stored
	}

	plan, err := h.Validator.Validate(r.Context(), bp)
	var verrs types.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		h.respondJSON(w, http.StatusOK, ValidateResponse{Errors: verrs})
		return
	case err != nil:
		h.respondDomainError(w, r, "failed to validate blueprint", err)
		return
	}
	resp := ValidateResponse{Valid: true, Order: plan.Order}
	if len(plan.Loops) > 0 {
		resp.Loops = make(map[string]int, len(plan.Loops))
		for header, loop := range plan.Loops {
			resp.Loops[header] = loop.Cap
		}
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// PublishBlueprint handles POST /api/v1/blueprints/{id}/publish
func (h *Handlers) PublishBlueprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	bp, err := h.Blueprints.Publish(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to publish blueprint", err)
		return
	}
	h.logger.Info("blueprint published",
		"blueprint_id", bp.ID,
		"version", bp.Version,
		"actor", auth.GetClaims(r.Context()).Actor())
	h.respondJSON(w, http.StatusOK, bp)
}

// ListVersions handles GET /api/v1/blueprints/{id}/versions
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	versions, err := h.Blueprints.ListVersions(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to list versions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// ApplyMutations handles POST /api/v1/blueprints/{id}/mutations. The body
// is an action array or {"actions": [...]}. The batch is applied to the draft
// atomically: either every action lands or none. ?dry_run=true returns the
// mutated blueprint without saving it.
func (h *Handlers) ApplyMutations(w http.ResponseWriter, r *http.Request) {
	if h.Mutator == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "mutations not configured", nil)
		return
	}
	id := mux.Vars(r)["id"]
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	actions, err := mutation.ParseActions(raw)
	if err != nil {
		h.respondDomainError(w, r, "invalid actions", err)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	bp, err := h.Blueprints.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get blueprint", err)
		return
	}
	mutated, err := h.Mutator.Apply(r.Context(), bp, actions)
	if err != nil {
		h.respondDomainError(w, r, "mutation rejected", err)
		return
	}
	if dryRun {
		h.respondJSON(w, http.StatusOK, mutated)
		return
	}
	saved, err := h.Blueprints.UpdateDraft(r.Context(), id, mutated)
	if err != nil {
		h.respondDomainError(w, r, "failed to save draft", err)
		return
	}
	h.logger.Info("mutation applied",
		"blueprint_id", id,
		"actions", len(actions),
		"actor", auth.GetClaims(r.Context()).Actor())
	h.respondJSON(w, http.StatusOK, saved)
}

// ProposeMutations handles POST /api/v1/blueprints/{id}/assistant. Nothing
// is saved; the caller applies the returned actions through /mutations.
func (h *Handlers) ProposeMutations(w http.ResponseWriter, r *http.Request) {
	if h.Assistant == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "assistant not configured", nil)
		return
	}
	id := mux.Vars(r)["id"]
	var req mutation.ProposeRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	if req.Instruction == "" {
		h.respondError(w, r, http.StatusBadRequest, "instruction is required", nil)
		return
	}
	bp, err := h.Blueprints.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get blueprint", err)
		return
	}
	proposal, err := h.Assistant.Propose(r.Context(), bp, &req)
	if err != nil {
		var be *types.BrainError
		var te *types.TimeoutError
		if errors.As(err, &be) || errors.As(err, &te) {
			h.respondError(w, r, http.StatusBadGateway, "assistant failed: "+err.Error(), err)
			return
		}
		h.respondDomainError(w, r, "assistant failed", err)
		return
	}
	h.respondJSON(w, http.StatusOK, proposal)
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
