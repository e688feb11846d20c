// Package api serves the blueprint engine REST, SSE and websocket surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/flexinfer/blueprint-engine/internal/archive"
	"github.com/flexinfer/blueprint-engine/internal/auth"
	"github.com/flexinfer/blueprint-engine/internal/blueprintstore"
	"github.com/flexinfer/blueprint-engine/internal/config"
	"github.com/flexinfer/blueprint-engine/internal/mutation"
	"github.com/flexinfer/blueprint-engine/internal/registry"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Engine is the run control surface of the scheduler.
type Engine interface {
	StartKind(ctx context.Context, blueprintID string, kind types.TriggerKind, input map[string]any) ([]string, error)
	StartWithTrigger(ctx context.Context, blueprintID, triggerID string, input map[string]any) (string, error)
	Get(ctx context.Context, runID string) (*types.ExecutionRecord, error)
	List(ctx context.Context, blueprintID string) ([]*types.RunMeta, error)
	Approve(ctx context.Context, runID, nodeID string) error
	Reject(ctx context.Context, runID, nodeID string) error
	Cancel(ctx context.Context, runID string) error
}

// BlueprintStore is the versioned blueprint repository.
type BlueprintStore interface {
	Create(ctx context.Context, bp *types.Blueprint) (*types.Blueprint, error)
	Get(ctx context.Context, id string) (*types.Blueprint, error)
	GetVersion(ctx context.Context, id, version string) (*types.Blueprint, error)
	ListVersions(ctx context.Context, id string) ([]blueprintstore.VersionInfo, error)
	List(ctx context.Context, opts *blueprintstore.ListOptions) ([]*types.Blueprint, error)
	UpdateDraft(ctx context.Context, id string, bp *types.Blueprint) (*types.Blueprint, error)
	Publish(ctx context.Context, id string) (*types.Blueprint, error)
	Delete(ctx context.Context, id string) error
}

// GraphValidator checks a blueprint and returns its execution plan.
type GraphValidator interface {
	Validate(ctx context.Context, bp *types.Blueprint) (*validator.Plan, error)
	ValidateJSON(data []byte) *validator.ValidationResult
}

// Mutator applies an action batch atomically.
type Mutator interface {
	Apply(ctx context.Context, bp *types.Blueprint, actions []types.Action) (*types.Blueprint, error)
}

// Assistant proposes action batches from an instruction.
type Assistant interface {
	Propose(ctx context.Context, bp *types.Blueprint, req *mutation.ProposeRequest) (*mutation.Proposal, error)
}

// ToolCatalog lists registered tools.
type ToolCatalog interface {
	List(ctx context.Context, opts *registry.ListOptions) ([]*types.ToolManifest, error)
}

// Deps are the collaborators behind the API. Engine, Blueprints, Events and
// Validator are required; the rest switch their routes off when nil.
type Deps struct {
	Engine     Engine
	Blueprints BlueprintStore
	Events     runstore.RunStore
	Validator  GraphValidator
	Mutator    Mutator
	Assistant  Assistant
	Tools      ToolCatalog
	Archive    archive.Archiver
	Approvals  *auth.ApprovalSigner
	// Ready lists extra readiness probes by name.
	Ready map[string]func(ctx context.Context) error
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	Deps
	config *config.Config
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Handlers{Deps: deps, config: cfg, logger: logger}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.Events.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	checks := map[string]string{}
	for name, probe := range h.Deps.Ready {
		if err := probe(ctx); err != nil {
			h.respondError(w, r, http.StatusServiceUnavailable, name+" unhealthy", err)
			return
		}
		checks[name] = "ok"
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runstore": info,
		"checks":   checks,
	})
}

// --- Tools ---

// ListTools handles GET /api/v1/tools
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	if h.Tools == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{"tools": registry.Builtins()})
		return
	}
	opts := &registry.ListOptions{Runtime: types.ToolRuntime(r.URL.Query().Get("runtime"))}
	opts.Limit, opts.Offset = pagination(r)
	tools, err := h.Tools.List(r.Context(), opts)
	if err != nil {
		h.respondDomainError(w, r, "failed to list tools", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// --- Helpers ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil {
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.logger.Log(r.Context(), level, message,
			"error", err,
			"status", status,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context(), r))
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, nil)
}

// respondDomainError classifies err and writes it with its details.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code, details := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "path", r.URL.Path, "request_id", GetRequestID(r.Context(), r))
	} else {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	writeErrorResponse(w, r, status, code, message, details)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
