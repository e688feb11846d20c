package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// ErrNoRuntime is returned when no runtime is registered for a manifest.
var ErrNoRuntime = errors.New("no runtime for tool")

// Catalog resolves tool manifests.
type Catalog interface {
	GetTool(ctx context.Context, id string) (*types.ToolManifest, error)
}

// Runtime invokes one kind of tool transport.
type Runtime interface {
	Invoke(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error)

func (f RuntimeFunc) Invoke(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
	return f(ctx, m, req)
}

// Router is the ToolGateway. It looks up the manifest, validates params
// against its input schema and hands the call to the manifest's runtime.
type Router struct {
	catalog     Catalog
	runtimes    map[types.ToolRuntime]Runtime
	credentials CredentialSource
	logger      *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewRouter creates a router with the builtin runtime registered.
func NewRouter(catalog Catalog, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		catalog:  catalog,
		runtimes: make(map[types.ToolRuntime]Runtime),
		logger:   logger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	r.Handle(types.ToolRuntimeBuiltin, Builtin{})
	return r
}

// Handle registers rt for a runtime kind, replacing any previous one.
func (r *Router) Handle(kind types.ToolRuntime, rt Runtime) {
	r.runtimes[kind] = rt
}

// UseCredentials makes the router attach per-agent credentials to each call.
func (r *Router) UseCredentials(src CredentialSource) {
	r.credentials = src
}

// Invoke runs a tool call.
func (r *Router) Invoke(ctx context.Context, req *ToolRequest) (*ToolOutput, error) {
	m, err := r.catalog.GetTool(ctx, req.ToolID)
	if err != nil {
		return nil, fmt.Errorf("resolve tool %s: %w", req.ToolID, err)
	}
	rt, ok := r.runtimes[m.Runtime]
	if !ok {
		return nil, fmt.Errorf("%w %s (runtime %s)", ErrNoRuntime, m.ID, m.Runtime)
	}

	if err := r.validateParams(m, req.Params); err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "invalid_params", Message: err.Error()}
	}
	if req, err = r.withCredentials(ctx, m, req); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if m.TimeoutSeconds > 0 {
		if t := time.Duration(m.TimeoutSeconds) * time.Second; timeout <= 0 || t < timeout {
			timeout = t
		}
	}
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	out, err := rt.Invoke(callCtx, m, req)
	err = mapDeadline(callCtx, "tool "+m.ID, timeout, err)
	metrics.GatewayCalls.WithLabelValues("tool", string(m.Runtime), metrics.Result(err)).Inc()
	if err != nil {
		r.logger.Debug("tool call failed",
			"tool_id", m.ID,
			"run_id", req.RunID,
			"node_id", req.NodeID,
			"error", err)
		return nil, err
	}
	return out, nil
}

// withCredentials returns a copy of req carrying the credentials linked to
// the calling agent. Values supplied by the caller are replaced.
func (r *Router) withCredentials(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolRequest, error) {
	if r.credentials == nil || req.AgentID == "" {
		return req, nil
	}
	creds, err := r.credentials.Credentials(ctx, req.AgentID, m.ID)
	if err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "credentials_unavailable", Message: err.Error()}
	}
	call := *req
	call.Credentials = creds
	return &call, nil
}

// validateParams checks params against the manifest input schema. Compiled
// schemas are cached by tool id and schema digest.
func (r *Router) validateParams(m *types.ToolManifest, params map[string]any) error {
	if len(bytes.TrimSpace(m.InputSchema)) == 0 {
		return nil
	}
	sum := sha256.Sum256(m.InputSchema)
	key := m.ID + "@" + hex.EncodeToString(sum[:8])

	r.mu.Lock()
	schema, ok := r.schemas[key]
	r.mu.Unlock()
	if !ok {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "tool://" + m.ID + "/input.json"
		if err := c.AddResource(url, bytes.NewReader(m.InputSchema)); err != nil {
			return fmt.Errorf("load input schema: %w", err)
		}
		var err error
		schema, err = c.Compile(url)
		if err != nil {
			return fmt.Errorf("compile input schema: %w", err)
		}
		r.mu.Lock()
		r.schemas[key] = schema
		r.mu.Unlock()
	}

	// Round trip so the validator sees plain JSON types.
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return schema.Validate(doc)
}

// Builtin serves the tools compiled into the engine.
type Builtin struct{}

func (Builtin) Invoke(_ context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
	switch m.ID {
	case "echo":
		params := req.Params
		if params == nil {
			params = map[string]any{}
		}
		return &ToolOutput{Output: params}, nil
	}
	return nil, &types.ToolError{ToolID: m.ID, Code: "unknown_builtin", Message: "no builtin implementation"}
}

var (
	_ ToolGateway = (*Router)(nil)
	_ Runtime     = Builtin{}
	_ Runtime     = RuntimeFunc(nil)
)
