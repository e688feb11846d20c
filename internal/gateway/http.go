package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// maxResponseBytes bounds tool and brain response bodies.
const maxResponseBytes = 8 << 20

// ToolCall is the JSON body sent to http and nats tools.
type ToolCall struct {
	ToolID string         `json:"tool_id"`
	RunID  string         `json:"run_id,omitempty"`
	NodeID string         `json:"node_id,omitempty"`
	Params map[string]any `json:"params"`
}

// ToolReply is the JSON body http and nats tools answer with.
type ToolReply struct {
	Success *bool  `json:"success,omitempty"`
	Output  any    `json:"output"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// toOutput converts a reply into the call result.
func (r *ToolReply) toOutput(toolID string) (*ToolOutput, error) {
	if r.Error != "" || (r.Success != nil && !*r.Success) {
		code := r.Code
		if code == "" {
			code = "tool_error"
		}
		return nil, &types.ToolError{ToolID: toolID, Code: code, Message: r.Error}
	}
	return &ToolOutput{Output: r.Output}, nil
}

// NewHTTPClient returns an http.Client whose transport is traced.
func NewHTTPClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: otelhttp.NewTransport(base)}
}

// HTTP posts tool calls to the manifest endpoint.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an http runtime. A nil client gets a traced default.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = NewHTTPClient(nil)
	}
	return &HTTP{client: client}
}

// Invoke sends the call and decodes the reply.
func (h *HTTP) Invoke(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
	body, err := json.Marshal(&ToolCall{ToolID: m.ID, RunID: req.RunID, NodeID: req.NodeID, Params: req.Params})
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Run-Id", req.RunID)
	httpReq.Header.Set("X-Node-Id", req.NodeID)
	for k, v := range req.Credentials {
		httpReq.Header.Set(credentialHeader(k), v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.ToolError{ToolID: m.ID, Code: "unavailable", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "read_failed", Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.ToolError{
			ToolID:  m.ID,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: string(bytes.TrimSpace(raw)),
		}
	}

	var reply ToolReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "invalid_output", Message: err.Error()}
	}
	return reply.toOutput(m.ID)
}

var _ Runtime = (*HTTP)(nil)
