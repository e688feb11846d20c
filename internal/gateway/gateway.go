// Package gateway defines the tool and brain invocation contracts and their
// runtime implementations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// EventFunc receives intermediate events (logs, partial output) while a call
// is in flight.
type EventFunc func(ctx context.Context, ev *types.EventInput)

// ToolRequest is a single tool invocation.
type ToolRequest struct {
	ToolID  string
	Params  map[string]any
	Timeout time.Duration

	// RunID and NodeID identify the caller for logs and job labels.
	RunID  string
	NodeID string
	// AgentID selects the credentials linked to the tool.
	AgentID string

	// Credentials are filled in by the Router from its CredentialSource and
	// handed to the runtime as environment variables or headers.
	Credentials map[string]string

	// OnEvent, when set, receives streamed tool events.
	OnEvent EventFunc
}

// ToolOutput is the result of a successful tool call.
type ToolOutput struct {
	Output any `json:"output"`
}

// ToolGateway invokes tool collaborators.
type ToolGateway interface {
	Invoke(ctx context.Context, req *ToolRequest) (*ToolOutput, error)
}

// BrainRequest is a single reasoning call.
type BrainRequest struct {
	ModelRef    string
	Prompt      string
	Context     map[string]any
	Tools       []*types.ToolManifest
	Temperature float64
	Timeout     time.Duration

	RunID  string
	NodeID string
}

// BrainOutput carries either text, proposed actions, or both.
type BrainOutput struct {
	Text    string            `json:"text,omitempty"`
	Actions []json.RawMessage `json:"actions,omitempty"`
	Model   string            `json:"model,omitempty"`
}

// BrainGateway invokes reasoning collaborators.
type BrainGateway interface {
	Invoke(ctx context.Context, req *BrainRequest) (*BrainOutput, error)
}

// ToolFunc adapts a function to ToolGateway.
type ToolFunc func(ctx context.Context, req *ToolRequest) (*ToolOutput, error)

func (f ToolFunc) Invoke(ctx context.Context, req *ToolRequest) (*ToolOutput, error) {
	return f(ctx, req)
}

// BrainFunc adapts a function to BrainGateway.
type BrainFunc func(ctx context.Context, req *BrainRequest) (*BrainOutput, error)

func (f BrainFunc) Invoke(ctx context.Context, req *BrainRequest) (*BrainOutput, error) {
	return f(ctx, req)
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// mapDeadline turns a deadline overrun into a TimeoutError. Cancellation of
// the parent is passed through untouched.
func mapDeadline(ctx context.Context, op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.TimeoutError{Op: op, After: timeout}
	}
	if errors.Is(err, context.Canceled) {
		return errors.Join(types.ErrCancelled, err)
	}
	return err
}

var (
	_ ToolGateway  = ToolFunc(nil)
	_ BrainGateway = BrainFunc(nil)
)
