package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancelled marks work stopped by run cancellation.
var ErrCancelled = errors.New("cancelled")

// ValidationError is a structural problem in a blueprint. It is reported at
// publish or start time, never while a run is executing.
type ValidationError struct {
	Code    string `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Code, e.NodeID, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "blueprint invalid: " + strings.Join(msgs, "; ")
}

// Has reports whether an error with code is present.
func (e ValidationErrors) Has(code string) bool {
	for _, v := range e {
		if v.Code == code {
			return true
		}
	}
	return false
}

// ToolError is a failure reported by a tool collaborator.
type ToolError struct {
	ToolID  string `json:"tool_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.ToolID, e.Code, e.Message)
}

// BrainError is a failure reported by a reasoning collaborator.
type BrainError struct {
	Model   string `json:"model"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *BrainError) Error() string {
	return fmt.Sprintf("brain %s: %s: %s", e.Model, e.Code, e.Message)
}

// TimeoutError is returned when a collaborator call exceeds its deadline.
type TimeoutError struct {
	Op    string        `json:"op"`
	After time.Duration `json:"after"`
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// IterationLimitExceeded is fatal: a loop ran past its cap.
type IterationLimitExceeded struct {
	NodeID string `json:"node_id"`
	Limit  int    `json:"limit"`
}

func (e *IterationLimitExceeded) Error() string {
	return fmt.Sprintf("iteration limit %d exceeded at node %s", e.Limit, e.NodeID)
}

// RunFailed is the terminal failure of a run.
type RunFailed struct {
	RunID     string `json:"run_id"`
	NodeID    string `json:"node_id"`
	LastError string `json:"last_error"`
}

func (e *RunFailed) Error() string {
	return fmt.Sprintf("run %s failed at node %s: %s", e.RunID, e.NodeID, e.LastError)
}

// RejectionReason explains why one action in a batch was refused.
type RejectionReason struct {
	Index   int        `json:"index"`
	Action  ActionType `json:"action,omitempty"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// MutationRejected means a whole action batch was rolled back.
type MutationRejected struct {
	Reasons []RejectionReason `json:"reasons"`
}

func (e *MutationRejected) Error() string {
	msgs := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		msgs[i] = fmt.Sprintf("action %d (%s): %s: %s", r.Index, r.Action, r.Code, r.Message)
	}
	return "mutation rejected: " + strings.Join(msgs, "; ")
}

// IsRetryable reports whether the resilience policy may retry err.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	var (
		te *ToolError
		be *BrainError
		to *TimeoutError
	)
	return errors.As(err, &te) || errors.As(err, &be) || errors.As(err, &to)
}
