package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending         NodeStatus = "pending"
	NodeStatusRunning         NodeStatus = "running"
	NodeStatusWaitingApproval NodeStatus = "waiting_approval"
	NodeStatusWaitingTimer    NodeStatus = "waiting_timer"
	NodeStatusCompleted       NodeStatus = "completed"
	NodeStatusFailed          NodeStatus = "failed"
	NodeStatusSkipped         NodeStatus = "skipped"
)

// IsTerminal reports whether the node has finished for the current iteration.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// IsWaiting reports whether the node is parked on an external event.
func (s NodeStatus) IsWaiting() bool {
	return s == NodeStatusWaitingApproval || s == NodeStatusWaitingTimer
}

// Reasons recorded on skipped or failed nodes.
const (
	ReasonBranchInactive = "branch_inactive"
	ReasonUpstreamFailed = "upstream_failed"
	ReasonRejected       = "rejected"
	ReasonCancelled      = "cancelled"
	ReasonOtherTrigger   = "other_trigger"
	ReasonRetryExhausted = "retries_exhausted"
	ReasonIterationLimit = "iteration_limit"
	ReasonAborted        = "aborted"
)

// NodeState tracks the runtime state of a node within a run.
type NodeState struct {
	NodeID     string     `json:"node_id"`
	Status     NodeStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// NextAttemptAt is set while a retry is backing off.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	// ResumeAt is the estimated resume time of a waiting_timer node.
	ResumeAt *time.Time `json:"resume_at,omitempty"`
	// Budget is the attempt number after which retries are exhausted. It grows
	// when a human approves another round.
	Budget int `json:"budget"`
	// Polls counts resume-condition checks of a wait node in the current
	// loop iteration.
	Polls int `json:"polls,omitempty"`

	Evaluation *Evaluation     `json:"evaluation,omitempty"`
	History    []AttemptRecord `json:"history,omitempty"`
}

// AttemptRecord is one dispatch of a node.
type AttemptRecord struct {
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Retryable  bool       `json:"retryable,omitempty"`
}

// Evaluation records how a logic node or wait condition was decided.
type Evaluation struct {
	Expression string `json:"expression"`
	Rendered   string `json:"rendered"`
	Result     bool   `json:"result"`
	Error      string `json:"error,omitempty"`
}

// ExecutionRecord is one run of a blueprint version.
type ExecutionRecord struct {
	RunID            string                `json:"run_id"`
	BlueprintID      string                `json:"blueprint_id"`
	BlueprintVersion string                `json:"blueprint_version"`
	TriggerID        string                `json:"trigger_id"`
	Status           RunStatus             `json:"status"`
	NodeStates       map[string]*NodeState `json:"node_states"`

	// Context holds the trigger input under "input" and each completed node's
	// output under "<nodeId>.output". Keys are written once per iteration.
	Context map[string]any `json:"context"`

	// Iterations counts re-entries per loop header node.
	Iterations map[string]int `json:"iterations,omitempty"`

	Error       string     `json:"error,omitempty"`
	FailedNode  string     `json:"failed_node,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OutputKey is the context key a node's output is stored under.
func OutputKey(nodeID string) string { return nodeID + ".output" }

// InputKey is the context key of the trigger input.
const InputKey = "input"

// ToolOutputRef names the whole output of the nearest tool ancestor.
const ToolOutputRef = "output"

// Clone returns a deep copy of the record.
func (r *ExecutionRecord) Clone() (*ExecutionRecord, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var out ExecutionRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &out, nil
}

// Pending returns the nodes parked on an approval or timer.
func (r *ExecutionRecord) Pending() []PendingItem {
	var out []PendingItem
	for id, st := range r.NodeStates {
		if st.Status.IsWaiting() {
			out = append(out, PendingItem{NodeID: id, Status: st.Status, ResumeAt: st.ResumeAt})
		}
	}
	return out
}

// PendingItem describes a suspension point of a run.
type PendingItem struct {
	NodeID   string     `json:"node_id"`
	Status   NodeStatus `json:"status"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID               string     `json:"id"`
	BlueprintID      string     `json:"blueprint_id"`
	BlueprintVersion string     `json:"blueprint_version"`
	TriggerID        string     `json:"trigger_id"`
	Status           RunStatus  `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Meta returns the listing view of the record.
func (r *ExecutionRecord) Meta() *RunMeta {
	return &RunMeta{
		ID:               r.RunID,
		BlueprintID:      r.BlueprintID,
		BlueprintVersion: r.BlueprintVersion,
		TriggerID:        r.TriggerID,
		Status:           r.Status,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		Error:            r.Error,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// TimerKind distinguishes durable timers.
type TimerKind string

const (
	TimerWait TimerKind = "wait"
	TimerPoll TimerKind = "poll"
)

// Timer is a durable resume event for a parked node.
type Timer struct {
	RunID  string    `json:"run_id"`
	NodeID string    `json:"node_id"`
	Kind   TimerKind `json:"kind"`
	FireAt time.Time `json:"fire_at"`
}

// Key uniquely identifies the timer within a store.
func (t Timer) Key() string { return t.RunID + "|" + t.NodeID }
