package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeRunStatus  EventType = "run_status"
	EventTypeNodeStatus EventType = "node_status"
	EventTypeNodeOutput EventType = "node_output"
	EventTypeNodeRetry  EventType = "node_retry"
	EventTypeLog        EventType = "log"
	EventTypeStreamData EventType = "stream_data"
	EventTypeError      EventType = "error"

	// Suspension events
	EventTypeApprovalRequested EventType = "approval_requested"
	EventTypeApprovalResolved  EventType = "approval_resolved"
	EventTypeTimerScheduled    EventType = "timer_scheduled"
	EventTypeTimerFired        EventType = "timer_fired"

	// Control flow events
	EventTypeConditionEvaluated EventType = "condition_evaluated"
	EventTypeBranchSkipped      EventType = "branch_skipped"
	EventTypeLoopIteration      EventType = "loop_iteration"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event represents a single event in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// LogEvent represents the data payload for log events.
type LogEvent struct {
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NodeStatusEvent represents the data payload for node status change events.
type NodeStatusEvent struct {
	Status  NodeStatus `json:"status"`
	Attempt int        `json:"attempt"`
	Error   string     `json:"error,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// RunStatusEvent represents the data payload for run status change events.
type RunStatusEvent struct {
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	FailedNode string    `json:"failed_node,omitempty"`
}

// RetryEvent is emitted when a failed node is scheduled for another attempt.
type RetryEvent struct {
	Attempt int       `json:"attempt"`
	RetryAt time.Time `json:"retry_at"`
	Error   string    `json:"error"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// ToolLine is one NDJSON line written by a subprocess or k8s tool.
// Lines of type "result" carry the tool output; "error" lines fail the call.
type ToolLine struct {
	Type    string          `json:"type"`
	Output  json.RawMessage `json:"output,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Level   LogLevel        `json:"level,omitempty"`
}

// ParseNDJSON parses one line of tool stdout.
func ParseNDJSON(line []byte) (*ToolLine, error) {
	var tl ToolLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if tl.Type == "" {
		tl.Type = "log"
	}
	return &tl, nil
}
