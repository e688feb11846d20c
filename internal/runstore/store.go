// Package runstore persists execution records, durable timers and the run
// event stream.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrRunExists    = errors.New("run already exists")
)

// RunPatch carries the run-level fields to change. Nil fields are untouched.
type RunPatch struct {
	Status      *types.RunStatus
	Error       *string
	FailedNode  *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Iterations  map[string]int
}

// ListOptions filters ListRuns.
type ListOptions struct {
	BlueprintID string
	Status      types.RunStatus
	Limit       int
}

// RunStore defines the interface for execution record persistence and event
// streaming. Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, rec *types.ExecutionRecord) error
	GetRun(ctx context.Context, runID string) (*types.ExecutionRecord, error)
	ListRuns(ctx context.Context, opts *ListOptions) ([]*types.RunMeta, error)
	// ListActiveRuns returns the ids of runs that are not terminal.
	ListActiveRuns(ctx context.Context) ([]string, error)
	UpdateRun(ctx context.Context, runID string, patch *RunPatch) error

	// Node state tracking
	UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error)

	// SetContext writes one context entry ("input" or "<node>.output").
	SetContext(ctx context.Context, runID, key string, value any) error

	// Durable timers. Scheduling a timer for a node replaces any existing one.
	ScheduleTimer(ctx context.Context, t types.Timer) error
	CancelTimer(ctx context.Context, runID, nodeID string) error
	// DueTimers returns timers with FireAt <= now, oldest first.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]types.Timer, error)

	// Event streaming
	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for terminal runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}

// applyPatch updates rec in place.
func applyPatch(rec *types.ExecutionRecord, p *RunPatch) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.FailedNode != nil {
		rec.FailedNode = *p.FailedNode
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		rec.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		rec.CompletedAt = &t
	}
	if p.Iterations != nil {
		rec.Iterations = make(map[string]int, len(p.Iterations))
		for k, v := range p.Iterations {
			rec.Iterations[k] = v
		}
	}
}
