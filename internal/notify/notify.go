// Package notify delivers run completion callbacks to external listeners.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Kind names the lifecycle transition being announced.
type Kind string

const (
	KindCompleted Kind = "run.completed"
	KindFailed    Kind = "run.failed"
	KindCancelled Kind = "run.cancelled"
	KindSuspended Kind = "run.suspended"
)

// RunNotification is the payload published for a run transition.
type RunNotification struct {
	Kind        Kind                `json:"kind"`
	RunID       string              `json:"run_id"`
	BlueprintID string              `json:"blueprint_id"`
	Version     string              `json:"version"`
	Status      types.RunStatus     `json:"status"`
	Error       string              `json:"error,omitempty"`
	FailedNode  string              `json:"failed_node,omitempty"`
	Pending     []types.PendingItem `json:"pending,omitempty"`
	At          time.Time           `json:"at"`
}

// FromRecord builds the notification for rec's current status.
func FromRecord(rec *types.ExecutionRecord) RunNotification {
	n := RunNotification{
		RunID:       rec.RunID,
		BlueprintID: rec.BlueprintID,
		Version:     rec.BlueprintVersion,
		Status:      rec.Status,
		Error:       rec.Error,
		FailedNode:  rec.FailedNode,
		At:          time.Now().UTC(),
	}
	switch rec.Status {
	case types.RunStatusSucceeded:
		n.Kind = KindCompleted
	case types.RunStatusFailed:
		n.Kind = KindFailed
	case types.RunStatusCancelled:
		n.Kind = KindCancelled
	case types.RunStatusSuspended:
		n.Kind = KindSuspended
		n.Pending = rec.Pending()
	}
	return n
}

// Notifier publishes run notifications.
type Notifier interface {
	Notify(ctx context.Context, n RunNotification) error
}

// Multi fans a notification out to several notifiers. Every notifier is
// attempted; the errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n RunNotification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a logger. Used when no transport is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n RunNotification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "run notification",
		slog.String("kind", string(n.Kind)),
		slog.String("run_id", n.RunID),
		slog.String("blueprint_id", n.BlueprintID),
		slog.String("status", string(n.Status)),
	)
	return nil
}

var (
	_ Notifier = Multi(nil)
	_ Notifier = Log{}
)
