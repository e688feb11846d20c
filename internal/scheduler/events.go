package scheduler

import (
	"context"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/notify"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// emit appends an event to the run stream. Failures are logged, never
// propagated into node state.
func (e *Engine) emit(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := e.store.AppendEvent(ctx, runID, input); err != nil {
		e.logger.Error("emit event error",
			"run_id", runID,
			"type", input.Type,
			"error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}

func (a *runActor) emit(typ types.EventType, nodeID string, data any) {
	a.e.emit(a.ctx, a.runID, &types.EventInput{Type: typ, NodeID: nodeID, Data: data})
}

func (a *runActor) emitNode(st *types.NodeState) {
	a.emit(types.EventTypeNodeStatus, st.NodeID, types.NodeStatusEvent{
		Status:  st.Status,
		Attempt: st.Attempt,
		Error:   st.Error,
		Reason:  st.Reason,
	})
}

func (a *runActor) notify() {
	if a.e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	if err := a.e.notifier.Notify(ctx, notify.FromRecord(a.rec)); err != nil {
		a.logger.Warn("run notification failed", "status", a.rec.Status, "error", err)
	}
}

// archive hands the terminal record and its event stream to the archiver.
func (a *runActor) archive() {
	if a.e.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()

	events, err := a.e.store.GetEventsSince(ctx, a.runID, "")
	if err != nil {
		a.logger.Warn("failed to read events for archive", "error", err)
	}
	ref, err := a.e.archiver.Archive(ctx, a.rec, events)
	if err != nil {
		a.logger.Error("archive failed", "error", err)
		return
	}
	a.logger.Info("run archived", "uri", ref.URI, "size", ref.Size)
}
