package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Actor commands.
type (
	nodeResult struct {
		nodeID   string
		gen      int
		output   any
		err      error
		started  time.Time
		finished time.Time
	}
	retryDue struct {
		nodeID string
		gen    int
	}
	timerFired struct {
		timer types.Timer
	}
	decision struct {
		nodeID  string
		approve bool
		reply   chan error
	}
	cancelRun struct {
		reply chan error
	}
	graceExpired struct{}
	// kick wakes a rehydrated actor without any other effect.
	kick struct{}
)

// task is one in-flight gateway call.
type task struct {
	gen    int
	cancel context.CancelFunc
}

// runActor owns one execution record. Fields below the mailbox are touched
// only by the actor goroutine.
type runActor struct {
	e      *Engine
	runID  string
	plan   *validator.Plan
	logger *slog.Logger

	mu     sync.Mutex
	inbox  []any
	closed bool
	wake   chan struct{}
	done   chan struct{}

	ctx        context.Context
	rec        *types.ExecutionRecord
	inflight   map[string]*task
	gen        map[string]int
	retries    map[string]*time.Timer
	grace      *time.Timer
	cancelling bool
	fatal      error
	fatalNode  string
	finished   bool
}

func (e *Engine) newActor(rec *types.ExecutionRecord, plan *validator.Plan) *runActor {
	if rec.Iterations == nil {
		rec.Iterations = map[string]int{}
	}
	if rec.Context == nil {
		rec.Context = map[string]any{}
	}
	return &runActor{
		e:        e,
		runID:    rec.RunID,
		plan:     plan,
		logger:   e.logger.With("run_id", rec.RunID, "blueprint_id", rec.BlueprintID),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      e.ctx,
		rec:      rec,
		inflight: make(map[string]*task),
		gen:      make(map[string]int),
		retries:  make(map[string]*time.Timer),
	}
}

// post appends cmd to the mailbox without blocking. It reports false once the
// actor has exited.
func (a *runActor) post(cmd any) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.inbox = append(a.inbox, cmd)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *runActor) take() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	cmds := a.inbox
	a.inbox = nil
	return cmds
}

func (a *runActor) run() {
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	defer close(a.done)

	a.resume()
	for !a.finished {
		if a.quiescent() && a.park() {
			return
		}
		select {
		case <-a.wake:
		case <-a.ctx.Done():
			a.abandon()
			return
		}
		cmds := a.take()
		if len(cmds) > 0 && a.rec.Status == types.RunStatusSuspended {
			a.setStatus(types.RunStatusRunning)
		}
		for _, cmd := range cmds {
			a.handle(cmd)
		}
		a.advance()
	}
	a.detach()
}

// resume prepares a fresh or rehydrated record for execution.
func (a *runActor) resume() {
	now := time.Now().UTC()
	for _, id := range a.plan.Order {
		st := a.rec.NodeStates[id]
		switch {
		case st.Status == types.NodeStatusRunning:
			// Interrupted by a crash or shutdown. At-least-once: run it again.
			if n := len(st.History); n > 0 && st.History[n-1].FinishedAt == nil {
				st.History[n-1].FinishedAt = &now
				st.History[n-1].Error = "interrupted"
			}
			st.Status = types.NodeStatusPending
			st.StartedAt = nil
			a.save(st)
			a.logger.Warn("resetting interrupted node", "node_id", id, "attempt", st.Attempt)
		case st.Status == types.NodeStatusPending && st.NextAttemptAt != nil:
			a.armRetry(id, time.Until(*st.NextAttemptAt))
		}
	}

	if a.rec.Status == types.RunStatusQueued || a.rec.Status == types.RunStatusRunning {
		a.setStatus(types.RunStatusRunning)
	}
	a.advance()
}

func (a *runActor) handle(cmd any) {
	switch c := cmd.(type) {
	case nodeResult:
		a.onResult(c)
	case retryDue:
		a.onRetryDue(c)
	case timerFired:
		a.onTimer(c.timer)
	case decision:
		c.reply <- a.onDecision(c)
	case cancelRun:
		a.onCancel()
		c.reply <- nil
	case graceExpired:
		a.onGraceExpired()
	case kick:
	default:
		a.logger.Error("unknown actor command", "command", cmd)
	}
}

// quiescent reports whether the actor has nothing to wait for besides
// external events.
func (a *runActor) quiescent() bool {
	return !a.finished && len(a.inflight) == 0 && len(a.retries) == 0 && a.grace == nil
}

// park persists the suspended state and releases the actor. It reports false
// when a command arrived in the meantime.
func (a *runActor) park() bool {
	if a.rec.Status != types.RunStatusSuspended {
		a.setStatus(types.RunStatusSuspended)
		a.notify()
		a.logger.Info("run suspended", "pending", len(a.rec.Pending()))
	}

	a.e.mu.Lock()
	a.mu.Lock()
	if len(a.inbox) > 0 {
		a.mu.Unlock()
		a.e.mu.Unlock()
		return false
	}
	a.closed = true
	if a.e.actors[a.runID] == a {
		delete(a.e.actors, a.runID)
	}
	a.mu.Unlock()
	a.e.mu.Unlock()
	return true
}

// detach unregisters a finished actor and refuses queued commands.
func (a *runActor) detach() {
	a.e.mu.Lock()
	a.mu.Lock()
	a.closed = true
	if a.e.actors[a.runID] == a {
		delete(a.e.actors, a.runID)
	}
	cmds := a.inbox
	a.inbox = nil
	a.mu.Unlock()
	a.e.mu.Unlock()

	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case decision:
			c.reply <- ErrRunFinished
		case cancelRun:
			c.reply <- ErrRunFinished
		}
	}
}

// abandon stops local work on engine shutdown without touching the record.
func (a *runActor) abandon() {
	for _, t := range a.inflight {
		t.cancel()
	}
	for _, t := range a.retries {
		t.Stop()
	}
	if a.grace != nil {
		a.grace.Stop()
	}
	a.detach()
}

// state returns the node state and its blueprint node.
func (a *runActor) state(id string) (*types.NodeState, *types.Node) {
	return a.rec.NodeStates[id], a.plan.Node(id)
}

func (a *runActor) save(st *types.NodeState) {
	if err := a.e.store.UpdateNodeState(a.ctx, a.runID, st.NodeID, st); err != nil {
		a.logger.Error("failed to persist node state", "node_id", st.NodeID, "error", err)
	}
}

func (a *runActor) setStatus(status types.RunStatus) {
	patch := &runstore.RunPatch{Status: &status}
	if status == types.RunStatusRunning && a.rec.StartedAt == nil {
		now := time.Now().UTC()
		a.rec.StartedAt = &now
		patch.StartedAt = &now
	}
	a.rec.Status = status
	a.update(patch)
	a.emit(types.EventTypeRunStatus, "", types.RunStatusEvent{Status: status})
}

func (a *runActor) update(patch *runstore.RunPatch) {
	if err := a.e.store.UpdateRun(a.ctx, a.runID, patch); err != nil {
		a.logger.Error("failed to update run", "error", err)
	}
}
