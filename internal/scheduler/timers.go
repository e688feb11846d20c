package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// runWait parks the node on a durable timer, or checks its resume condition
// right away when no duration is set.
func (a *runActor) runWait(n *types.Node, d *types.WaitData, st *types.NodeState) {
	if d.Duration > 0 {
		a.parkOnTimer(st, time.Now().UTC().Add(d.Duration.Std()), types.TimerWait)
		return
	}
	a.checkWait(n, d, st)
}

// checkWait completes a wait node whose delay elapsed. With an until
// condition it polls until the condition holds or the cap is reached.
func (a *runActor) checkWait(n *types.Node, d *types.WaitData, st *types.NodeState) {
	delay := d.Duration.Std().String()
	if d.Until == "" {
		a.complete(n, st, map[string]any{"status": "waited", "delay": delay})
		return
	}

	ev, err := a.e.eval.Condition(d.Until, a.resolver(n.ID))
	st.Evaluation = ev
	st.Polls++
	if err != nil {
		err = fmt.Errorf("evaluate %q: %w", d.Until, err)
		a.finishAttempt(st, time.Now().UTC(), err)
		a.handleFailure(n, st, err)
		return
	}
	if ev.Result {
		a.complete(n, st, map[string]any{"status": "condition_met", "delay": delay, "polls": st.Polls})
		return
	}

	limit := d.MaxIterations
	if limit <= 0 {
		limit = a.e.cfg.DefaultIterationCap
	}
	if st.Polls >= limit {
		err := &types.IterationLimitExceeded{NodeID: n.ID, Limit: limit}
		a.finishAttempt(st, time.Now().UTC(), err)
		a.handleFailure(n, st, err)
		return
	}

	interval := d.PollInterval.Std()
	if interval <= 0 {
		interval = a.e.cfg.DefaultPollInterval
	}
	a.parkOnTimer(st, time.Now().UTC().Add(interval), types.TimerPoll)
}

// parkOnTimer persists the waiting state and its timer. The actor holds no
// resources for the node while it waits.
func (a *runActor) parkOnTimer(st *types.NodeState, at time.Time, kind types.TimerKind) {
	st.Status = types.NodeStatusWaitingTimer
	st.ResumeAt = &at
	a.save(st)

	timer := types.Timer{RunID: a.runID, NodeID: st.NodeID, Kind: kind, FireAt: at}
	if err := a.e.store.ScheduleTimer(a.ctx, timer); err != nil {
		a.logger.Error("failed to schedule timer", "node_id", st.NodeID, "error", err)
	}
	a.emitNode(st)
	a.emit(types.EventTypeTimerScheduled, st.NodeID, map[string]any{
		"kind":    kind,
		"fire_at": at,
	})
}

func (a *runActor) onTimer(t types.Timer) {
	st, n := a.state(t.NodeID)
	if st == nil || n == nil {
		return
	}
	if st.Status != types.NodeStatusWaitingTimer || st.ResumeAt == nil || time.Now().Before(*st.ResumeAt) {
		return
	}
	if err := a.e.store.CancelTimer(a.ctx, a.runID, t.NodeID); err != nil {
		a.logger.Warn("failed to clear fired timer", "node_id", t.NodeID, "error", err)
	}
	metrics.TimersFired.WithLabelValues(string(t.Kind)).Inc()
	a.emit(types.EventTypeTimerFired, t.NodeID, map[string]any{
		"kind":      t.Kind,
		"resume_at": st.ResumeAt,
		"late_by":   time.Since(*st.ResumeAt).String(),
	})

	st.Status = types.NodeStatusRunning
	st.ResumeAt = nil
	d, ok := n.Data.(*types.WaitData)
	if !ok {
		err := fmt.Errorf("node %s: timer fired for %s node", n.ID, n.Type)
		a.finishAttempt(st, time.Now().UTC(), err)
		a.handleFailure(n, st, err)
		return
	}
	a.checkWait(n, d, st)
}

// TimerService fires due timers from the store. It is the only thing that
// wakes runs parked on a wait node.
type TimerService struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// Timers returns the timer service of the engine.
func (e *Engine) Timers() *TimerService {
	return &TimerService{
		engine:   e,
		interval: e.cfg.TimerPollInterval,
		batch:    100,
		logger:   e.logger.With("component", "timers"),
	}
}

// Run polls until ctx is done.
func (t *TimerService) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("timer service started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick delivers every due timer once and returns how many were delivered.
func (t *TimerService) Tick(ctx context.Context) int {
	e := t.engine
	timers, err := e.store.DueTimers(ctx, time.Now().UTC(), t.batch)
	if err != nil {
		t.logger.Error("failed to load due timers", "error", err)
		return 0
	}

	delivered := 0
	for _, tm := range timers {
		err := e.deliver(ctx, tm.RunID, timerFired{timer: tm})
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrRunFinished) || errors.Is(err, runstore.ErrRunNotFound):
			if cerr := e.store.CancelTimer(ctx, tm.RunID, tm.NodeID); cerr != nil {
				t.logger.Warn("failed to drop orphan timer", "run_id", tm.RunID, "error", cerr)
			}
		default:
			t.logger.Error("failed to deliver timer",
				"run_id", tm.RunID,
				"node_id", tm.NodeID,
				"error", err)
		}
	}
	return delivered
}

// Recover rehydrates every non-terminal run after a restart. Runs that were
// executing get an actor again; parked runs only have their timers re-armed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	p := pool.New().WithMaxGoroutines(8).WithContext(ctx)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			if err := e.recoverRun(ctx, id); err != nil {
				return fmt.Errorf("recover run %s: %w", id, err)
			}
			return nil
		})
	}
	err = p.Wait()
	e.logger.Info("recovered runs", "count", len(ids), "error", err)
	return len(ids), err
}

func (e *Engine) recoverRun(ctx context.Context, runID string) error {
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	// Parked approvals are counted whatever the run status, since each one
	// is decremented when decided.
	for _, st := range rec.NodeStates {
		if st.Status == types.NodeStatusWaitingApproval {
			metrics.ApprovalsPending.Inc()
		}
	}
	switch rec.Status {
	case types.RunStatusQueued, types.RunStatusRunning:
		return e.deliver(ctx, runID, kick{})
	case types.RunStatusSuspended:
		plan, err := e.planFor(ctx, rec.BlueprintID, rec.BlueprintVersion)
		if err != nil {
			return err
		}
		for id, st := range rec.NodeStates {
			switch st.Status {
			case types.NodeStatusWaitingTimer:
				if st.ResumeAt == nil {
					continue
				}
				kind := types.TimerWait
				if d, ok := plan.Node(id).Data.(*types.WaitData); ok && d.Until != "" && st.Polls > 0 {
					kind = types.TimerPoll
				}
				if err := e.store.ScheduleTimer(ctx, types.Timer{RunID: runID, NodeID: id, Kind: kind, FireAt: *st.ResumeAt}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
