package scheduler

import (
	"errors"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// policy is the effective resilience policy of one node.
type policy struct {
	retries  int
	approval bool
	timeout  time.Duration
}

// policyFor merges the engine defaults, the blueprint policy and node
// overrides, in increasing precedence.
func (e *Engine) policyFor(bp *types.Blueprint, n *types.Node) policy {
	p := policy{
		retries:  e.cfg.DefaultRetries,
		approval: bp.Resilience.HumanApproval,
		timeout:  e.cfg.NodeTimeout,
	}
	if r := bp.Resilience.Retries; r != nil {
		p.retries = *r
	}
	if np := n.Policy(); np != nil {
		if np.Retries != nil {
			p.retries = *np.Retries
		}
		if np.HumanApproval != nil {
			p.approval = *np.HumanApproval
		}
		if np.Timeout > 0 {
			p.timeout = np.Timeout.Std()
		}
	}
	return p
}

// backoff returns the delay before the attempt following attempt:
// base * 2^(attempt-1), capped.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap || d <= 0 {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d
}

// handleFailure applies the resilience policy to a failed attempt.
func (a *runActor) handleFailure(n *types.Node, st *types.NodeState, err error) {
	if a.cancelling || errors.Is(err, types.ErrCancelled) {
		a.markFailed(st, err.Error(), types.ReasonCancelled)
		return
	}

	var limit *types.IterationLimitExceeded
	if errors.As(err, &limit) {
		a.markFailed(st, err.Error(), types.ReasonIterationLimit)
		a.abort(n.ID, err)
		return
	}

	retryable := types.IsRetryable(err)
	if retryable && st.Attempt < st.Budget {
		delay := a.e.backoff(st.Attempt)
		at := time.Now().UTC().Add(delay)
		st.Status = types.NodeStatusPending
		st.Error = err.Error()
		st.NextAttemptAt = &at
		a.save(st)
		a.emit(types.EventTypeNodeRetry, n.ID, types.RetryEvent{
			Attempt: st.Attempt,
			RetryAt: at,
			Error:   err.Error(),
		})
		metrics.NodeRetries.WithLabelValues(string(n.Type)).Inc()
		a.logger.Warn("node failed, retrying",
			"node_id", n.ID,
			"attempt", st.Attempt,
			"budget", st.Budget,
			"retry_in", delay,
			"error", err)
		a.armRetry(n.ID, delay)
		return
	}

	if a.e.policyFor(a.plan.Blueprint, n).approval {
		st.Status = types.NodeStatusWaitingApproval
		st.Error = err.Error()
		a.save(st)
		a.emitNode(st)
		a.emit(types.EventTypeApprovalRequested, n.ID, map[string]any{
			"attempt": st.Attempt,
			"error":   err.Error(),
		})
		metrics.ApprovalsPending.Inc()
		a.logger.Info("node waiting for approval", "node_id", n.ID, "attempt", st.Attempt, "error", err)
		return
	}

	reason := ""
	if retryable {
		reason = types.ReasonRetryExhausted
	}
	a.markFailed(st, err.Error(), reason)
	a.logger.Error("node failed", "node_id", n.ID, "attempt", st.Attempt, "error", err)
}

func (a *runActor) markFailed(st *types.NodeState, errMsg, reason string) {
	if st.Status == types.NodeStatusWaitingApproval {
		metrics.ApprovalsPending.Dec()
	}
	now := time.Now().UTC()
	st.Status = types.NodeStatusFailed
	st.Error = errMsg
	st.Reason = reason
	st.NextAttemptAt = nil
	st.ResumeAt = nil
	st.FinishedAt = &now
	a.save(st)
	a.emitNode(st)
	a.countNode(st)
}

// armRetry re-posts the node once its backoff elapses.
func (a *runActor) armRetry(nodeID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	a.gen[nodeID]++
	gen := a.gen[nodeID]
	a.retries[nodeID] = time.AfterFunc(delay, func() {
		a.post(retryDue{nodeID: nodeID, gen: gen})
	})
}

func (a *runActor) onRetryDue(c retryDue) {
	if a.gen[c.nodeID] != c.gen {
		return
	}
	delete(a.retries, c.nodeID)
	st := a.rec.NodeStates[c.nodeID]
	if st.Status != types.NodeStatusPending {
		return
	}
	st.NextAttemptAt = nil
	a.save(st)
}

func (a *runActor) stopRetries() {
	for id, t := range a.retries {
		t.Stop()
		delete(a.retries, id)
		a.gen[id]++
		if st := a.rec.NodeStates[id]; st.NextAttemptAt != nil {
			st.NextAttemptAt = nil
			a.save(st)
		}
	}
}

// onDecision resolves a human approval gate.
func (a *runActor) onDecision(c decision) error {
	st, n := a.state(c.nodeID)
	if st == nil || n == nil {
		return runstore.ErrNodeNotFound
	}
	if a.cancelling || a.fatal != nil {
		return ErrRunFinished
	}
	if st.Status != types.NodeStatusWaitingApproval {
		return ErrNotWaiting
	}

	metrics.ApprovalsPending.Dec()
	label := "rejected"
	if c.approve {
		label = "approved"
		st.Budget = st.Attempt + 1 + a.e.policyFor(a.plan.Blueprint, n).retries
		st.Status = types.NodeStatusPending
		a.save(st)
		a.emitNode(st)
	} else {
		now := time.Now().UTC()
		st.Status = types.NodeStatusSkipped
		st.Reason = types.ReasonRejected
		st.FinishedAt = &now
		a.save(st)
		a.emitNode(st)
		a.countNode(st)
	}
	metrics.ApprovalsResolved.WithLabelValues(label).Inc()
	a.emit(types.EventTypeApprovalResolved, c.nodeID, map[string]any{"decision": label})
	a.logger.Info("approval resolved", "node_id", c.nodeID, "decision", label)
	return nil
}

// onCancel stops new dispatch and asks in-flight calls to return.
func (a *runActor) onCancel() {
	if a.cancelling || a.finished {
		return
	}
	a.cancelling = true
	a.logger.Info("cancelling run", "in_flight", len(a.inflight))

	a.stopRetries()
	a.cancelTimers()
	for _, t := range a.inflight {
		t.cancel()
	}
	if len(a.inflight) > 0 {
		a.grace = time.AfterFunc(a.e.cfg.CancelGrace, func() {
			a.post(graceExpired{})
		})
	}
}

// onGraceExpired fails the calls that did not return in time.
func (a *runActor) onGraceExpired() {
	a.grace = nil
	for id, t := range a.inflight {
		t.cancel()
		delete(a.inflight, id)
		a.gen[id]++
		st := a.rec.NodeStates[id]
		a.finishAttempt(st, time.Now().UTC(), types.ErrCancelled)
		a.markFailed(st, types.ErrCancelled.Error(), types.ReasonCancelled)
	}
}

// cancelTimers drops the durable timers of waiting nodes.
func (a *runActor) cancelTimers() {
	for _, id := range a.plan.Order {
		if a.rec.NodeStates[id].Status != types.NodeStatusWaitingTimer {
			continue
		}
		if err := a.e.store.CancelTimer(a.ctx, a.runID, id); err != nil {
			a.logger.Warn("failed to cancel timer", "node_id", id, "error", err)
		}
	}
}

// abort stops the run after a fatal error. Remaining work is dropped and
// unfinished nodes are skipped.
func (a *runActor) abort(nodeID string, err error) {
	if a.fatal != nil {
		return
	}
	a.fatal = err
	a.fatalNode = nodeID

	a.stopRetries()
	a.cancelTimers()
	if a.grace != nil {
		a.grace.Stop()
		a.grace = nil
	}
	now := time.Now().UTC()
	for id, t := range a.inflight {
		t.cancel()
		delete(a.inflight, id)
		a.gen[id]++
		st := a.rec.NodeStates[id]
		a.finishAttempt(st, now, types.ErrCancelled)
		a.markFailed(st, types.ErrCancelled.Error(), types.ReasonCancelled)
	}
	for _, id := range a.plan.Order {
		if st := a.rec.NodeStates[id]; !st.Status.IsTerminal() {
			a.skip(st, types.ReasonAborted)
		}
	}
}
