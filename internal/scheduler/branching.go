package scheduler

import (
	"fmt"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

type readiness int

const (
	unresolved readiness = iota
	eligible
	blockedByFailure
	blockedBySkip
)

// advance dispatches every eligible node and propagates skips and upstream
// failures until nothing changes, then checks for run completion.
func (a *runActor) advance() {
	if a.finished {
		return
	}
	for a.fatal == nil && !a.cancelling {
		changed := a.reenterLoops()
		for _, id := range a.plan.Order {
			if a.fatal != nil {
				break
			}
			st, n := a.state(id)
			if st.Status != types.NodeStatusPending || a.busy(id) {
				continue
			}
			verdict, reason := a.readiness(id)
			switch verdict {
			case unresolved:
				continue
			case blockedByFailure:
				a.markFailed(st, reason, types.ReasonUpstreamFailed)
			case blockedBySkip:
				a.skip(st, reason)
			case eligible:
				if needsWorker(n) && len(a.inflight) >= a.e.cfg.PerRunParallelism {
					continue
				}
				a.dispatch(n, st)
			}
			changed = true
		}
		if !changed {
			break
		}
	}
	a.maybeFinish()
}

// busy reports whether the node has a call in flight or a retry armed.
func (a *runActor) busy(id string) bool {
	if _, ok := a.inflight[id]; ok {
		return true
	}
	_, ok := a.retries[id]
	return ok
}

// readiness applies AND-join semantics over forward in-edges. For a blocked
// node it returns the propagated reason (skips) or the failed source (failures).
func (a *runActor) readiness(id string) (readiness, string) {
	var failedSource, skipReason string
	for _, e := range a.plan.In[id] {
		src := a.rec.NodeStates[e.Source]
		switch src.Status {
		case types.NodeStatusCompleted:
			if !a.edgeActive(e) {
				skipReason = mergeReason(skipReason, types.ReasonBranchInactive)
			}
		case types.NodeStatusFailed:
			if failedSource == "" {
				failedSource = e.Source
			}
		case types.NodeStatusSkipped:
			if src.Reason == types.ReasonOtherTrigger {
				continue
			}
			skipReason = mergeReason(skipReason, propagatedReason(src.Reason))
		default:
			return unresolved, ""
		}
	}
	switch {
	case failedSource != "":
		return blockedByFailure, fmt.Sprintf("upstream node %s failed", failedSource)
	case skipReason != "":
		return blockedBySkip, skipReason
	}
	return eligible, ""
}

// propagatedReason maps a skipped predecessor's reason onto its descendants.
func propagatedReason(reason string) string {
	switch reason {
	case types.ReasonRejected, types.ReasonCancelled, types.ReasonAborted:
		return reason
	}
	return types.ReasonBranchInactive
}

// mergeReason keeps the first reason that is not a plain inactive branch.
func mergeReason(cur, next string) string {
	if cur == "" || cur == types.ReasonBranchInactive {
		return next
	}
	return cur
}

// edgeActive reports whether a completed source activates e. Only logic
// sources can deactivate an edge.
func (a *runActor) edgeActive(e types.Edge) bool {
	n := a.plan.Node(e.Source)
	if n == nil || n.Type != types.NodeTypeLogic {
		return true
	}
	st := a.rec.NodeStates[e.Source]
	met := st.Evaluation != nil && st.Evaluation.Result
	switch e.Condition {
	case "false":
		return !met
	default:
		return met
	}
}

func (a *runActor) skip(st *types.NodeState, reason string) {
	if st.Status == types.NodeStatusWaitingApproval {
		metrics.ApprovalsPending.Dec()
	}
	now := time.Now().UTC()
	st.Status = types.NodeStatusSkipped
	st.Reason = reason
	st.NextAttemptAt = nil
	st.ResumeAt = nil
	st.FinishedAt = &now
	a.save(st)
	a.emitNode(st)
	if reason == types.ReasonBranchInactive {
		a.emit(types.EventTypeBranchSkipped, st.NodeID, map[string]any{"reason": reason})
	}
	a.countNode(st)
}

// reenterLoops resets a loop body when one of its back edges fired and every
// member has settled. It reports whether any loop was re-entered.
func (a *runActor) reenterLoops() bool {
	changed := false
	for _, header := range a.plan.Order {
		loop, ok := a.plan.Loops[header]
		if !ok || loop.Header != header || !a.loopDue(loop.Members) {
			continue
		}

		a.rec.Iterations[header]++
		iteration := a.rec.Iterations[header]
		if iteration >= loop.Cap {
			err := &types.IterationLimitExceeded{NodeID: header, Limit: loop.Cap}
			a.logger.Error("loop iteration limit exceeded", "node_id", header, "limit", loop.Cap)
			a.abort(header, err)
			return true
		}

		a.update(&runstore.RunPatch{Iterations: a.rec.Iterations})
		a.emit(types.EventTypeLoopIteration, header, map[string]any{
			"iteration": iteration,
			"cap":       loop.Cap,
		})
		metrics.LoopIterations.Inc()

		for _, id := range a.loopScope(loop.Members) {
			a.resetForIteration(a.rec.NodeStates[id])
		}
		changed = true
	}
	return changed
}

// loopDue reports whether a back edge out of the loop body is active and
// every member is terminal.
func (a *runActor) loopDue(members []string) bool {
	inLoop := make(map[string]bool, len(members))
	for _, id := range members {
		if !a.rec.NodeStates[id].Status.IsTerminal() {
			return false
		}
		inLoop[id] = true
	}
	for _, id := range members {
		if a.rec.NodeStates[id].Status != types.NodeStatusCompleted {
			continue
		}
		for _, e := range a.plan.Back[id] {
			if inLoop[e.Target] && a.edgeActive(e) {
				return true
			}
		}
	}
	return false
}

// loopScope returns the loop members plus skipped nodes forward-reachable
// from them, in topological order.
func (a *runActor) loopScope(members []string) []string {
	scope := make(map[string]bool, len(members))
	stack := make([]string, 0, len(members))
	for _, id := range members {
		scope[id] = true
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range a.plan.Out[id] {
			if scope[e.Target] {
				continue
			}
			st := a.rec.NodeStates[e.Target]
			if st.Status == types.NodeStatusSkipped && st.Reason != types.ReasonOtherTrigger {
				scope[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}

	out := make([]string, 0, len(scope))
	for _, id := range a.plan.Order {
		if scope[id] {
			out = append(out, id)
		}
	}
	return out
}

// resetForIteration returns a node to pending for another pass. History is
// kept and the next dispatch starts a fresh retry budget.
func (a *runActor) resetForIteration(st *types.NodeState) {
	st.Status = types.NodeStatusPending
	st.Output = nil
	st.Error = ""
	st.Reason = ""
	st.Evaluation = nil
	st.StartedAt = nil
	st.FinishedAt = nil
	st.NextAttemptAt = nil
	st.ResumeAt = nil
	st.Polls = 0
	st.Budget = st.Attempt
	a.save(st)
	a.emitNode(st)
}

// maybeFinish finalizes the run once every node is terminal and nothing is
// in flight.
func (a *runActor) maybeFinish() {
	if a.finished || len(a.inflight) > 0 || len(a.retries) > 0 || a.grace != nil {
		return
	}

	if a.cancelling {
		for _, id := range a.plan.Order {
			st := a.rec.NodeStates[id]
			if !st.Status.IsTerminal() {
				a.skip(st, types.ReasonCancelled)
			}
		}
		a.finalize(types.RunStatusCancelled, types.ErrCancelled.Error(), "")
		return
	}

	for _, st := range a.rec.NodeStates {
		if !st.Status.IsTerminal() {
			return
		}
	}

	if a.fatal != nil {
		a.finalize(types.RunStatusFailed, a.fatal.Error(), a.fatalNode)
		return
	}
	status, errMsg, failedNode := a.outcome()
	a.finalize(status, errMsg, failedNode)
}

// outcome decides the terminal status of a settled run. A failure is
// absorbed when an independent branch still reached a sink.
func (a *runActor) outcome() (types.RunStatus, string, string) {
	sinkCompleted := false
	var failed, rejected *types.NodeState
	for _, id := range a.plan.Order {
		st := a.rec.NodeStates[id]
		if st.Reason == types.ReasonOtherTrigger {
			continue
		}
		if a.plan.IsSink(id) && st.Status == types.NodeStatusCompleted {
			sinkCompleted = true
		}
		switch {
		case st.Status == types.NodeStatusFailed && st.Reason != types.ReasonUpstreamFailed:
			if failed == nil {
				failed = st
			}
		case st.Status == types.NodeStatusSkipped && st.Reason == types.ReasonRejected:
			if rejected == nil {
				rejected = st
			}
		}
	}

	if sinkCompleted {
		return types.RunStatusSucceeded, "", ""
	}
	if failed != nil {
		err := &types.RunFailed{RunID: a.runID, NodeID: failed.NodeID, LastError: failed.Error}
		return types.RunStatusFailed, err.Error(), failed.NodeID
	}
	if rejected != nil {
		err := &types.RunFailed{RunID: a.runID, NodeID: rejected.NodeID, LastError: "rejected by approver"}
		return types.RunStatusFailed, err.Error(), rejected.NodeID
	}
	return types.RunStatusSucceeded, "", ""
}

func (a *runActor) finalize(status types.RunStatus, errMsg, failedNode string) {
	now := time.Now().UTC()
	a.finished = true
	a.rec.Status = status
	a.rec.Error = errMsg
	a.rec.FailedNode = failedNode
	a.rec.CompletedAt = &now
	a.rec.UpdatedAt = now

	a.update(&runstore.RunPatch{
		Status:      &status,
		Error:       &errMsg,
		FailedNode:  &failedNode,
		CompletedAt: &now,
	})
	a.emit(types.EventTypeRunStatus, "", types.RunStatusEvent{
		Status:     status,
		Error:      errMsg,
		FailedNode: failedNode,
	})

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if a.rec.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(string(status)).Observe(now.Sub(*a.rec.StartedAt).Seconds())
	}

	a.logger.Info("run finished",
		"status", status,
		"failed_node", failedNode,
		"error", errMsg)

	a.notify()
	a.archive()
}
