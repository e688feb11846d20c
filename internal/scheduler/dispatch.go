package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/expr"
	"github.com/flexinfer/blueprint-engine/internal/gateway"
	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/tracing"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// callFunc performs one gateway call for a node attempt.
type callFunc func(ctx context.Context) (any, error)

// needsWorker reports whether the node calls out to a collaborator. Logic
// and wait nodes are evaluated inline by the actor.
func needsWorker(n *types.Node) bool {
	return n.Type == types.NodeTypeBrain || n.Type == types.NodeTypeTool
}

// dispatch starts a new attempt of an eligible node.
func (a *runActor) dispatch(n *types.Node, st *types.NodeState) {
	pol := a.e.policyFor(a.plan.Blueprint, n)
	if st.Attempt >= st.Budget {
		st.Budget = st.Attempt + 1 + pol.retries
	}
	st.Attempt++

	now := time.Now().UTC()
	st.Status = types.NodeStatusRunning
	st.StartedAt = &now
	st.FinishedAt = nil
	st.NextAttemptAt = nil
	st.Error = ""
	st.Reason = ""
	st.History = append(st.History, types.AttemptRecord{Attempt: st.Attempt, StartedAt: now})
	a.save(st)
	a.emitNode(st)

	a.logger.Debug("dispatching node",
		"node_id", n.ID,
		"type", n.Type,
		"attempt", st.Attempt,
		"budget", st.Budget)

	switch d := n.Data.(type) {
	case *types.LogicData:
		a.runLogic(n, d, st)
	case *types.WaitData:
		a.runWait(n, d, st)
	case *types.BrainData:
		a.startCall(n, st, pol.timeout, a.brainCall(n, d))
	case *types.ToolData:
		call, err := a.toolCall(n, d)
		if err != nil {
			a.finishAttempt(st, time.Now().UTC(), err)
			a.handleFailure(n, st, err)
			return
		}
		a.startCall(n, st, pol.timeout, call)
	default:
		err := fmt.Errorf("node %s: unsupported type %s", n.ID, n.Type)
		a.finishAttempt(st, time.Now().UTC(), err)
		a.handleFailure(n, st, err)
	}
}

// resolver exposes the run context to templates, searching nearest
// ancestors first for bare names.
func (a *runActor) resolver(nodeID string) expr.ContextResolver {
	return expr.ContextResolver{
		Context: a.rec.Context,
		Order:   a.plan.NearestAncestors(nodeID),
		Tools:   a.plan.NearestTools(nodeID),
	}
}

// startCall runs call on a worker goroutine bounded by the global semaphore.
func (a *runActor) startCall(n *types.Node, st *types.NodeState, timeout time.Duration, call callFunc) {
	a.gen[n.ID]++
	gen := a.gen[n.ID]
	ctx, cancel := context.WithCancel(a.ctx)
	a.inflight[n.ID] = &task{gen: gen, cancel: cancel}

	nodeID, nodeType, attempt := n.ID, string(n.Type), st.Attempt
	go func() {
		started := time.Now().UTC()
		out, err := a.e.execute(ctx, a.runID, nodeID, nodeType, attempt, timeout, call)
		a.post(nodeResult{
			nodeID:   nodeID,
			gen:      gen,
			output:   out,
			err:      err,
			started:  started,
			finished: time.Now().UTC(),
		})
	}()
}

// execute acquires a global dispatch slot and performs the call under the
// node timeout.
func (e *Engine) execute(ctx context.Context, runID, nodeID, nodeType string, attempt int, timeout time.Duration, call callFunc) (any, error) {
	metrics.DispatchQueueDepth.Inc()
	select {
	case e.sem <- struct{}{}:
		metrics.DispatchQueueDepth.Dec()
	case <-ctx.Done():
		metrics.DispatchQueueDepth.Dec()
		return nil, errors.Join(types.ErrCancelled, ctx.Err())
	}
	defer func() { <-e.sem }()

	ctx, span := tracing.StartNode(ctx, runID, nodeID, nodeType, attempt)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := call(callCtx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = errors.Join(types.ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		var te *types.TimeoutError
		if !errors.As(err, &te) {
			err = &types.TimeoutError{Op: nodeType + " " + nodeID, After: timeout}
		}
	}
	tracing.End(span, err)
	return out, err
}

func (a *runActor) onResult(r nodeResult) {
	t, ok := a.inflight[r.nodeID]
	if !ok || t.gen != r.gen {
		a.logger.Debug("dropping stale node result", "node_id", r.nodeID, "gen", r.gen)
		return
	}
	delete(a.inflight, r.nodeID)
	t.cancel()

	st, n := a.state(r.nodeID)
	metrics.NodeDuration.WithLabelValues(string(n.Type)).Observe(r.finished.Sub(r.started).Seconds())
	a.finishAttempt(st, r.finished, r.err)
	if r.err != nil {
		a.handleFailure(n, st, r.err)
		return
	}
	a.complete(n, st, r.output)
}

// finishAttempt closes the open history entry.
func (a *runActor) finishAttempt(st *types.NodeState, at time.Time, err error) {
	i := len(st.History) - 1
	if i < 0 || st.History[i].FinishedAt != nil {
		return
	}
	st.History[i].FinishedAt = &at
	if err != nil {
		st.History[i].Error = err.Error()
		st.History[i].Retryable = types.IsRetryable(err)
	}
}

// complete records a node's output in its state and the run context.
func (a *runActor) complete(n *types.Node, st *types.NodeState, output any) {
	now := time.Now().UTC()
	a.finishAttempt(st, now, nil)
	st.Status = types.NodeStatusCompleted
	st.Output = output
	st.Error = ""
	st.Reason = ""
	st.ResumeAt = nil
	st.FinishedAt = &now

	key := types.OutputKey(n.ID)
	a.rec.Context[key] = output
	if err := a.e.store.SetContext(a.ctx, a.runID, key, output); err != nil {
		a.logger.Error("failed to persist context", "node_id", n.ID, "error", err)
	}
	a.save(st)
	a.emitNode(st)
	a.emit(types.EventTypeNodeOutput, n.ID, map[string]any{"output": output})
	a.countNode(st)
}

func (a *runActor) countNode(st *types.NodeState) {
	if n := a.plan.Node(st.NodeID); n != nil {
		metrics.NodesTotal.WithLabelValues(string(n.Type), string(st.Status)).Inc()
	}
}

// runLogic evaluates the node expression. The result selects which outgoing
// edges are active.
func (a *runActor) runLogic(n *types.Node, d *types.LogicData, st *types.NodeState) {
	ev, err := a.e.eval.Condition(d.Expression, a.resolver(n.ID))
	st.Evaluation = ev
	a.emit(types.EventTypeConditionEvaluated, n.ID, ev)
	if err != nil {
		err = fmt.Errorf("evaluate %q: %w", d.Expression, err)
		a.finishAttempt(st, time.Now().UTC(), err)
		a.handleFailure(n, st, err)
		return
	}
	a.complete(n, st, map[string]any{
		"condition":  ev.Rendered,
		"met":        ev.Result,
		"expression": d.Expression,
	})
}

// brainCall builds the reasoning request from node overrides, blueprint
// settings and the nearest upstream outputs.
func (a *runActor) brainCall(n *types.Node, d *types.BrainData) callFunc {
	settings := a.plan.Blueprint.Settings.WithDefaults()
	model := d.Model
	if model == "" {
		model = settings.Model
	}
	temperature := *settings.Temperature
	if d.Temperature != nil {
		temperature = *d.Temperature
	}
	window := d.MemoryWindow
	if window <= 0 {
		window = settings.ContextWindow
	}

	r := a.resolver(n.ID)
	prompt := expr.Render(d.Prompt, r)

	bctx := map[string]any{
		types.InputKey: a.rec.Context[types.InputKey],
		"settings":     settings,
	}
	included := 0
	for _, id := range r.Order {
		if included >= window {
			break
		}
		if out, ok := a.rec.Context[types.OutputKey(id)]; ok {
			bctx[types.OutputKey(id)] = out
			included++
		}
	}

	var tools []*types.ToolManifest
	if a.e.catalog != nil {
		for _, tn := range a.plan.DownstreamTools(n.ID) {
			td, ok := tn.Data.(*types.ToolData)
			if !ok {
				continue
			}
			m, err := a.e.catalog.GetTool(a.ctx, td.ToolID)
			if err != nil {
				a.logger.Warn("tool manifest unavailable", "node_id", n.ID, "tool_id", td.ToolID, "error", err)
				continue
			}
			tools = append(tools, m)
		}
	}

	req := &gateway.BrainRequest{
		ModelRef:    model,
		Prompt:      prompt,
		Context:     bctx,
		Tools:       tools,
		Temperature: temperature,
		RunID:       a.runID,
		NodeID:      n.ID,
	}
	key := d.ResultKey()
	return func(ctx context.Context) (any, error) {
		if dl, ok := ctx.Deadline(); ok {
			req.Timeout = time.Until(dl)
		}
		out, err := a.e.brain.Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		used := out.Model
		if used == "" {
			used = model
		}
		result := map[string]any{key: out.Text, "model": used}
		if len(out.Actions) > 0 {
			result["actions"] = out.Actions
		}
		return result, nil
	}
}

// agentOf returns the id tool credentials are linked to. Blueprints without
// an agent use their own id.
func agentOf(bp *types.Blueprint) string {
	if bp.AgentID != "" {
		return bp.AgentID
	}
	return bp.ID
}

// toolCall binds the node params against the run context. A binding that
// cannot be resolved fails the attempt without calling the tool.
func (a *runActor) toolCall(n *types.Node, d *types.ToolData) (callFunc, error) {
	params, err := expr.Bind(d.Params, d.Bindings, a.resolver(n.ID))
	if err != nil {
		return nil, fmt.Errorf("bind params for tool %s: %w", d.ToolID, err)
	}
	runID, nodeID := a.runID, n.ID
	req := &gateway.ToolRequest{
		ToolID:  d.ToolID,
		Params:  params,
		RunID:   runID,
		NodeID:  nodeID,
		AgentID: agentOf(a.plan.Blueprint),
		OnEvent: func(ctx context.Context, ev *types.EventInput) {
			ev.NodeID = nodeID
			a.e.emit(ctx, runID, ev)
		},
	}
	return func(ctx context.Context) (any, error) {
		if dl, ok := ctx.Deadline(); ok {
			req.Timeout = time.Until(dl)
		}
		out, err := a.e.tools.Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		return out.Output, nil
	}, nil
}
