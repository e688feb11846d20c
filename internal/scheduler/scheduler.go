// Package scheduler executes blueprint runs. Each active run is owned by a
// single actor goroutine that is the only writer of its execution record.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/blueprint-engine/internal/archive"
	"github.com/flexinfer/blueprint-engine/internal/expr"
	"github.com/flexinfer/blueprint-engine/internal/gateway"
	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/notify"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Engine errors.
var (
	ErrRunFinished = errors.New("run already finished")
	ErrNotWaiting  = errors.New("node is not waiting for approval")
	ErrNoTrigger   = errors.New("no matching trigger")
)

// BlueprintSource loads blueprint versions for execution.
type BlueprintSource interface {
	GetVersion(ctx context.Context, blueprintID, version string) (*types.Blueprint, error)
	GetPublished(ctx context.Context, blueprintID string) (*types.Blueprint, error)
}

// Config holds engine configuration.
type Config struct {
	// PerRunParallelism bounds in-flight brain and tool calls within one run.
	PerRunParallelism int
	// GlobalParallelism bounds in-flight calls across all runs.
	GlobalParallelism int

	// DefaultRetries applies when neither the blueprint nor the node sets one.
	DefaultRetries int
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	NodeTimeout time.Duration
	CancelGrace time.Duration

	// TimerPollInterval is how often the timer service looks for due timers.
	TimerPollInterval   time.Duration
	DefaultPollInterval time.Duration
	DefaultIterationCap int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PerRunParallelism:   4,
		GlobalParallelism:   16,
		DefaultRetries:      0,
		BackoffBase:         time.Second,
		BackoffCap:          60 * time.Second,
		NodeTimeout:         60 * time.Second,
		CancelGrace:         5 * time.Second,
		TimerPollInterval:   time.Second,
		DefaultPollInterval: 30 * time.Second,
		DefaultIterationCap: types.DefaultIterationCap,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.PerRunParallelism <= 0 {
		out.PerRunParallelism = d.PerRunParallelism
	}
	if out.GlobalParallelism <= 0 {
		out.GlobalParallelism = d.GlobalParallelism
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = d.BackoffBase
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = d.BackoffCap
	}
	if out.NodeTimeout <= 0 {
		out.NodeTimeout = d.NodeTimeout
	}
	if out.CancelGrace <= 0 {
		out.CancelGrace = d.CancelGrace
	}
	if out.TimerPollInterval <= 0 {
		out.TimerPollInterval = d.TimerPollInterval
	}
	if out.DefaultPollInterval <= 0 {
		out.DefaultPollInterval = d.DefaultPollInterval
	}
	if out.DefaultIterationCap <= 0 {
		out.DefaultIterationCap = d.DefaultIterationCap
	}
	return &out
}

// Options holds the engine collaborators. Store, Blueprints, Tools and Brain
// are required.
type Options struct {
	Store      runstore.RunStore
	Blueprints BlueprintSource
	Tools      gateway.ToolGateway
	Brain      gateway.BrainGateway
	Catalog    validator.ToolCatalog

	// Validator defaults to one built on Catalog.
	Validator *validator.Validator
	Notifier  notify.Notifier
	Archiver  archive.Archiver
	Logger    *slog.Logger
}

// Engine runs blueprints.
type Engine struct {
	store      runstore.RunStore
	blueprints BlueprintSource
	validator  *validator.Validator
	tools      gateway.ToolGateway
	brain      gateway.BrainGateway
	catalog    validator.ToolCatalog
	notifier   notify.Notifier
	archiver   archive.Archiver
	logger     *slog.Logger
	eval       *expr.Evaluator
	cfg        *Config

	// sem bounds dispatch across runs.
	sem chan struct{}

	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	actors map[string]*runActor
	loadMu sync.Mutex

	plansMu sync.Mutex
	plans   map[string]*validator.Plan
}

// New creates an engine.
func New(opts Options, cfg *Config) (*Engine, error) {
	if opts.Store == nil || opts.Blueprints == nil || opts.Tools == nil || opts.Brain == nil {
		return nil, errors.New("scheduler: store, blueprints, tools and brain are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := opts.Validator
	if v == nil {
		var err error
		v, err = validator.New(opts.Catalog)
		if err != nil {
			return nil, fmt.Errorf("create validator: %w", err)
		}
	}
	v.SetDefaultIterationCap(cfg.DefaultIterationCap)

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:      opts.Store,
		blueprints: opts.Blueprints,
		validator:  v,
		tools:      opts.Tools,
		brain:      opts.Brain,
		catalog:    opts.Catalog,
		notifier:   opts.Notifier,
		archiver:   opts.Archiver,
		logger:     logger,
		eval:       expr.NewEvaluator(),
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.GlobalParallelism),
		ctx:        ctx,
		stop:       stop,
		actors:     make(map[string]*runActor),
		plans:      make(map[string]*validator.Plan),
	}, nil
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config { return *e.cfg }

// Start creates one run per trigger of the published blueprint.
func (e *Engine) Start(ctx context.Context, blueprintID string, input map[string]any) ([]string, error) {
	return e.StartKind(ctx, blueprintID, "", input)
}

// StartKind creates one run per trigger whose kind matches. An empty kind
// matches every trigger.
func (e *Engine) StartKind(ctx context.Context, blueprintID string, kind types.TriggerKind, input map[string]any) ([]string, error) {
	plan, err := e.publishedPlan(ctx, blueprintID)
	if err != nil {
		return nil, err
	}

	var triggers []string
	for _, t := range plan.Blueprint.Triggers() {
		d, _ := t.Data.(*types.TriggerData)
		if kind == "" || (d != nil && d.Kind == kind) {
			triggers = append(triggers, t.ID)
		}
	}
	if len(triggers) == 0 {
		return nil, fmt.Errorf("blueprint %s: %w", blueprintID, ErrNoTrigger)
	}

	runIDs := make([]string, 0, len(triggers))
	for _, id := range triggers {
		runID, err := e.launch(ctx, plan, id, input)
		if err != nil {
			return runIDs, err
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, nil
}

// StartWithTrigger creates a single run entered through triggerID.
func (e *Engine) StartWithTrigger(ctx context.Context, blueprintID, triggerID string, input map[string]any) (string, error) {
	plan, err := e.publishedPlan(ctx, blueprintID)
	if err != nil {
		return "", err
	}
	n := plan.Node(triggerID)
	if n == nil || n.Type != types.NodeTypeTrigger {
		return "", fmt.Errorf("trigger %s: %w", triggerID, ErrNoTrigger)
	}
	return e.launch(ctx, plan, triggerID, input)
}

// Get returns the execution record of a run.
func (e *Engine) Get(ctx context.Context, runID string) (*types.ExecutionRecord, error) {
	return e.store.GetRun(ctx, runID)
}

// List returns runs, optionally filtered by blueprint.
func (e *Engine) List(ctx context.Context, blueprintID string) ([]*types.RunMeta, error) {
	return e.store.ListRuns(ctx, &runstore.ListOptions{BlueprintID: blueprintID})
}

// Approve re-dispatches a node parked in waiting_approval with a fresh
// attempt budget.
func (e *Engine) Approve(ctx context.Context, runID, nodeID string) error {
	return e.decide(ctx, runID, nodeID, true)
}

// Reject skips a node parked in waiting_approval and its exclusive
// descendants.
func (e *Engine) Reject(ctx context.Context, runID, nodeID string) error {
	return e.decide(ctx, runID, nodeID, false)
}

func (e *Engine) decide(ctx context.Context, runID, nodeID string, approve bool) error {
	reply := make(chan error, 1)
	if err := e.deliver(ctx, runID, decision{nodeID: nodeID, approve: approve, reply: reply}); err != nil {
		return err
	}
	return awaitReply(ctx, reply)
}

// Cancel stops a run. In-flight calls get the configured grace period to
// return before they are marked failed.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	reply := make(chan error, 1)
	if err := e.deliver(ctx, runID, cancelRun{reply: reply}); err != nil {
		return err
	}
	return awaitReply(ctx, reply)
}

func awaitReply(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the run is terminal or parked with no live actor.
func (e *Engine) Wait(ctx context.Context, runID string) (*types.ExecutionRecord, error) {
	for {
		e.mu.Lock()
		a := e.actors[runID]
		e.mu.Unlock()
		if a != nil {
			select {
			case <-a.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		_, live := e.actors[runID]
		e.mu.Unlock()
		if !live {
			return rec, nil
		}
	}
}

// Shutdown stops every actor. In-flight nodes stay running in the store and
// are reset by Recover on the next boot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()

	e.mu.Lock()
	actors := make([]*runActor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// publishedPlan loads and validates the published version of a blueprint.
func (e *Engine) publishedPlan(ctx context.Context, blueprintID string) (*validator.Plan, error) {
	bp, err := e.blueprints.GetPublished(ctx, blueprintID)
	if err != nil {
		return nil, fmt.Errorf("load blueprint %s: %w", blueprintID, err)
	}
	return e.planOf(ctx, bp)
}

// planFor returns the cached plan of a blueprint version.
func (e *Engine) planFor(ctx context.Context, blueprintID, version string) (*validator.Plan, error) {
	e.plansMu.Lock()
	plan, ok := e.plans[planKey(blueprintID, version)]
	e.plansMu.Unlock()
	if ok {
		return plan, nil
	}
	bp, err := e.blueprints.GetVersion(ctx, blueprintID, version)
	if err != nil {
		return nil, fmt.Errorf("load blueprint %s@%s: %w", blueprintID, version, err)
	}
	return e.planOf(ctx, bp)
}

func (e *Engine) planOf(ctx context.Context, bp *types.Blueprint) (*validator.Plan, error) {
	key := planKey(bp.ID, bp.Version)
	e.plansMu.Lock()
	plan, ok := e.plans[key]
	e.plansMu.Unlock()
	if ok {
		return plan, nil
	}

	plan, err := e.validator.Validate(ctx, bp)
	if err != nil {
		return nil, err
	}
	e.plansMu.Lock()
	e.plans[key] = plan
	e.plansMu.Unlock()
	return plan, nil
}

func planKey(id, version string) string { return id + "@" + version }

// launch persists a new record and hands it to an actor.
func (e *Engine) launch(ctx context.Context, plan *validator.Plan, triggerID string, input map[string]any) (string, error) {
	rec := newRecord(plan, triggerID, input)
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	kind := ""
	if d, ok := plan.Node(triggerID).Data.(*types.TriggerData); ok {
		kind = string(d.Kind)
	}
	metrics.RunsStarted.WithLabelValues(kind).Inc()
	e.emit(ctx, rec.RunID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.RunStatusQueued},
	})

	e.logger.Info("run created",
		"run_id", rec.RunID,
		"blueprint_id", rec.BlueprintID,
		"version", rec.BlueprintVersion,
		"trigger", triggerID)

	a := e.newActor(rec, plan)
	e.mu.Lock()
	e.actors[rec.RunID] = a
	e.mu.Unlock()
	go a.run()
	return rec.RunID, nil
}

// newRecord builds the initial execution record. The entry trigger is
// completed with the input as its output; nodes it cannot reach are skipped.
func newRecord(plan *validator.Plan, triggerID string, input map[string]any) *types.ExecutionRecord {
	if input == nil {
		input = map[string]any{}
	}
	now := time.Now().UTC()
	bp := plan.Blueprint
	rec := &types.ExecutionRecord{
		RunID:            uuid.NewString(),
		BlueprintID:      bp.ID,
		BlueprintVersion: bp.Version,
		TriggerID:        triggerID,
		Status:           types.RunStatusQueued,
		NodeStates:       make(map[string]*types.NodeState, len(bp.Nodes)),
		Context: map[string]any{
			types.InputKey:             input,
			types.OutputKey(triggerID): input,
		},
		Iterations: map[string]int{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	reach := plan.Reach[triggerID]
	for _, n := range bp.Nodes {
		st := &types.NodeState{NodeID: n.ID, Status: types.NodeStatusPending}
		switch {
		case n.ID == triggerID:
			finished := now
			st.Status = types.NodeStatusCompleted
			st.Attempt = 1
			st.Budget = 1
			st.Output = input
			st.StartedAt = &now
			st.FinishedAt = &finished
			st.History = []types.AttemptRecord{{Attempt: 1, StartedAt: now, FinishedAt: &finished}}
		case n.Type == types.NodeTypeTrigger || !reach[n.ID]:
			st.Status = types.NodeStatusSkipped
			st.Reason = types.ReasonOtherTrigger
		}
		rec.NodeStates[n.ID] = st
	}
	return rec
}

// deliver posts cmd to the run's actor, rehydrating the run from the store
// when no actor is live. Rehydration is serialized so a record is never loaded
// while another actor for the same run is still writing it.
func (e *Engine) deliver(ctx context.Context, runID string, cmd any) error {
	if e.post(runID, cmd) {
		return nil
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.post(runID, cmd) {
		return nil
	}
	if e.ctx.Err() != nil {
		return errors.New("scheduler: engine is shut down")
	}

	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return ErrRunFinished
	}
	plan, err := e.planFor(ctx, rec.BlueprintID, rec.BlueprintVersion)
	if err != nil {
		return err
	}

	a := e.newActor(rec, plan)
	a.post(cmd)
	e.mu.Lock()
	e.actors[runID] = a
	e.mu.Unlock()

	e.logger.Debug("run rehydrated", "run_id", runID, "status", rec.Status)
	go a.run()
	return nil
}

func (e *Engine) post(runID string, cmd any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.actors[runID]; ok {
		a.post(cmd)
		return true
	}
	return false
}
