package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	rec         *types.ExecutionRecord
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	timers map[string]types.Timer
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		timers: make(map[string]types.Timer),
		config: cfg,
	}
}

func (s *MemoryStore) run(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// cloneValue deep-copies JSON-shaped values so callers cannot alias stored state.
func cloneValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, rec *types.ExecutionRecord) error {
	cp, err := rec.Clone()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[rec.RunID]; exists {
		return ErrRunExists
	}
	s.runs[rec.RunID] = &memoryRun{
		rec:         cp,
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.ExecutionRecord, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.rec.Clone()
}

func (s *MemoryStore) ListRuns(ctx context.Context, opts *ListOptions) ([]*types.RunMeta, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	runs := make([]*memoryRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	var out []*types.RunMeta
	for _, r := range runs {
		r.mu.RLock()
		meta := r.rec.Meta()
		r.mu.RUnlock()
		if opts.BlueprintID != "" && meta.BlueprintID != opts.BlueprintID {
			continue
		}
		if opts.Status != "" && meta.Status != opts.Status {
			continue
		}
		out = append(out, meta)
	}

	sortMetas(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// sortMetas orders newest first.
func sortMetas(metas []*types.RunMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].ID < metas[j].ID
		}
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
}

func (s *MemoryStore) ListActiveRuns(ctx context.Context) ([]string, error) {
	metas, err := s.ListRuns(ctx, nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range metas {
		if !m.Status.IsTerminal() {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, runID string, patch *RunPatch) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	applyPatch(run.rec, patch)
	run.rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	var cp types.NodeState
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("unmarshal node state: %w", err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.rec.NodeStates == nil {
		run.rec.NodeStates = make(map[string]*types.NodeState)
	}
	run.rec.NodeStates[nodeID] = &cp
	run.rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	state, ok := run.rec.NodeStates[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s in run %s: %w", nodeID, runID, ErrNodeNotFound)
	}
	cp := *state
	return &cp, nil
}

func (s *MemoryStore) SetContext(ctx context.Context, runID, key string, value any) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	v, err := cloneValue(value)
	if err != nil {
		return fmt.Errorf("marshal context value: %w", err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.rec.Context == nil {
		run.rec.Context = make(map[string]any)
	}
	run.rec.Context[key] = v
	run.rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ScheduleTimer(ctx context.Context, t types.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.Key()] = t
	return nil
}

func (s *MemoryStore) CancelTimer(ctx context.Context, runID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, types.Timer{RunID: runID, NodeID: nodeID}.Key())
	return nil
}

func (s *MemoryStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]types.Timer, error) {
	s.mu.RLock()
	var due []types.Timer
	for _, t := range s.timers {
		if !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	run.mu.Lock()

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	// Append to ring buffer
	if run.maxEvents > 0 && int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)

	// Copy subscribers to notify outside lock
	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	// Notify subscribers (non-blocking)
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	result := make([]*types.Event, 0, len(run.events))
	for _, evt := range run.events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			run.mu.Lock()
			delete(run.subscribers, ch)
			run.mu.Unlock()
		})
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	timerCount := len(s.timers)
	s.mu.RUnlock()

	return map[string]any{
		"adapter":    "memory",
		"healthy":    true,
		"run_count":  runCount,
		"timers":     timerCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
