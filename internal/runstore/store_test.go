package runstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

func newRecord(id string) *types.ExecutionRecord {
	now := time.Now().UTC()
	return &types.ExecutionRecord{
		RunID:            id,
		BlueprintID:      "bp-1",
		BlueprintVersion: "1.0.0",
		TriggerID:        "t1",
		Status:           types.RunStatusQueued,
		NodeStates: map[string]*types.NodeState{
			"t1": {NodeID: "t1", Status: types.NodeStatusPending},
			"b1": {NodeID: "b1", Status: types.NodeStatusPending},
		},
		Context:   map[string]any{types.InputKey: map[string]any{"msg": "hi"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runStoreSuite exercises behaviour every RunStore must share.
func runStoreSuite(t *testing.T, store RunStore) {
	ctx := context.Background()
	runID := uuid.NewString()

	t.Run("create and get", func(t *testing.T) {
		if err := store.CreateRun(ctx, newRecord(runID)); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
		if err := store.CreateRun(ctx, newRecord(runID)); !errors.Is(err, ErrRunExists) {
			t.Errorf("expected ErrRunExists, got %v", err)
		}
		rec, err := store.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if rec.TriggerID != "t1" || len(rec.NodeStates) != 2 {
			t.Errorf("unexpected record: %+v", rec)
		}
		in, _ := rec.Context[types.InputKey].(map[string]any)
		if in["msg"] != "hi" {
			t.Errorf("input = %v", rec.Context[types.InputKey])
		}
	})

	t.Run("missing run", func(t *testing.T) {
		if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("node state and context", func(t *testing.T) {
		st := &types.NodeState{NodeID: "b1", Status: types.NodeStatusCompleted, Attempt: 1, Output: map[string]any{"response": "ok"}}
		if err := store.UpdateNodeState(ctx, runID, "b1", st); err != nil {
			t.Fatalf("UpdateNodeState failed: %v", err)
		}
		if err := store.SetContext(ctx, runID, types.OutputKey("b1"), st.Output); err != nil {
			t.Fatalf("SetContext failed: %v", err)
		}
		got, err := store.GetNodeState(ctx, runID, "b1")
		if err != nil {
			t.Fatalf("GetNodeState failed: %v", err)
		}
		if got.Status != types.NodeStatusCompleted {
			t.Errorf("status = %s", got.Status)
		}
		rec, _ := store.GetRun(ctx, runID)
		out, _ := rec.Context["b1.output"].(map[string]any)
		if out["response"] != "ok" {
			t.Errorf("context = %v", rec.Context)
		}
	})

	t.Run("update run and active index", func(t *testing.T) {
		active, err := store.ListActiveRuns(ctx)
		if err != nil {
			t.Fatalf("ListActiveRuns failed: %v", err)
		}
		if !contains(active, runID) {
			t.Fatalf("expected %s to be active, got %v", runID, active)
		}

		status := types.RunStatusFailed
		msg := "boom"
		node := "b1"
		now := time.Now().UTC()
		patch := &RunPatch{Status: &status, Error: &msg, FailedNode: &node, CompletedAt: &now, Iterations: map[string]int{"b1": 2}}
		if err := store.UpdateRun(ctx, runID, patch); err != nil {
			t.Fatalf("UpdateRun failed: %v", err)
		}
		rec, _ := store.GetRun(ctx, runID)
		if rec.Status != types.RunStatusFailed || rec.Error != "boom" || rec.FailedNode != "b1" {
			t.Errorf("unexpected record after patch: %+v", rec)
		}
		if rec.Iterations["b1"] != 2 {
			t.Errorf("iterations = %v", rec.Iterations)
		}
		// Node states survive a run-level patch.
		if rec.NodeStates["b1"].Status != types.NodeStatusCompleted {
			t.Errorf("node state lost: %+v", rec.NodeStates["b1"])
		}

		active, _ = store.ListActiveRuns(ctx)
		if contains(active, runID) {
			t.Errorf("terminal run still active")
		}
		metas, _ := store.ListRuns(ctx, &ListOptions{BlueprintID: "bp-1", Status: types.RunStatusFailed})
		found := false
		for _, m := range metas {
			if m.ID == runID {
				found = true
			}
		}
		if !found {
			t.Errorf("ListRuns did not return %s", runID)
		}
	})

	t.Run("timers", func(t *testing.T) {
		now := time.Now().UTC()
		early := types.Timer{RunID: runID, NodeID: "w1", Kind: types.TimerWait, FireAt: now.Add(-2 * time.Second)}
		later := types.Timer{RunID: runID, NodeID: "w2", Kind: types.TimerPoll, FireAt: now.Add(time.Hour)}
		for _, tm := range []types.Timer{early, later} {
			if err := store.ScheduleTimer(ctx, tm); err != nil {
				t.Fatalf("ScheduleTimer failed: %v", err)
			}
		}
		due, err := store.DueTimers(ctx, now, 10)
		if err != nil {
			t.Fatalf("DueTimers failed: %v", err)
		}
		if len(due) != 1 || due[0].NodeID != "w1" || due[0].Kind != types.TimerWait {
			t.Fatalf("due = %+v", due)
		}

		// Rescheduling replaces the existing timer.
		early.FireAt = now.Add(time.Hour)
		store.ScheduleTimer(ctx, early)
		due, _ = store.DueTimers(ctx, now, 10)
		if len(due) != 0 {
			t.Errorf("expected no due timers after reschedule, got %+v", due)
		}

		store.CancelTimer(ctx, runID, "w1")
		store.CancelTimer(ctx, runID, "w2")
		due, _ = store.DueTimers(ctx, now.Add(2*time.Hour), 10)
		for _, d := range due {
			if d.RunID == runID {
				t.Errorf("cancelled timer still due: %+v", d)
			}
		}
	})

	t.Run("events", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if _, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog, NodeID: "b1", Data: map[string]int{"i": i}}); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}
		}
		all, err := store.GetEventsSince(ctx, runID, "")
		if err != nil {
			t.Fatalf("GetEventsSince failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 events, got %d", len(all))
		}
		tail, _ := store.GetEventsSince(ctx, runID, all[0].ID)
		if len(tail) != 2 || tail[0].ID != all[1].ID {
			t.Errorf("unexpected tail: %+v", tail)
		}
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore(nil))
}

func TestMemoryStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	store.CreateRun(ctx, newRecord("r1"))

	ch, cleanup, err := store.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	store.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: types.RunStatusRunning}})

	select {
	case evt := <-ch:
		if evt.Type != types.EventTypeRunStatus || evt.ID != "1" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryStore_EventRingBuffer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(&Config{EventMaxLen: 2})
	store.CreateRun(ctx, newRecord("r1"))
	for i := 0; i < 5; i++ {
		store.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeLog})
	}
	events, _ := store.GetEventsSince(ctx, "r1", "")
	if len(events) != 2 || events[0].ID != "4" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	store.CreateRun(ctx, newRecord("r1"))

	rec, _ := store.GetRun(ctx, "r1")
	rec.NodeStates["t1"].Status = types.NodeStatusFailed
	rec.Context["input"] = "mutated"

	again, _ := store.GetRun(ctx, "r1")
	if again.NodeStates["t1"].Status != types.NodeStatusPending {
		t.Errorf("node state aliased")
	}
	if _, ok := again.Context["input"].(map[string]any); !ok {
		t.Errorf("context aliased: %v", again.Context["input"])
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("redis not available:", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	client := newTestRedis(t)
	prefix := "test:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	store := NewRedisStore(client, &RedisConfig{Prefix: prefix, TTL: time.Hour})
	defer store.Close()
	runStoreSuite(t, store)
}
