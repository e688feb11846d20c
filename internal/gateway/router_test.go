package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

type fakeCatalog map[string]*types.ToolManifest

func (c fakeCatalog) GetTool(_ context.Context, id string) (*types.ToolManifest, error) {
	if m, ok := c[id]; ok {
		return m, nil
	}
	return nil, errors.New("tool not found")
}

func TestRouter_BuiltinEcho(t *testing.T) {
	r := NewRouter(fakeCatalog{"echo": {ID: "echo", Runtime: types.ToolRuntimeBuiltin}}, nil)

	out, err := r.Invoke(context.Background(), &ToolRequest{ToolID: "echo", Params: map[string]any{"msg": "hi"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !reflect.DeepEqual(out.Output, map[string]any{"msg": "hi"}) {
		t.Errorf("output = %#v", out.Output)
	}
}

func TestRouter_UnknownTool(t *testing.T) {
	r := NewRouter(fakeCatalog{}, nil)
	if _, err := r.Invoke(context.Background(), &ToolRequest{ToolID: "missing"}); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRouter_NoRuntime(t *testing.T) {
	r := NewRouter(fakeCatalog{"remote": {ID: "remote", Runtime: types.ToolRuntimeNATS}}, nil)
	_, err := r.Invoke(context.Background(), &ToolRequest{ToolID: "remote"})
	if !errors.Is(err, ErrNoRuntime) {
		t.Fatalf("error = %v, want ErrNoRuntime", err)
	}
}

func TestRouter_InputSchema(t *testing.T) {
	schema := json.RawMessage(`{
	  "type": "object",
	  "required": ["to"],
	  "properties": {"to": {"type": "string"}, "count": {"type": "integer", "minimum": 1}}
	}`)
	catalog := fakeCatalog{"send": {ID: "send", Runtime: types.ToolRuntimeHTTP, InputSchema: schema}}

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{name: "valid", params: map[string]any{"to": "ada", "count": 2}},
		{name: "missing required", params: map[string]any{"count": 2}, wantErr: true},
		{name: "wrong type", params: map[string]any{"to": 5}, wantErr: true},
		{name: "below minimum", params: map[string]any{"to": "ada", "count": 0}, wantErr: true},
		{name: "nil params", params: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			r := NewRouter(catalog, nil)
			r.Handle(types.ToolRuntimeHTTP, RuntimeFunc(func(context.Context, *types.ToolManifest, *ToolRequest) (*ToolOutput, error) {
				calls++
				return &ToolOutput{Output: "sent"}, nil
			}))

			_, err := r.Invoke(context.Background(), &ToolRequest{ToolID: "send", Params: tt.params})
			if tt.wantErr {
				var te *types.ToolError
				if !errors.As(err, &te) || te.Code != "invalid_params" {
					t.Fatalf("error = %v, want invalid_params ToolError", err)
				}
				if calls != 0 {
					t.Error("runtime must not be called with invalid params")
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if calls != 1 {
				t.Errorf("runtime called %d times, want 1", calls)
			}
		})
	}
}

func TestRouter_DeadlineBecomesTimeoutError(t *testing.T) {
	tests := []struct {
		name     string
		manifest *types.ToolManifest
		timeout  time.Duration
	}{
		{name: "request timeout", manifest: &types.ToolManifest{ID: "slow", Runtime: types.ToolRuntimeHTTP}, timeout: 20 * time.Millisecond},
		{name: "manifest timeout wins when shorter", manifest: &types.ToolManifest{ID: "slow", Runtime: types.ToolRuntimeHTTP, TimeoutSeconds: 1}, timeout: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(fakeCatalog{"slow": tt.manifest}, nil)
			r.Handle(types.ToolRuntimeHTTP, RuntimeFunc(func(ctx context.Context, _ *types.ToolManifest, _ *ToolRequest) (*ToolOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))

			began := time.Now()
			_, err := r.Invoke(context.Background(), &ToolRequest{ToolID: "slow", Timeout: tt.timeout})
			var te *types.TimeoutError
			if !errors.As(err, &te) {
				t.Fatalf("error = %v, want TimeoutError", err)
			}
			if !types.IsRetryable(err) {
				t.Error("timeout should be retryable")
			}
			if time.Since(began) > 5*time.Second {
				t.Error("call was not bounded by the timeout")
			}
		})
	}
}

func TestRouter_CancellationIsNotRetryable(t *testing.T) {
	r := NewRouter(fakeCatalog{"slow": {ID: "slow", Runtime: types.ToolRuntimeHTTP}}, nil)
	r.Handle(types.ToolRuntimeHTTP, RuntimeFunc(func(ctx context.Context, _ *types.ToolManifest, _ *ToolRequest) (*ToolOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.Invoke(ctx, &ToolRequest{ToolID: "slow"})
	if !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if types.IsRetryable(err) {
		t.Error("cancellation must not be retryable")
	}
}

func TestLineCollector(t *testing.T) {
	var events []*types.EventInput
	req := &ToolRequest{
		ToolID: "t",
		NodeID: "n1",
		OnEvent: func(_ context.Context, ev *types.EventInput) {
			events = append(events, ev)
		},
	}
	c := newLineCollector(req)
	ctx := context.Background()

	c.stdout(ctx, "plain text")
	c.stdout(ctx, `{"type":"log","level":"warning","message":"careful"}`)
	c.stdout(ctx, `{"type":"progress","pct":50}`)
	c.stdout(ctx, `{"type":"result","output":{"ok":true}}`)
	c.stderr(ctx, "boom")

	out, err := c.result()
	if err != nil {
		t.Fatalf("result() error = %v", err)
	}
	if !reflect.DeepEqual(out.Output, map[string]any{"ok": true}) {
		t.Errorf("output = %#v", out.Output)
	}

	wantTypes := []types.EventType{types.EventTypeLog, types.EventTypeLog, types.EventTypeStreamData, types.EventTypeLog}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] || ev.NodeID != "n1" {
			t.Errorf("event %d = %s/%s", i, ev.Type, ev.NodeID)
		}
	}
	if le, ok := events[1].Data.(types.LogEvent); !ok || le.Level != types.LogLevelWarning {
		t.Errorf("event 1 data = %#v", events[1].Data)
	}

	c.stdout(ctx, `{"type":"error","message":"bad input"}`)
	_, err = c.result()
	var te *types.ToolError
	if !errors.As(err, &te) || te.Code != "tool_error" || te.Message != "bad input" {
		t.Errorf("error = %v, want tool_error", err)
	}
}
