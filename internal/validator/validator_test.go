package validator

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

type fakeCatalog map[string]*types.ToolManifest

func (c fakeCatalog) GetTool(_ context.Context, id string) (*types.ToolManifest, error) {
	if m, ok := c[id]; ok {
		return m, nil
	}
	return nil, errors.New("tool not found")
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(fakeCatalog{
		"echo":   {ID: "echo", Runtime: types.ToolRuntimeBuiltin},
		"search": {ID: "search", Runtime: types.ToolRuntimeHTTP, Outputs: []string{"hits"}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func mustBlueprint(t *testing.T, doc string) *types.Blueprint {
	t.Helper()
	var bp types.Blueprint
	if err := json.Unmarshal([]byte(doc), &bp); err != nil {
		t.Fatalf("unmarshal blueprint: %v", err)
	}
	return &bp
}

func validationCodes(t *testing.T, err error) types.ValidationErrors {
	t.Helper()
	var verrs types.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	return verrs
}

const linearBlueprint = `{
  "name": "linear",
  "version": "1.0.0",
  "tools": ["echo"],
  "nodes": [
    {"id": "start", "type": "trigger", "data": {"kind": "webhook"}},
    {"id": "think", "type": "brain", "data": {"prompt": "Say hi to {{input.name}}", "model": "x"}},
    {"id": "say", "type": "tool", "data": {"tool_id": "echo", "params": {"msg": "hi"}}}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "think"},
    {"id": "e2", "source": "think", "target": "say"}
  ]
}`

func TestValidate_Linear(t *testing.T) {
	v := newTestValidator(t)
	plan, err := v.Validate(context.Background(), mustBlueprint(t, linearBlueprint))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if want := []string{"start", "think", "say"}; !reflect.DeepEqual(plan.Order, want) {
		t.Errorf("Order = %v, want %v", plan.Order, want)
	}
	if !plan.Ancestors["say"]["start"] || !plan.Ancestors["say"]["think"] {
		t.Errorf("Ancestors[say] = %v", plan.Ancestors["say"])
	}
	if !plan.IsSink("say") || plan.IsSink("think") {
		t.Error("IsSink() mismatch")
	}
	tools := plan.DownstreamTools("think")
	if len(tools) != 1 || tools[0].ID != "say" {
		t.Errorf("DownstreamTools(think) = %v", tools)
	}
}

func TestValidate_DeterministicOrder(t *testing.T) {
	v := newTestValidator(t)
	bp := mustBlueprint(t, `{
	  "name": "fan",
	  "nodes": [
	    {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
	    {"id": "c", "type": "wait", "data": {"duration": "1s"}},
	    {"id": "a", "type": "wait", "data": {"duration": "1s"}},
	    {"id": "b", "type": "wait", "data": {"duration": "1s"}},
	    {"id": "join", "type": "wait", "data": {"duration": "1s"}}
	  ],
	  "edges": [
	    {"source": "t", "target": "b"},
	    {"source": "t", "target": "a"},
	    {"source": "t", "target": "c"},
	    {"source": "a", "target": "join"},
	    {"source": "b", "target": "join"},
	    {"source": "c", "target": "join"}
	  ]
	}`)

	for i := 0; i < 5; i++ {
		plan, err := v.Validate(context.Background(), bp)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if want := []string{"t", "c", "a", "b", "join"}; !reflect.DeepEqual(plan.Order, want) {
			t.Fatalf("Order = %v, want %v", plan.Order, want)
		}
	}
}

func TestValidate_StructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code string
	}{
		{
			name: "unreachable node",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "w", "type": "wait", "data": {"duration": "1s"}},
			  {"id": "orphan", "type": "wait", "data": {"duration": "1s"}}
			], "edges": [{"source": "t", "target": "w"}]}`,
			code: CodeUnreachable,
		},
		{
			name: "duplicate id",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "t", "type": "wait", "data": {"duration": "1s"}}
			], "edges": []}`,
			code: CodeDuplicateNode,
		},
		{
			name: "dangling edge",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}}
			], "edges": [{"source": "t", "target": "ghost"}]}`,
			code: CodeDanglingEdge,
		},
		{
			name: "no trigger",
			doc: `{"name": "x", "nodes": [
			  {"id": "w", "type": "wait", "data": {"duration": "1s"}}
			], "edges": []}`,
			code: CodeNoTrigger,
		},
		{
			name: "self loop",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "w", "type": "wait", "data": {"duration": "1s"}}
			], "edges": [{"source": "t", "target": "w"}, {"source": "w", "target": "w"}]}`,
			code: CodeSelfLoop,
		},
		{
			name: "cycle without gate",
			doc: `{"name": "x", "tools": ["echo"], "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "a", "type": "tool", "data": {"tool_id": "echo"}},
			  {"id": "b", "type": "brain", "data": {"prompt": "p"}}
			], "edges": [
			  {"source": "t", "target": "a"},
			  {"source": "a", "target": "b"},
			  {"source": "b", "target": "a"}
			]}`,
			code: CodeUnboundedCycle,
		},
		{
			name: "unknown tool",
			doc: `{"name": "x", "tools": ["nope"], "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "a", "type": "tool", "data": {"tool_id": "nope"}}
			], "edges": [{"source": "t", "target": "a"}]}`,
			code: CodeUnknownTool,
		},
		{
			name: "tool not installed",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "a", "type": "tool", "data": {"tool_id": "echo"}}
			], "edges": [{"source": "t", "target": "a"}]}`,
			code: CodeToolNotInstalled,
		},
		{
			name: "logic references non ancestor",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "check", "type": "logic", "data": {"expression": "{{later.response}} == 1"}},
			  {"id": "later", "type": "brain", "data": {"prompt": "p"}}
			], "edges": [{"source": "t", "target": "check"}, {"source": "check", "target": "later"}]}`,
			code: CodeUnknownVariable,
		},
		{
			name: "logic references unknown name",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "check", "type": "logic", "data": {"expression": "{{verdict}} == \"ok\""}}
			], "edges": [{"source": "t", "target": "check"}]}`,
			code: CodeUnknownVariable,
		},
		{
			name: "invalid expression",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "check", "type": "logic", "data": {"expression": "{{input}} ==="}}
			], "edges": [{"source": "t", "target": "check"}]}`,
			code: CodeInvalidExpression,
		},
		{
			name: "conditional edge from non logic",
			doc: `{"name": "x", "nodes": [
			  {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
			  {"id": "w", "type": "wait", "data": {"duration": "1s"}}
			], "edges": [{"source": "t", "target": "w", "condition": "true"}]}`,
			code: CodeInvalidEdge,
		},
		{
			name: "bad node id",
			doc: `{"name": "x", "nodes": [
			  {"id": "other/agent", "type": "trigger", "data": {"kind": "webhook"}}
			], "edges": []}`,
			code: CodeSchema,
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), mustBlueprint(t, tt.doc))
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if verrs := validationCodes(t, err); !verrs.Has(tt.code) {
				t.Errorf("Validate() errors = %v, want code %s", verrs, tt.code)
			}
		})
	}
}

func TestValidate_LogicVariables(t *testing.T) {
	v := newTestValidator(t)
	bp := mustBlueprint(t, `{
	  "name": "branch",
	  "tools": ["search"],
	  "nodes": [
	    {"id": "t", "type": "trigger", "data": {"kind": "webhook", "fields": ["topic"]}},
	    {"id": "classify", "type": "brain", "data": {"prompt": "classify {{input.topic}}", "output_key": "result"}},
	    {"id": "find", "type": "tool", "data": {"tool_id": "search"}},
	    {"id": "check", "type": "logic", "data": {"expression": "{{result}} == \"ok\" && len({{hits}}) > 0 && {{topic}} != \"\""}},
	    {"id": "yes", "type": "wait", "data": {"duration": "1s"}},
	    {"id": "no", "type": "wait", "data": {"duration": "1s"}}
	  ],
	  "edges": [
	    {"source": "t", "target": "classify"},
	    {"source": "classify", "target": "find"},
	    {"source": "find", "target": "check"},
	    {"source": "check", "target": "yes", "condition": "true"},
	    {"source": "check", "target": "no", "condition": "false"}
	  ]
	}`)

	if _, err := v.Validate(context.Background(), bp); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_ToolOutputVariable(t *testing.T) {
	v := newTestValidator(t)
	bp := mustBlueprint(t, `{
	  "name": "whole-output",
	  "tools": ["search"],
	  "nodes": [
	    {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
	    {"id": "find", "type": "tool", "data": {"tool_id": "search"}},
	    {"id": "check", "type": "logic", "data": {"expression": "{{output}} != nil && {{output.hits}} != nil"}}
	  ],
	  "edges": [
	    {"source": "t", "target": "find"},
	    {"source": "find", "target": "check"}
	  ]
	}`)
	if _, err := v.Validate(context.Background(), bp); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	noTool := mustBlueprint(t, `{
	  "name": "no-tool",
	  "nodes": [
	    {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
	    {"id": "check", "type": "logic", "data": {"expression": "{{output}} != nil"}}
	  ],
	  "edges": [{"source": "t", "target": "check"}]
	}`)
	_, err := v.Validate(context.Background(), noTool)
	if err == nil {
		t.Fatal("Validate() expected error without a tool ancestor")
	}
	if verrs := validationCodes(t, err); !verrs.Has(CodeUnknownVariable) {
		t.Errorf("Validate() errors = %v, want code %s", verrs, CodeUnknownVariable)
	}
}

func TestValidate_BoundedCycle(t *testing.T) {
	v := newTestValidator(t)
	bp := mustBlueprint(t, `{
	  "name": "loop",
	  "nodes": [
	    {"id": "t", "type": "trigger", "data": {"kind": "webhook"}},
	    {"id": "work", "type": "brain", "data": {"prompt": "again"}},
	    {"id": "more", "type": "logic", "data": {"expression": "{{response}} != \"done\"", "max_iterations": 5}},
	    {"id": "end", "type": "wait", "data": {"duration": "1s"}}
	  ],
	  "edges": [
	    {"source": "t", "target": "work"},
	    {"source": "work", "target": "more"},
	    {"source": "more", "target": "work", "condition": "true"},
	    {"source": "more", "target": "end", "condition": "false"}
	  ]
	}`)

	plan, err := v.Validate(context.Background(), bp)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	loop, ok := plan.Loops["work"]
	if !ok {
		t.Fatalf("expected loop headed by work, got %v", plan.Loops)
	}
	if loop.Cap != 5 {
		t.Errorf("Cap = %d, want 5", loop.Cap)
	}
	if len(plan.Back["more"]) != 1 || plan.Back["more"][0].Target != "work" {
		t.Errorf("Back[more] = %v", plan.Back["more"])
	}
	if plan.LoopOf["more"] != "work" {
		t.Errorf("LoopOf[more] = %q", plan.LoopOf["more"])
	}
}

func TestValidate_DefaultIterationCap(t *testing.T) {
	v := newTestValidator(t)
	bp := mustBlueprint(t, `{
	  "name": "poll",
	  "nodes": [
	    {"id": "t", "type": "trigger", "data": {"kind": "cron", "schedule": "* * * * *"}},
	    {"id": "pause", "type": "wait", "data": {"duration": "1m"}},
	    {"id": "check", "type": "logic", "data": {"expression": "{{status}} == \"waited\""}}
	  ],
	  "edges": [
	    {"source": "t", "target": "pause"},
	    {"source": "pause", "target": "check"},
	    {"source": "check", "target": "pause", "condition": "true"}
	  ]
	}`)

	plan, err := v.Validate(context.Background(), bp)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := plan.Loops["pause"].Cap; got != types.DefaultIterationCap {
		t.Errorf("Cap = %d, want %d", got, types.DefaultIterationCap)
	}
}

func TestValidateJSON(t *testing.T) {
	v := newTestValidator(t)

	if res := v.ValidateJSON([]byte(linearBlueprint)); !res.Valid {
		t.Errorf("ValidateJSON() errors = %v", res.Errors)
	}
	if res := v.ValidateJSON([]byte(`{"name": ""}`)); res.Valid {
		t.Error("ValidateJSON() expected invalid")
	}
	if res := v.ValidateJSON([]byte(`{`)); res.Valid || res.Errors[0].Path != "$" {
		t.Errorf("ValidateJSON() = %+v", res)
	}
}
