package mutation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

type fakeCatalog map[string]*types.ToolManifest

func (c fakeCatalog) GetTool(_ context.Context, id string) (*types.ToolManifest, error) {
	if m, ok := c[id]; ok {
		return m, nil
	}
	return nil, errors.New("tool not found")
}

var testCatalog = fakeCatalog{
	"echo":   {ID: "echo", Runtime: types.ToolRuntimeBuiltin},
	"search": {ID: "search", Runtime: types.ToolRuntimeHTTP, Outputs: []string{"hits"}},
}

func newTestMutator(t *testing.T) *Mutator {
	t.Helper()
	v, err := validator.New(testCatalog)
	if err != nil {
		t.Fatalf("validator.New() error = %v", err)
	}
	return New(testCatalog, v, nil)
}

const baseBlueprint = `{
  "id": "bp-1",
  "agent_id": "agent-7",
  "name": "support",
  "version": "1.0.0",
  "tools": ["echo"],
  "nodes": [
    {"id": "start", "type": "trigger", "data": {"kind": "webhook"}},
    {"id": "think", "type": "brain", "data": {"prompt": "help"}}
  ],
  "edges": [{"id": "e1", "source": "start", "target": "think"}]
}`

func baseBP(t *testing.T) *types.Blueprint {
	t.Helper()
	var bp types.Blueprint
	if err := json.Unmarshal([]byte(baseBlueprint), &bp); err != nil {
		t.Fatalf("unmarshal blueprint: %v", err)
	}
	return &bp
}

func mustActions(t *testing.T, doc string) []types.Action {
	t.Helper()
	actions, err := ParseActions([]byte(doc))
	if err != nil {
		t.Fatalf("ParseActions() error = %v", err)
	}
	return actions
}

func TestApply_AddAndConnect(t *testing.T) {
	m := newTestMutator(t)
	bp := baseBP(t)

	out, err := m.Apply(context.Background(), bp, mustActions(t, `[
	  {"type": "ADD_NODE", "node": {"id": "reply", "type": "tool", "label": "Reply", "data": {"tool_id": "echo", "params": {"msg": "{{think.response}}"}}}},
	  {"type": "CONNECT", "from": "think", "to": "reply"}
	]`))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	n := out.Node("reply")
	if n == nil || n.Type != types.NodeTypeTool || n.Label != "Reply" {
		t.Fatalf("added node = %+v", n)
	}
	if td, ok := n.Data.(*types.ToolData); !ok || td.ToolID != "echo" {
		t.Errorf("node data = %#v", n.Data)
	}
	last := out.Edges[len(out.Edges)-1]
	if last.Source != "think" || last.Target != "reply" || last.ID != "e-think-reply" {
		t.Errorf("added edge = %+v", last)
	}
	if len(bp.Nodes) != 2 || len(bp.Edges) != 1 {
		t.Error("Apply modified the input blueprint")
	}
}

func TestApply_RejectsWholeBatch(t *testing.T) {
	m := newTestMutator(t)
	bp := baseBP(t)
	before, _ := json.Marshal(bp)

	out, err := m.Apply(context.Background(), bp, mustActions(t, `[
	  {"type": "ADD_NODE", "node": {"id": "extra", "type": "brain", "data": {"prompt": "more"}}},
	  {"type": "CONNECT", "from": "think", "to": "ghost"}
	]`))

	var rejected *types.MutationRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want MutationRejected", err)
	}
	if out != nil {
		t.Error("rejected batch returned a blueprint")
	}
	if len(rejected.Reasons) != 1 || rejected.Reasons[0].Index != 1 || rejected.Reasons[0].Code != CodeUnknownNode {
		t.Errorf("reasons = %+v", rejected.Reasons)
	}

	after, _ := json.Marshal(bp)
	if !bytes.Equal(before, after) {
		t.Errorf("blueprint changed:\nbefore %s\nafter  %s", before, after)
	}
}

func TestApply_RejectionCodes(t *testing.T) {
	tests := []struct {
		name     string
		actions  string
		wantCode string
	}{
		{
			name:     "foreign source",
			actions:  `[{"type": "CONNECT", "from": "bp-other/think", "to": "think"}]`,
			wantCode: CodeForeignReference,
		},
		{
			name:     "foreign node id",
			actions:  `[{"type": "ADD_NODE", "node": {"id": "agent-9:spy", "type": "brain", "data": {"prompt": "x"}}}]`,
			wantCode: CodeForeignReference,
		},
		{
			name:     "foreign tool",
			actions:  `[{"type": "INSTALL_TOOL", "tool": "../../etc/passwd"}]`,
			wantCode: CodeForeignReference,
		},
		{
			name:     "unregistered tool",
			actions:  `[{"type": "INSTALL_TOOL", "tool": "shell"}]`,
			wantCode: CodeUnknownTool,
		},
		{
			name:     "existing node id",
			actions:  `[{"type": "ADD_NODE", "node": {"id": "think", "type": "brain", "data": {"prompt": "x"}}}]`,
			wantCode: CodeDuplicateNode,
		},
		{
			name: "same id twice in batch",
			actions: `[
			  {"type": "ADD_NODE", "node": {"id": "twin", "type": "brain", "data": {"prompt": "x"}}},
			  {"type": "ADD_NODE", "node": {"id": "twin", "type": "brain", "data": {"prompt": "y"}}}
			]`,
			wantCode: CodeDuplicateNode,
		},
		{
			name:     "unknown data field",
			actions:  `[{"type": "ADD_NODE", "node": {"id": "n", "type": "brain", "data": {"prompt": "x", "shell": "rm"}}}]`,
			wantCode: CodeInvalidAction,
		},
		{
			name:     "duplicate edge",
			actions:  `[{"type": "CONNECT", "from": "start", "to": "think"}]`,
			wantCode: CodeInvalidAction,
		},
		{
			name:     "unreachable node",
			actions:  `[{"type": "ADD_NODE", "node": {"id": "island", "type": "brain", "data": {"prompt": "x"}}}]`,
			wantCode: CodeInvalidGraph,
		},
		{
			name: "tool not installed",
			actions: `[
			  {"type": "ADD_NODE", "node": {"id": "find", "type": "tool", "data": {"tool_id": "search"}}},
			  {"type": "CONNECT", "from": "think", "to": "find"}
			]`,
			wantCode: CodeInvalidGraph,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMutator(t)
			_, err := m.Apply(context.Background(), baseBP(t), mustActions(t, tt.actions))
			var rejected *types.MutationRejected
			if !errors.As(err, &rejected) {
				t.Fatalf("error = %v, want MutationRejected", err)
			}
			found := false
			for _, r := range rejected.Reasons {
				if r.Code == tt.wantCode {
					found = true
				}
			}
			if !found {
				t.Errorf("reasons = %+v, want code %s", rejected.Reasons, tt.wantCode)
			}
		})
	}
}

func TestApply_ForwardReferencesAndOwnScope(t *testing.T) {
	m := newTestMutator(t)
	out, err := m.Apply(context.Background(), baseBP(t), mustActions(t, `[
	  {"type": "CONNECT", "from": "bp-1/think", "to": "find"},
	  {"type": "INSTALL_TOOL", "tool": "search"},
	  {"type": "ADD_NODE", "node": {"id": "agent-7:find", "type": "tool", "data": {"tool_id": "search"}}}
	]`))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.Node("find") == nil {
		t.Error("node added under its own scope should be stored unqualified")
	}
	if !out.HasTool("search") {
		t.Errorf("tools = %v", out.Tools)
	}
}

func TestApply_GeneratedIDAndIdempotentInstall(t *testing.T) {
	m := newTestMutator(t)
	_, err := m.Apply(context.Background(), baseBP(t), []types.Action{
		&types.InstallToolAction{ToolID: "echo"},
		&types.AddNodeAction{Type: types.NodeTypeWait, Data: json.RawMessage(`{"duration": "1s"}`)},
	})
	var rejected *types.MutationRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want rejection for the unconnected node", err)
	}
	named := false
	for _, r := range rejected.Reasons {
		named = named || strings.Contains(r.Message, "node wait-")
	}
	if !named {
		t.Errorf("reasons %+v should name the generated node id", rejected.Reasons)
	}

	out, err := m.Apply(context.Background(), baseBP(t), []types.Action{&types.InstallToolAction{ToolID: "echo"}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(out.Tools) != 1 {
		t.Errorf("tools = %v, want echo installed once", out.Tools)
	}
}

func TestApply_EmptyBatch(t *testing.T) {
	_, err := newTestMutator(t).Apply(context.Background(), baseBP(t), nil)
	var rejected *types.MutationRejected
	if !errors.As(err, &rejected) || rejected.Reasons[0].Code != CodeInvalidAction {
		t.Fatalf("error = %v", err)
	}
}

func TestParseActions(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantCount int
		wantErr   bool
	}{
		{name: "array", doc: `[{"type": "INSTALL_TOOL", "tool": "echo"}]`, wantCount: 1},
		{name: "wrapped", doc: `{"text": "ok", "actions": [{"type": "CONNECT", "from": "a", "to": "b", "condition": "true"}]}`, wantCount: 1},
		{name: "unknown type", doc: `[{"type": "DELETE_NODE", "id": "a"}]`, wantErr: true},
		{name: "extra field", doc: `[{"type": "INSTALL_TOOL", "tool": "echo", "privileged": true}]`, wantErr: true},
		{name: "bad condition", doc: `[{"type": "CONNECT", "from": "a", "to": "b", "condition": "maybe"}]`, wantErr: true},
		{name: "missing node", doc: `[{"type": "ADD_NODE"}]`, wantErr: true},
		{name: "free text", doc: `please add a node`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions, err := ParseActions([]byte(tt.doc))
			if tt.wantErr {
				var rejected *types.MutationRejected
				if !errors.As(err, &rejected) {
					t.Fatalf("error = %v, want MutationRejected", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseActions() error = %v", err)
			}
			if len(actions) != tt.wantCount {
				t.Errorf("actions = %d, want %d", len(actions), tt.wantCount)
			}
		})
	}
}

func TestParseActions_ReportsEveryBadItem(t *testing.T) {
	_, err := ParseActions([]byte(`[
	  {"type": "INSTALL_TOOL"},
	  {"type": "INSTALL_TOOL", "tool": "echo"},
	  {"type": "CONNECT", "from": "a"}
	]`))
	var rejected *types.MutationRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v", err)
	}
	if len(rejected.Reasons) != 2 || rejected.Reasons[0].Index != 0 || rejected.Reasons[1].Index != 2 {
		t.Errorf("reasons = %+v", rejected.Reasons)
	}
	if rejected.Reasons[1].Action != types.ActionConnect {
		t.Errorf("action tag = %q", rejected.Reasons[1].Action)
	}
}
