package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActionType tags a proposed graph edit.
type ActionType string

const (
	ActionAddNode     ActionType = "ADD_NODE"
	ActionConnect     ActionType = "CONNECT"
	ActionInstallTool ActionType = "INSTALL_TOOL"
)

// Action is the sum type of graph edits an assistant may propose.
type Action interface {
	ActionType() ActionType
}

// AddNodeAction creates a node. ID is optional; one is generated when empty.
type AddNodeAction struct {
	ID       string          `json:"id,omitempty"`
	Type     NodeType        `json:"type"`
	Label    string          `json:"label,omitempty"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (*AddNodeAction) ActionType() ActionType { return ActionAddNode }

// ConnectAction adds an edge between two nodes.
type ConnectAction struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

func (*ConnectAction) ActionType() ActionType { return ActionConnect }

// InstallToolAction references an already registered catalog tool.
type InstallToolAction struct {
	ToolID string `json:"tool"`
}

func (*InstallToolAction) ActionType() ActionType { return ActionInstallTool }

type actionEnvelope struct {
	Type ActionType `json:"type"`
	// ADD_NODE
	Node *AddNodeAction `json:"node,omitempty"`
	// CONNECT
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Condition string `json:"condition,omitempty"`
	// INSTALL_TOOL
	Tool string `json:"tool,omitempty"`
}

// DecodeAction strictly decodes one tagged action.
func DecodeAction(raw json.RawMessage) (Action, error) {
	var env actionEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch env.Type {
	case ActionAddNode:
		if env.Node == nil || env.From != "" || env.To != "" || env.Tool != "" {
			return nil, fmt.Errorf("ADD_NODE requires only a node")
		}
		return env.Node, nil
	case ActionConnect:
		if env.Node != nil || env.Tool != "" {
			return nil, fmt.Errorf("CONNECT accepts only from, to and condition")
		}
		return &ConnectAction{From: env.From, To: env.To, Condition: env.Condition}, nil
	case ActionInstallTool:
		if env.Node != nil || env.From != "" || env.To != "" {
			return nil, fmt.Errorf("INSTALL_TOOL accepts only tool")
		}
		return &InstallToolAction{ToolID: env.Tool}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", env.Type)
}

// EncodeAction renders an action in its tagged wire form.
func EncodeAction(a Action) (json.RawMessage, error) {
	var env actionEnvelope
	switch v := a.(type) {
	case *AddNodeAction:
		env = actionEnvelope{Type: ActionAddNode, Node: v}
	case *ConnectAction:
		env = actionEnvelope{Type: ActionConnect, From: v.From, To: v.To, Condition: v.Condition}
	case *InstallToolAction:
		env = actionEnvelope{Type: ActionInstallTool, Tool: v.ToolID}
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}
	return json.Marshal(env)
}
