// Package types provides shared types for the blueprint engine.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NodeType identifies the kind of a blueprint node.
type NodeType string

const (
	NodeTypeTrigger NodeType = "trigger"
	NodeTypeBrain   NodeType = "brain"
	NodeTypeTool    NodeType = "tool"
	NodeTypeLogic   NodeType = "logic"
	NodeTypeWait    NodeType = "wait"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeTrigger, NodeTypeBrain, NodeTypeTool, NodeTypeLogic, NodeTypeWait:
		return true
	}
	return false
}

// BlueprintStatus is the lifecycle state of a blueprint version.
type BlueprintStatus string

const (
	BlueprintStatusDraft     BlueprintStatus = "draft"
	BlueprintStatusPublished BlueprintStatus = "published"
)

// Defaults applied when a brain node and the blueprint settings omit a value.
const (
	DefaultModel         = "openai/gpt-4o"
	DefaultTemperature   = 0.7
	DefaultContextWindow = 10
	DefaultIterationCap  = 50
	DefaultOutputKey     = "response"
)

// Blueprint is the declarative node/edge graph describing an agent.
type Blueprint struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id,omitempty"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Status      BlueprintStatus  `json:"status,omitempty"`
	Nodes       []Node           `json:"nodes"`
	Edges       []Edge           `json:"edges"`
	Settings    Settings         `json:"settings"`
	Resilience  ResiliencePolicy `json:"resilience"`

	// Tools lists the catalog tool ids installed into this blueprint.
	Tools []string `json:"tools,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node returns the node with the given id, or nil.
func (b *Blueprint) Node(id string) *Node {
	for i := range b.Nodes {
		if b.Nodes[i].ID == id {
			return &b.Nodes[i]
		}
	}
	return nil
}

// HasTool reports whether toolID is installed into the blueprint.
func (b *Blueprint) HasTool(toolID string) bool {
	for _, t := range b.Tools {
		if t == toolID {
			return true
		}
	}
	return false
}

// Triggers returns the trigger nodes in declaration order.
func (b *Blueprint) Triggers() []*Node {
	var out []*Node
	for i := range b.Nodes {
		if b.Nodes[i].Type == NodeTypeTrigger {
			out = append(out, &b.Nodes[i])
		}
	}
	return out
}

// Clone returns a deep copy of the blueprint.
func (b *Blueprint) Clone() (*Blueprint, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal blueprint: %w", err)
	}
	var out Blueprint
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint: %w", err)
	}
	return &out, nil
}

// Settings holds global reasoning defaults for brain nodes.
type Settings struct {
	Model         string   `json:"model,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MemoryType    string   `json:"memory_type,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
}

// WithDefaults fills unset settings.
func (s Settings) WithDefaults() Settings {
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.Temperature == nil {
		t := DefaultTemperature
		s.Temperature = &t
	}
	if s.MemoryType == "" {
		s.MemoryType = "buffer"
	}
	if s.ContextWindow <= 0 {
		s.ContextWindow = DefaultContextWindow
	}
	return s
}

// ResiliencePolicy is the blueprint-wide failure policy. Nodes may override it.
// A nil Retries defers to the engine default; an explicit 0 disables retries.
type ResiliencePolicy struct {
	Retries       *int `json:"retries,omitempty"`
	HumanApproval bool `json:"human_approval"`
}

// Position is the canvas location of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two nodes. Condition selects the logic branch ("true" or
// "false") when Source is a logic node.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// Node is a single step in a blueprint. Data holds the type-specific payload.
type Node struct {
	ID       string    `json:"id"`
	Type     NodeType  `json:"type"`
	Label    string    `json:"label,omitempty"`
	Position *Position `json:"position,omitempty"`
	Data     NodeData  `json:"data"`
}

type nodeWire struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Label    string          `json:"label,omitempty"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the node and its data variant keyed by Type.
func (n *Node) UnmarshalJSON(b []byte) error {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodeNodeData(w.Type, w.Data)
	if err != nil {
		return fmt.Errorf("node %q: %w", w.ID, err)
	}
	*n = Node{ID: w.ID, Type: w.Type, Label: w.Label, Position: w.Position, Data: data}
	return nil
}

// Policy returns the node-level resilience override, if the node type has one.
func (n *Node) Policy() *NodePolicy {
	switch d := n.Data.(type) {
	case *BrainData:
		return &d.NodePolicy
	case *ToolData:
		return &d.NodePolicy
	}
	return nil
}

// NodeData is the sum type of node payloads.
type NodeData interface {
	NodeType() NodeType
}

// DecodeNodeData strictly decodes raw into the variant for t.
func DecodeNodeData(t NodeType, raw json.RawMessage) (NodeData, error) {
	var data NodeData
	switch t {
	case NodeTypeTrigger:
		data = &TriggerData{}
	case NodeTypeBrain:
		data = &BrainData{}
	case NodeTypeTool:
		data = &ToolData{}
	case NodeTypeLogic:
		data = &LogicData{}
	case NodeTypeWait:
		data = &WaitData{}
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", t, err)
	}
	return data, nil
}

// TriggerKind is the event source of a trigger node.
type TriggerKind string

const (
	TriggerWebhook        TriggerKind = "webhook"
	TriggerCron           TriggerKind = "cron"
	TriggerInboundMessage TriggerKind = "inbound-message"
)

// TriggerData configures a trigger node.
type TriggerData struct {
	Kind     TriggerKind `json:"kind"`
	Schedule string      `json:"schedule,omitempty"`
	// Fields names the top-level keys the trigger payload is expected to carry.
	Fields []string `json:"fields,omitempty"`
}

func (*TriggerData) NodeType() NodeType { return NodeTypeTrigger }

// NodePolicy overrides the blueprint resilience policy for one node.
type NodePolicy struct {
	Retries       *int     `json:"retries,omitempty"`
	HumanApproval *bool    `json:"human_approval,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
}

// BrainData configures a reasoning node.
type BrainData struct {
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MemoryWindow int      `json:"memory_window,omitempty"`
	OutputKey    string   `json:"output_key,omitempty"`
	NodePolicy
}

func (*BrainData) NodeType() NodeType { return NodeTypeBrain }

// ResultKey is the output field the brain text is stored under.
func (d *BrainData) ResultKey() string {
	if d.OutputKey != "" {
		return d.OutputKey
	}
	return DefaultOutputKey
}

// ToolData configures a tool node. Bindings map a param path to a template
// resolved against the run context.
type ToolData struct {
	ToolID   string            `json:"tool_id"`
	Params   map[string]any    `json:"params,omitempty"`
	Bindings map[string]string `json:"bindings,omitempty"`
	NodePolicy
}

func (*ToolData) NodeType() NodeType { return NodeTypeTool }

// LogicData configures a conditional node.
type LogicData struct {
	Expression    string `json:"expression"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (*LogicData) NodeType() NodeType { return NodeTypeLogic }

// WaitData configures a delay node. Until, when set, is a resume condition
// re-checked every PollInterval.
type WaitData struct {
	Duration      Duration `json:"duration,omitempty"`
	Until         string   `json:"until,omitempty"`
	PollInterval  Duration `json:"poll_interval,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

func (*WaitData) NodeType() NodeType { return NodeTypeWait }

// Duration is a time.Duration that encodes as a Go duration string ("5s",
// "1m30s") and also accepts a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}
