package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/gateway"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// ToolLister lists the catalog tools an assistant may install.
type ToolLister interface {
	ListTools(ctx context.Context) ([]*types.ToolManifest, error)
}

// ToolListerFunc adapts a function to ToolLister.
type ToolListerFunc func(ctx context.Context) ([]*types.ToolManifest, error)

func (f ToolListerFunc) ListTools(ctx context.Context) ([]*types.ToolManifest, error) {
	return f(ctx)
}

// Message is one turn of an assistant conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProposeRequest asks the assistant for graph edits.
type ProposeRequest struct {
	Instruction string    `json:"instruction"`
	History     []Message `json:"history,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// Proposal is what the assistant suggested. Actions that parse are returned in
// their canonical tagged form, anything else as the model wrote it. Actions
// are never applied here; Preview shows the result of applying them and
// Rejections explains why that would fail.
type Proposal struct {
	Text       string                  `json:"text"`
	Actions    []json.RawMessage       `json:"actions"`
	Preview    *types.Blueprint        `json:"preview,omitempty"`
	Rejections []types.RejectionReason `json:"rejections,omitempty"`
	Model      string                  `json:"model,omitempty"`
}

// AssistantConfig configures the assistant.
type AssistantConfig struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Assistant asks a brain for blueprint edits and dry-runs them.
type Assistant struct {
	brain   gateway.BrainGateway
	tools   ToolLister
	mutator *Mutator
	cfg     AssistantConfig
	logger  *slog.Logger
}

// NewAssistant creates an assistant.
func NewAssistant(brain gateway.BrainGateway, tools ToolLister, mutator *Mutator, cfg AssistantConfig, logger *slog.Logger) *Assistant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{brain: brain, tools: tools, mutator: mutator, cfg: cfg, logger: logger}
}

const assistantInstructions = `You help users design agent blueprints: graphs of trigger, brain, tool, logic and wait nodes.
Answer with a single JSON object and nothing else:
{"text": "<reply to the user>", "actions": [
  {"type": "ADD_NODE", "node": {"id": "short-id", "type": "brain|tool|logic|wait", "label": "Name", "position": {"x": 0, "y": 0}, "data": {}}},
  {"type": "CONNECT", "from": "source-id", "to": "target-id"},
  {"type": "INSTALL_TOOL", "tool": "catalog-tool-id"}
]}
Use short descriptive ids for new nodes. To connect to existing nodes use their ids from the current blueprint.
Only install tools from the catalog listed below.`

// Propose asks the brain for edits to bp. A completion without actions is a
// plain answer; malformed actions are reported as rejections.
func (a *Assistant) Propose(ctx context.Context, bp *types.Blueprint, req *ProposeRequest) (*Proposal, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, fmt.Errorf("instruction is required")
	}

	var tools []*types.ToolManifest
	if a.tools != nil {
		var err error
		if tools, err = a.tools.ListTools(ctx); err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
	}

	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	out, err := a.brain.Invoke(ctx, &gateway.BrainRequest{
		ModelRef:    model,
		Prompt:      prompt(req),
		Context:     map[string]any{"instructions": assistantInstructions, "blueprint": bp},
		Tools:       tools,
		Temperature: a.cfg.Temperature,
		Timeout:     a.cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	p := &Proposal{Text: out.Text, Actions: out.Actions, Model: out.Model}
	if len(out.Actions) == 0 {
		return p, nil
	}

	actions, err := ParseRawActions(out.Actions)
	if err == nil {
		if canonical, encErr := EncodeActions(actions); encErr == nil {
			p.Actions = canonical
		}
		p.Preview, err = a.mutator.Apply(ctx, bp, actions)
	}
	var rejected *types.MutationRejected
	switch {
	case errors.As(err, &rejected):
		p.Rejections = rejected.Reasons
		p.Preview = nil
	case err != nil:
		return nil, err
	}
	a.logger.Debug("assistant proposal",
		"blueprint_id", bp.ID,
		"actions", len(out.Actions),
		"rejections", len(p.Rejections))
	return p, nil
}

// prompt flattens the conversation into the user turn. Earlier assistant
// turns that were JSON replies contribute only their text.
func prompt(req *ProposeRequest) string {
	var sb strings.Builder
	for _, m := range req.History {
		content := m.Content
		var reply struct {
			Text *string `json:"text"`
		}
		if json.Unmarshal([]byte(content), &reply) == nil && reply.Text != nil {
			content = *reply.Text
		}
		role := "USER"
		if m.Role != "user" {
			role = "ASSISTANT"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, content)
	}
	fmt.Fprintf(&sb, "USER: %s", req.Instruction)
	return sb.String()
}
