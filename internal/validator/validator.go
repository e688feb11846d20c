// Package validator checks blueprints against the JSON schema and the graph
// invariants the engine relies on, and produces the scheduling plan.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/blueprint-engine/internal/expr"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Validation error codes.
const (
	CodeSchema            = "schema"
	CodeDuplicateNode     = "duplicate_node"
	CodeDanglingEdge      = "dangling_edge"
	CodeNoTrigger         = "no_trigger"
	CodeTriggerHasInput   = "trigger_has_input"
	CodeUnreachable       = "unreachable"
	CodeSelfLoop          = "self_loop"
	CodeUnboundedCycle    = "unbounded_cycle"
	CodeUnknownVariable   = "unknown_variable"
	CodeUnknownTool       = "unknown_tool"
	CodeToolNotInstalled  = "tool_not_installed"
	CodeInvalidExpression = "invalid_expression"
	CodeInvalidDuration   = "invalid_duration"
	CodeInvalidEdge       = "invalid_edge"
	CodeMissingField      = "missing_field"
)

// ToolCatalog is the read-only view of registered tools.
type ToolCatalog interface {
	GetTool(ctx context.Context, toolID string) (*types.ToolManifest, error)
}

// Validator validates blueprints.
type Validator struct {
	blueprintSchema *jsonschema.Schema
	catalog         ToolCatalog
	eval            *expr.Evaluator
	defaultCap      int
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool                    `json:"valid"`
	Errors []types.ValidationError `json:"errors,omitempty"`
}

// New creates a validator. catalog may be nil, in which case every tool
// reference is reported unknown.
func New(catalog ToolCatalog) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("blueprint.json", strings.NewReader(blueprintSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add blueprint schema: %w", err)
	}
	schema, err := compiler.Compile("blueprint.json")
	if err != nil {
		return nil, fmt.Errorf("compile blueprint schema: %w", err)
	}

	return &Validator{
		blueprintSchema: schema,
		catalog:         catalog,
		eval:            expr.NewEvaluator(),
		defaultCap:      types.DefaultIterationCap,
	}, nil
}

// SetDefaultIterationCap overrides the loop cap used when no gate sets one.
func (v *Validator) SetDefaultIterationCap(n int) {
	if n > 0 {
		v.defaultCap = n
	}
}

// ValidateJSON checks a raw blueprint document against the schema only.
func (v *Validator) ValidateJSON(data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []types.ValidationError{{Code: CodeSchema, Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}},
		}
	}
	errs := v.schemaErrors(doc)
	return &ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Validate checks every structural invariant and returns the plan used for
// scheduling. Failures are reported as types.ValidationErrors.
func (v *Validator) Validate(ctx context.Context, bp *types.Blueprint) (*Plan, error) {
	raw, err := json.Marshal(bp)
	if err != nil {
		return nil, fmt.Errorf("marshal blueprint: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint: %w", err)
	}
	if errs := v.schemaErrors(doc); len(errs) > 0 {
		return nil, types.ValidationErrors(errs)
	}

	var errs types.ValidationErrors
	add := func(code, nodeID, format string, args ...any) {
		errs = append(errs, types.ValidationError{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]bool, len(bp.Nodes))
	for _, n := range bp.Nodes {
		if ids[n.ID] {
			add(CodeDuplicateNode, n.ID, "node id is used more than once")
		}
		ids[n.ID] = true
	}

	for _, e := range bp.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			errs = append(errs, types.ValidationError{
				Code:    CodeDanglingEdge,
				Path:    "edges." + e.ID,
				Message: fmt.Sprintf("edge %s -> %s references a missing node", e.Source, e.Target),
			})
			continue
		}
		if e.Source == e.Target {
			add(CodeSelfLoop, e.Source, "edge connects the node to itself")
		}
		src := bp.Node(e.Source)
		if e.Condition != "" {
			if src.Type != types.NodeTypeLogic {
				add(CodeInvalidEdge, e.Source, "only logic nodes may have conditional edges")
			} else if e.Condition != "true" && e.Condition != "false" {
				add(CodeInvalidEdge, e.Source, "edge condition must be \"true\" or \"false\", got %q", e.Condition)
			}
		}
		if bp.Node(e.Target).Type == types.NodeTypeTrigger {
			add(CodeTriggerHasInput, e.Target, "trigger nodes cannot have incoming edges")
		}
	}

	triggers := bp.Triggers()
	if len(triggers) == 0 {
		add(CodeNoTrigger, "", "blueprint has no trigger node")
	}

	// Graph analysis needs a well-formed edge set.
	if len(errs) > 0 {
		return nil, errs
	}

	plan, cycles := buildPlan(bp, v.defaultCap)

	reached := make(map[string]bool)
	for _, r := range plan.Reach {
		for id := range r {
			reached[id] = true
		}
	}
	for _, n := range bp.Nodes {
		if !reached[n.ID] {
			add(CodeUnreachable, n.ID, "node is not reachable from any trigger")
		}
	}

	for _, comp := range cycles {
		gated := false
		for _, id := range comp {
			if isGate(bp.Node(id)) {
				gated = true
				break
			}
		}
		if !gated {
			add(CodeUnboundedCycle, comp[0], "cycle %s has no logic or wait node to bound it", strings.Join(comp, " -> "))
		}
	}

	for i := range bp.Nodes {
		errs = append(errs, v.checkNode(ctx, bp, plan, &bp.Nodes[i])...)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return plan, nil
}

func (v *Validator) checkNode(ctx context.Context, bp *types.Blueprint, plan *Plan, n *types.Node) types.ValidationErrors {
	var errs types.ValidationErrors
	add := func(code, format string, args ...any) {
		errs = append(errs, types.ValidationError{Code: code, NodeID: n.ID, Message: fmt.Sprintf(format, args...)})
	}

	switch d := n.Data.(type) {
	case *types.TriggerData:
	case *types.BrainData:
		if strings.TrimSpace(d.Prompt) == "" {
			add(CodeMissingField, "brain node requires a prompt")
		}
		if d.Timeout < 0 {
			add(CodeInvalidDuration, "timeout must not be negative")
		}
	case *types.ToolData:
		if d.ToolID == "" {
			add(CodeMissingField, "tool node requires tool_id")
			break
		}
		if !bp.HasTool(d.ToolID) {
			add(CodeToolNotInstalled, "tool %q is not installed in this blueprint", d.ToolID)
		}
		if v.catalog == nil {
			add(CodeUnknownTool, "tool %q is not registered", d.ToolID)
		} else if _, err := v.catalog.GetTool(ctx, d.ToolID); err != nil {
			add(CodeUnknownTool, "tool %q is not registered", d.ToolID)
		}
		for path, tmpl := range d.Bindings {
			for _, ref := range expr.Refs(tmpl) {
				if msg, ok := v.refProducible(ctx, plan, n.ID, ref); !ok {
					add(CodeUnknownVariable, "binding %s: %s", path, msg)
				}
			}
		}
		if d.Timeout < 0 {
			add(CodeInvalidDuration, "timeout must not be negative")
		}
	case *types.LogicData:
		if strings.TrimSpace(d.Expression) == "" {
			add(CodeMissingField, "logic node requires an expression")
			break
		}
		errs = append(errs, v.checkCondition(ctx, plan, n.ID, d.Expression)...)
	case *types.WaitData:
		if d.Duration < 0 || d.PollInterval < 0 {
			add(CodeInvalidDuration, "durations must not be negative")
		}
		if d.Duration == 0 && d.Until == "" {
			add(CodeMissingField, "wait node requires a duration or an until condition")
		}
		if d.Until != "" {
			errs = append(errs, v.checkCondition(ctx, plan, n.ID, d.Until)...)
		}
	default:
		add(CodeSchema, "unsupported node data %T", n.Data)
	}
	return errs
}

func (v *Validator) checkCondition(ctx context.Context, plan *Plan, nodeID, expression string) types.ValidationErrors {
	var errs types.ValidationErrors
	if _, err := v.eval.Compile(expr.Rewrite(expression)); err != nil {
		errs = append(errs, types.ValidationError{Code: CodeInvalidExpression, NodeID: nodeID, Message: err.Error()})
	}
	for _, ref := range expr.Refs(expression) {
		if msg, ok := v.refProducible(ctx, plan, nodeID, ref); !ok {
			errs = append(errs, types.ValidationError{Code: CodeUnknownVariable, NodeID: nodeID, Message: msg})
		}
	}
	return errs
}

// refProducible reports whether an ancestor of nodeID can produce ref.
func (v *Validator) refProducible(ctx context.Context, plan *Plan, nodeID, ref string) (string, bool) {
	head, _ := expr.SplitRef(ref)
	anc := plan.Ancestors[nodeID]

	if head == types.InputKey {
		return "", true
	}
	if plan.Node(head) != nil {
		if anc[head] {
			return "", true
		}
		return fmt.Sprintf("%q refers to node %s which is not an ancestor", ref, head), false
	}
	for a := range anc {
		for _, name := range v.producible(ctx, plan.Node(a)) {
			if name == head {
				return "", true
			}
		}
	}
	return fmt.Sprintf("no ancestor produces %q", ref), false
}

// producible lists the top-level output fields a node is known to produce.
func (v *Validator) producible(ctx context.Context, n *types.Node) []string {
	switch d := n.Data.(type) {
	case *types.TriggerData:
		return append([]string{types.InputKey}, d.Fields...)
	case *types.BrainData:
		return []string{d.ResultKey(), "model"}
	case *types.ToolData:
		out := []string{types.ToolOutputRef}
		if v.catalog == nil {
			return out
		}
		m, err := v.catalog.GetTool(ctx, d.ToolID)
		if err != nil {
			return out
		}
		return append(out, m.Outputs...)
	case *types.LogicData:
		return []string{"met", "condition"}
	case *types.WaitData:
		return []string{"status", "delay"}
	}
	return nil
}

func (v *Validator) schemaErrors(doc any) []types.ValidationError {
	err := v.blueprintSchema.Validate(doc)
	if err == nil {
		return nil
	}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		return extractErrors(verr)
	}
	return []types.ValidationError{{Code: CodeSchema, Path: "$", Message: err.Error()}}
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []types.ValidationError {
	var errors []types.ValidationError

	if verr.Message != "" && len(verr.Causes) == 0 {
		errors = append(errors, types.ValidationError{
			Code:    CodeSchema,
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}
