// Package mutation applies assistant proposed graph edits to a blueprint.
// A batch is checked as a whole against a private copy; the caller's
// blueprint is never modified and nothing is committed on rejection.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Rejection codes.
const (
	CodeUnknownNode      = "unknown_node"
	CodeForeignReference = "foreign_reference"
	CodeUnknownTool      = "unknown_tool"
	CodeDuplicateNode    = "duplicate_node"
	CodeInvalidAction    = "invalid_action"
	CodeInvalidGraph     = "invalid_graph"
)

var nodeIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Catalog resolves registered tools.
type Catalog interface {
	GetTool(ctx context.Context, id string) (*types.ToolManifest, error)
}

// GraphValidator checks the edited blueprint.
type GraphValidator interface {
	Validate(ctx context.Context, bp *types.Blueprint) (*validator.Plan, error)
}

// Mutator applies action batches.
type Mutator struct {
	catalog   Catalog
	validator GraphValidator
	logger    *slog.Logger
}

// New creates a Mutator.
func New(catalog Catalog, v GraphValidator, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{catalog: catalog, validator: v, logger: logger}
}

// batch is the working state of one Apply call.
type batch struct {
	bp       *types.Blueprint
	declared map[string]bool
	reasons  []types.RejectionReason
}

func (b *batch) reject(i int, a types.Action, code, format string, args ...any) {
	b.reasons = append(b.reasons, types.RejectionReason{
		Index:   i,
		Action:  a.ActionType(),
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// Apply returns a copy of bp with every action applied, or a
// *types.MutationRejected listing every action that failed. Node references
// may point at nodes added anywhere in the same batch.
func (m *Mutator) Apply(ctx context.Context, bp *types.Blueprint, actions []types.Action) (*types.Blueprint, error) {
	out, err := m.apply(ctx, bp, actions)
	result := "applied"
	var rejected *types.MutationRejected
	switch {
	case errors.As(err, &rejected):
		result = "rejected"
		m.logger.Info("mutation batch rejected",
			"blueprint_id", bp.ID,
			"actions", len(actions),
			"reasons", len(rejected.Reasons))
	case err != nil:
		result = "error"
	}
	metrics.MutationsTotal.WithLabelValues(result).Inc()
	return out, err
}

func (m *Mutator) apply(ctx context.Context, bp *types.Blueprint, actions []types.Action) (*types.Blueprint, error) {
	if len(actions) == 0 {
		return nil, reject(-1, "", CodeInvalidAction, "empty action batch")
	}
	work, err := bp.Clone()
	if err != nil {
		return nil, err
	}

	b := &batch{bp: work, declared: make(map[string]bool)}
	for _, a := range actions {
		if add, ok := a.(*types.AddNodeAction); ok && add.ID != "" {
			if id, ok := b.ownID(add.ID); ok {
				b.declared[id] = true
			}
		}
	}

	for i, a := range actions {
		switch act := a.(type) {
		case *types.AddNodeAction:
			b.addNode(i, act)
		case *types.ConnectAction:
			b.connect(i, act)
		case *types.InstallToolAction:
			m.installTool(ctx, b, i, act)
		case nil:
			b.reasons = append(b.reasons, types.RejectionReason{Index: i, Code: CodeInvalidAction, Message: "nil action"})
		default:
			b.reject(i, a, CodeInvalidAction, "unsupported action %T", a)
		}
	}
	if len(b.reasons) > 0 {
		return nil, &types.MutationRejected{Reasons: b.reasons}
	}

	if m.validator != nil {
		if _, err := m.validator.Validate(ctx, work); err != nil {
			var verrs types.ValidationErrors
			if !errors.As(err, &verrs) {
				return nil, fmt.Errorf("validate mutated blueprint: %w", err)
			}
			reasons := make([]types.RejectionReason, len(verrs))
			for i, ve := range verrs {
				reasons[i] = types.RejectionReason{Index: -1, Code: CodeInvalidGraph, Message: ve.Error()}
			}
			return nil, &types.MutationRejected{Reasons: reasons}
		}
	}
	work.UpdatedAt = time.Now().UTC()
	return work, nil
}

// ownID resolves a node reference. References may be qualified with the
// blueprint's own id or agent id ("<scope>/<node>" or "<scope>:<node>");
// any other scope addresses a different blueprint.
func (b *batch) ownID(ref string) (string, bool) {
	i := strings.IndexAny(ref, "/:")
	if i < 0 {
		return ref, true
	}
	scope, id := ref[:i], ref[i+1:]
	if strings.ContainsAny(id, "/:") {
		return "", false
	}
	if scope != "" && (scope == b.bp.ID || scope == b.bp.AgentID) {
		return id, true
	}
	return "", false
}

func (b *batch) exists(id string) bool {
	return b.bp.Node(id) != nil || b.declared[id]
}

func (b *batch) addNode(i int, a *types.AddNodeAction) {
	if !a.Type.Valid() {
		b.reject(i, a, CodeInvalidAction, "unknown node type %q", a.Type)
		return
	}
	id := a.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", a.Type, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	id, ok := b.ownID(id)
	if !ok {
		b.reject(i, a, CodeForeignReference, "node id %q addresses another blueprint", a.ID)
		return
	}
	if !nodeIDRe.MatchString(id) {
		b.reject(i, a, CodeInvalidAction, "invalid node id %q", id)
		return
	}
	if b.bp.Node(id) != nil {
		b.reject(i, a, CodeDuplicateNode, "node %q already exists", id)
		return
	}
	data, err := types.DecodeNodeData(a.Type, a.Data)
	if err != nil {
		b.reject(i, a, CodeInvalidAction, "%v", err)
		return
	}

	b.bp.Nodes = append(b.bp.Nodes, types.Node{
		ID:       id,
		Type:     a.Type,
		Label:    a.Label,
		Position: a.Position,
		Data:     data,
	})
}

func (b *batch) connect(i int, a *types.ConnectAction) {
	from, okFrom := b.ownID(a.From)
	to, okTo := b.ownID(a.To)
	if !okFrom || !okTo {
		b.reject(i, a, CodeForeignReference, "edge %s -> %s addresses another blueprint", a.From, a.To)
		return
	}
	switch {
	case !b.exists(from):
		b.reject(i, a, CodeUnknownNode, "source node %q does not exist", from)
		return
	case !b.exists(to):
		b.reject(i, a, CodeUnknownNode, "target node %q does not exist", to)
		return
	}
	switch a.Condition {
	case "", "true", "false":
	default:
		b.reject(i, a, CodeInvalidAction, "invalid edge condition %q", a.Condition)
		return
	}
	for _, e := range b.bp.Edges {
		if e.Source == from && e.Target == to && e.Condition == a.Condition {
			b.reject(i, a, CodeInvalidAction, "edge %s -> %s already exists", from, to)
			return
		}
	}

	id := "e-" + from + "-" + to
	for n := 2; b.hasEdge(id); n++ {
		id = fmt.Sprintf("e-%s-%s-%d", from, to, n)
	}
	b.bp.Edges = append(b.bp.Edges, types.Edge{ID: id, Source: from, Target: to, Condition: a.Condition})
}

func (b *batch) hasEdge(id string) bool {
	for _, e := range b.bp.Edges {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (m *Mutator) installTool(ctx context.Context, b *batch, i int, a *types.InstallToolAction) {
	if a.ToolID == "" {
		b.reject(i, a, CodeInvalidAction, "tool id is required")
		return
	}
	if strings.ContainsAny(a.ToolID, "/:") {
		b.reject(i, a, CodeForeignReference, "tool %q addresses storage outside the catalog", a.ToolID)
		return
	}
	if m.catalog == nil {
		b.reject(i, a, CodeUnknownTool, "tool %q is not registered", a.ToolID)
		return
	}
	if _, err := m.catalog.GetTool(ctx, a.ToolID); err != nil {
		b.reject(i, a, CodeUnknownTool, "tool %q is not registered", a.ToolID)
		return
	}
	if !b.bp.HasTool(a.ToolID) {
		b.bp.Tools = append(b.bp.Tools, a.ToolID)
	}
}

func reject(index int, action types.ActionType, code, msg string) *types.MutationRejected {
	return &types.MutationRejected{Reasons: []types.RejectionReason{{
		Index:   index,
		Action:  action,
		Code:    code,
		Message: msg,
	}}}
}
