package mutation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// MaxActions bounds the size of one batch.
const MaxActions = 100

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func actionsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("actions.json", strings.NewReader(actionsSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add actions schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("actions.json")
	})
	return schema, schemaErr
}

// ParseActions decodes an action batch. raw is either a JSON array of
// actions or an object carrying them under "actions". Every problem is
// reported in a single MutationRejected.
func ParseActions(raw []byte) ([]types.Action, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Actions []json.RawMessage `json:"actions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, reject(-1, "", CodeInvalidAction, "invalid JSON: "+err.Error())
		}
		return ParseRawActions(wrapped.Actions)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, reject(-1, "", CodeInvalidAction, "invalid JSON: "+err.Error())
	}
	return ParseRawActions(items)
}

// ParseRawActions validates and strictly decodes already split actions, such
// as the ones a brain completion carries.
func ParseRawActions(items []json.RawMessage) ([]types.Action, error) {
	s, err := actionsSchema()
	if err != nil {
		return nil, err
	}
	if len(items) > MaxActions {
		return nil, reject(-1, "", CodeInvalidAction, fmt.Sprintf("batch has %d actions, limit is %d", len(items), MaxActions))
	}

	var reasons []types.RejectionReason
	actions := make([]types.Action, 0, len(items))
	for i, item := range items {
		var doc any
		if err := json.Unmarshal(item, &doc); err != nil {
			reasons = append(reasons, types.RejectionReason{Index: i, Code: CodeInvalidAction, Message: err.Error()})
			continue
		}
		if err := s.Validate([]any{doc}); err != nil {
			reasons = append(reasons, types.RejectionReason{
				Index:   i,
				Action:  actionTag(doc),
				Code:    CodeInvalidAction,
				Message: schemaMessage(err),
			})
			continue
		}
		a, err := types.DecodeAction(item)
		if err != nil {
			reasons = append(reasons, types.RejectionReason{Index: i, Action: actionTag(doc), Code: CodeInvalidAction, Message: err.Error()})
			continue
		}
		actions = append(actions, a)
	}
	if len(reasons) > 0 {
		return nil, &types.MutationRejected{Reasons: reasons}
	}
	return actions, nil
}

// EncodeActions renders actions in their tagged wire form.
func EncodeActions(actions []types.Action) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(actions))
	for _, a := range actions {
		raw, err := types.EncodeAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func actionTag(doc any) types.ActionType {
	if m, ok := doc.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			return types.ActionType(t)
		}
	}
	return ""
}

// schemaMessage picks the most specific message out of a validation error.
func schemaMessage(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := strings.TrimPrefix(verr.InstanceLocation, "/0")
	if loc == "" {
		return verr.Message
	}
	return loc + ": " + verr.Message
}
