package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// LoadFile reads tool manifests from a JSON file holding either an array of
// manifests or {"tools": [...]}.
func LoadFile(path string) ([]*types.ToolManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a manifest list.
func Parse(raw []byte) ([]*types.ToolManifest, error) {
	raw = bytes.TrimSpace(raw)
	var tools []*types.ToolManifest
	if len(raw) > 0 && raw[0] == '{' {
		var doc struct {
			Tools []*types.ToolManifest `json:"tools"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
		tools = doc.Tools
	} else if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}

	seen := make(map[string]bool, len(tools))
	for i, m := range tools {
		if err := ValidateManifest(m); err != nil {
			return nil, fmt.Errorf("tool %d: %w", i, err)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("tool %q listed twice", m.ID)
		}
		seen[m.ID] = true
	}
	return tools, nil
}

// Seed registers the builtins and the given manifests. Tools that are already
// registered are left as they are, so seeding a shared catalog is idempotent.
func Seed(ctx context.Context, reg ToolRegistry, manifests []*types.ToolManifest) (int, error) {
	added := 0
	for _, m := range append(Builtins(), manifests...) {
		err := reg.Register(ctx, m)
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrToolExists):
		default:
			return added, fmt.Errorf("register %s: %w", m.ID, err)
		}
	}
	return added, nil
}
