package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// MemoryRegistry implements ToolRegistry using in-memory storage.
// Suitable for testing and local development.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*types.ToolManifest
}

// NewMemoryRegistry creates a registry pre-populated with the builtin tools.
func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{tools: make(map[string]*types.ToolManifest)}
	for _, m := range Builtins() {
		r.tools[m.ID] = m
	}
	return r
}

// Register adds a tool.
func (r *MemoryRegistry) Register(ctx context.Context, m *types.ToolManifest) error {
	if err := ValidateManifest(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[m.ID]; exists {
		return ErrToolExists
	}
	cp := *m
	r.tools[m.ID] = &cp
	return nil
}

// GetTool retrieves a tool by ID.
func (r *MemoryRegistry) GetTool(ctx context.Context, id string) (*types.ToolManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.tools[id]
	if !ok {
		return nil, ErrToolNotFound
	}
	cp := *m
	return &cp, nil
}

// Unregister removes a tool.
func (r *MemoryRegistry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[id]; !ok {
		return ErrToolNotFound
	}
	delete(r.tools, id)
	return nil
}

// List returns tools matching the options.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*types.ToolManifest, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	tools := make([]*types.ToolManifest, 0, len(r.tools))
	for _, m := range r.tools {
		if opts.Runtime != "" && m.Runtime != opts.Runtime {
			continue
		}
		cp := *m
		tools = append(tools, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return paginate(tools, opts), nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

var _ ToolRegistry = (*MemoryRegistry)(nil)
