package blueprintstore

import (
	"context"
	"sync"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// MemoryBackend keeps blueprint versions in memory.
// Suitable for testing and local development.
type MemoryBackend struct {
	mu         sync.RWMutex
	blueprints map[string]map[string]*types.Blueprint
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		blueprints: make(map[string]map[string]*types.Blueprint),
	}
}

// Save writes one version.
func (m *MemoryBackend) Save(ctx context.Context, bp *types.Blueprint) error {
	// Store a copy to prevent external mutation
	cp, err := bp.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.blueprints[bp.ID]
	if !ok {
		versions = make(map[string]*types.Blueprint)
		m.blueprints[bp.ID] = versions
	}
	versions[bp.Version] = cp
	return nil
}

// Load returns a copy of one version.
func (m *MemoryBackend) Load(ctx context.Context, id, version string) (*types.Blueprint, error) {
	m.mu.RLock()
	bp, ok := m.blueprints[id][version]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrVersionNotFound
	}
	return bp.Clone()
}

// Versions lists the stored versions of a blueprint.
func (m *MemoryBackend) Versions(ctx context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.blueprints[id]
	if !ok || len(versions) == 0 {
		return nil, ErrBlueprintNotFound
	}
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	return out, nil
}

// DeleteVersion removes one version.
func (m *MemoryBackend) DeleteVersion(ctx context.Context, id, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blueprints[id], version)
	if len(m.blueprints[id]) == 0 {
		delete(m.blueprints, id)
	}
	return nil
}

// Delete removes every version of a blueprint.
func (m *MemoryBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blueprints[id]; !ok {
		return ErrBlueprintNotFound
	}
	delete(m.blueprints, id)
	return nil
}

// IDs lists all blueprint ids.
func (m *MemoryBackend) IDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.blueprints))
	for id := range m.blueprints {
		out = append(out, id)
	}
	return out, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
