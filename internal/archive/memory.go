package archive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps archives in memory. Intended for development and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	refs    map[string]*Ref
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string][]byte),
		refs:    make(map[string]*Ref),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, contentType string) (*Ref, error) {
	cp := append([]byte(nil), data...)
	ref := &Ref{
		URI:       "memory://" + key,
		Size:      int64(len(cp)),
		Checksum:  checksum(cp),
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = cp
	m.refs[key] = ref
	return ref, nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotArchived)
	}
	return reader(data), nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []*Ref
	for key, ref := range m.refs {
		if strings.HasPrefix(key, prefix) {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", ErrNoDownload
}

var _ Backend = (*MemoryBackend)(nil)
