package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

const (
	// Key patterns for Redis storage
	toolKeyPrefix = "tool:"
	toolIndexKey  = "tools:all"
)

// RedisRegistry implements ToolRegistry using Redis for persistence.
// Builtin tools are served from memory and cannot be overwritten.
type RedisRegistry struct {
	client   *redis.Client
	prefix   string
	builtins map[string]*types.ToolManifest
}

// NewRedisRegistry creates a registry from an existing Redis client. prefix
// namespaces keys so several engines can share one Redis.
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	b := make(map[string]*types.ToolManifest)
	for _, m := range Builtins() {
		b[m.ID] = m
	}
	return &RedisRegistry{client: client, prefix: prefix, builtins: b}
}

func (r *RedisRegistry) toolKey(id string) string {
	return r.prefix + toolKeyPrefix + id
}

func (r *RedisRegistry) indexKey() string {
	return r.prefix + toolIndexKey
}

// Register adds a tool.
func (r *RedisRegistry) Register(ctx context.Context, m *types.ToolManifest) error {
	if err := ValidateManifest(m); err != nil {
		return err
	}
	if _, ok := r.builtins[m.ID]; ok {
		return ErrToolExists
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal tool: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.toolKey(m.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("register tool: %w", err)
	}
	if !ok {
		return ErrToolExists
	}
	if err := r.client.SAdd(ctx, r.indexKey(), m.ID).Err(); err != nil {
		return fmt.Errorf("index tool: %w", err)
	}
	return nil
}

// GetTool retrieves a tool by ID.
func (r *RedisRegistry) GetTool(ctx context.Context, id string) (*types.ToolManifest, error) {
	if m, ok := r.builtins[id]; ok {
		cp := *m
		return &cp, nil
	}

	data, err := r.client.Get(ctx, r.toolKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrToolNotFound
		}
		return nil, fmt.Errorf("get tool: %w", err)
	}

	var m types.ToolManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal tool: %w", err)
	}
	return &m, nil
}

// Unregister removes a tool.
func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.toolKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister tool: %w", err)
	}
	if del.Val() == 0 {
		return ErrToolNotFound
	}
	return nil
}

// List returns tools matching the options.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*types.ToolManifest, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list tool ids: %w", err)
	}
	for id := range r.builtins {
		ids = append(ids, id)
	}

	var tools []*types.ToolManifest
	for _, id := range ids {
		m, err := r.GetTool(ctx, id)
		if err != nil {
			if errors.Is(err, ErrToolNotFound) {
				// Clean up stale index entry
				r.client.SRem(ctx, r.indexKey(), id)
				continue
			}
			return nil, err
		}
		if opts.Runtime != "" && m.Runtime != opts.Runtime {
			continue
		}
		tools = append(tools, m)
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return paginate(tools, opts), nil
}

// Close is a no-op; the shared client is closed by its owner.
func (r *RedisRegistry) Close() error {
	return nil
}

var _ ToolRegistry = (*RedisRegistry)(nil)
