package blueprintstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// RedisBackend stores each version as a JSON string and keeps a sorted index
// of versions per blueprint plus a set of all blueprint ids.
//
// Keys:
//
//	<prefix>:bp:<id>:v:<version>  version JSON
//	<prefix>:bp:<id>:versions     ZSET of versions scored by first save time
//	<prefix>:ids                  SET of blueprint ids
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis backend on an existing client. The caller
// owns the client. prefix defaults to "blueprints".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "blueprints"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) versionKey(id, version string) string {
	return fmt.Sprintf("%s:bp:%s:v:%s", r.prefix, id, version)
}

func (r *RedisBackend) indexKey(id string) string {
	return fmt.Sprintf("%s:bp:%s:versions", r.prefix, id)
}

func (r *RedisBackend) idsKey() string {
	return r.prefix + ":ids"
}

// Save writes one version.
func (r *RedisBackend) Save(ctx context.Context, bp *types.Blueprint) error {
	data, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}

	// Use transaction to set the version and index it
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.versionKey(bp.ID, bp.Version), data, 0)
	pipe.ZAddNX(ctx, r.indexKey(bp.ID), redis.Z{Score: float64(time.Now().UnixNano()), Member: bp.Version})
	pipe.SAdd(ctx, r.idsKey(), bp.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save blueprint: %w", err)
	}
	return nil
}

// Load returns one version.
func (r *RedisBackend) Load(ctx context.Context, id, version string) (*types.Blueprint, error) {
	data, err := r.client.Get(ctx, r.versionKey(id, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint: %w", err)
	}

	var bp types.Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint: %w", err)
	}
	return &bp, nil
}

// Versions lists the stored versions of a blueprint.
func (r *RedisBackend) Versions(ctx context.Context, id string) ([]string, error) {
	versions, err := r.client.ZRange(ctx, r.indexKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, ErrBlueprintNotFound
	}
	return versions, nil
}

// DeleteVersion removes one version.
func (r *RedisBackend) DeleteVersion(ctx context.Context, id, version string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.versionKey(id, version))
	pipe.ZRem(ctx, r.indexKey(id), version)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	remaining, err := r.client.ZCard(ctx, r.indexKey(id)).Result()
	if err != nil {
		return fmt.Errorf("count versions: %w", err)
	}
	if remaining == 0 {
		return r.client.SRem(ctx, r.idsKey(), id).Err()
	}
	return nil
}

// Delete removes every version of a blueprint.
func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	versions, err := r.Versions(ctx, id)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(versions)+1)
	for _, v := range versions {
		keys = append(keys, r.versionKey(id, v))
	}
	keys = append(keys, r.indexKey(id))

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, r.idsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	return nil
}

// IDs lists all blueprint ids.
func (r *RedisBackend) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list blueprint ids: %w", err)
	}
	return ids, nil
}

// Close is a no-op; the caller owns the client.
func (r *RedisBackend) Close() error {
	return nil
}

var _ Backend = (*RedisBackend)(nil)
