package blueprintstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

type fakeCatalog map[string]*types.ToolManifest

func (c fakeCatalog) GetTool(_ context.Context, id string) (*types.ToolManifest, error) {
	if m, ok := c[id]; ok {
		return m, nil
	}
	return nil, errors.New("tool not found")
}

const draftDoc = `{
  "name": "greeter",
  "agent_id": "agent-1",
  "tools": ["echo"],
  "nodes": [
    {"id": "start", "type": "trigger", "data": {"kind": "webhook"}},
    {"id": "say", "type": "tool", "data": {"tool_id": "echo", "params": {"msg": "hi"}}}
  ],
  "edges": [{"id": "e1", "source": "start", "target": "say"}]
}`

func draft(t *testing.T) *types.Blueprint {
	t.Helper()
	var bp types.Blueprint
	if err := json.Unmarshal([]byte(draftDoc), &bp); err != nil {
		t.Fatalf("unmarshal blueprint: %v", err)
	}
	return &bp
}

func newStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	v, err := validator.New(fakeCatalog{"echo": {ID: "echo", Runtime: types.ToolRuntimeBuiltin}})
	if err != nil {
		t.Fatalf("validator.New() error = %v", err)
	}
	return New(backend, v, nil)
}

func storeSuite(t *testing.T, store *Store) {
	ctx := context.Background()

	created, err := store.Create(ctx, draft(t))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	id := created.ID
	if id == "" || created.Version != InitialVersion || created.Status != types.BlueprintStatusDraft {
		t.Fatalf("created = %s %s %s", created.ID, created.Version, created.Status)
	}

	t.Run("duplicate id", func(t *testing.T) {
		dup := draft(t)
		dup.ID = id
		if _, err := store.Create(ctx, dup); !errors.Is(err, ErrBlueprintExists) {
			t.Errorf("error = %v, want ErrBlueprintExists", err)
		}
	})

	t.Run("unpublished", func(t *testing.T) {
		if _, err := store.GetPublished(ctx, id); !errors.Is(err, ErrNotPublished) {
			t.Errorf("error = %v, want ErrNotPublished", err)
		}
	})

	t.Run("publish", func(t *testing.T) {
		pub, err := store.Publish(ctx, id)
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if pub.Version != "0.1.0" || pub.Status != types.BlueprintStatusPublished {
			t.Errorf("published = %s %s", pub.Version, pub.Status)
		}
		if _, err := store.Publish(ctx, id); !errors.Is(err, ErrNoDraft) {
			t.Errorf("second publish error = %v, want ErrNoDraft", err)
		}
	})

	t.Run("copy on write", func(t *testing.T) {
		edit := draft(t)
		edit.Description = "now with a description"
		d, err := store.UpdateDraft(ctx, id, edit)
		if err != nil {
			t.Fatalf("UpdateDraft() error = %v", err)
		}
		if d.Version != "0.1.1" || d.Status != types.BlueprintStatusDraft {
			t.Errorf("draft = %s %s, want 0.1.1 draft", d.Version, d.Status)
		}

		pub, err := store.GetVersion(ctx, id, "0.1.0")
		if err != nil {
			t.Fatalf("GetVersion() error = %v", err)
		}
		if pub.Description != "" {
			t.Error("published version changed by draft edit")
		}
		head, _ := store.Get(ctx, id)
		if head.Version != "0.1.1" {
			t.Errorf("head = %s, want the draft", head.Version)
		}
		latest, _ := store.GetPublished(ctx, id)
		if latest.Version != "0.1.0" {
			t.Errorf("published = %s", latest.Version)
		}
	})

	t.Run("echoed published version", func(t *testing.T) {
		pub, err := store.GetVersion(ctx, id, "0.1.0")
		if err != nil {
			t.Fatalf("GetVersion() error = %v", err)
		}
		pub.Description = "edited from the published copy"
		d, err := store.UpdateDraft(ctx, id, pub)
		if err != nil {
			t.Fatalf("UpdateDraft() error = %v", err)
		}
		if d.Version != "0.1.1" || d.Description != "edited from the published copy" {
			t.Errorf("draft = %s %q", d.Version, d.Description)
		}
	})

	t.Run("invalid draft cannot publish", func(t *testing.T) {
		bad := draft(t)
		bad.Edges = nil
		if _, err := store.UpdateDraft(ctx, id, bad); err != nil {
			t.Fatalf("UpdateDraft() error = %v", err)
		}
		_, err := store.Publish(ctx, id)
		var verrs types.ValidationErrors
		if !errors.As(err, &verrs) || !verrs.Has(validator.CodeUnreachable) {
			t.Fatalf("error = %v, want unreachable validation error", err)
		}
	})

	t.Run("explicit version", func(t *testing.T) {
		next := draft(t)
		next.Version = "0.0.9"
		if _, err := store.UpdateDraft(ctx, id, next); !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("downgrade error = %v, want ErrInvalidVersion", err)
		}
		next.Version = "v0.2.0"
		d, err := store.UpdateDraft(ctx, id, next)
		if err != nil {
			t.Fatalf("UpdateDraft() error = %v", err)
		}
		if d.Version != "0.2.0" {
			t.Errorf("draft version = %s", d.Version)
		}
		pub, err := store.Publish(ctx, id)
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if pub.Version != "0.2.0" {
			t.Errorf("published = %s", pub.Version)
		}
	})

	t.Run("versions", func(t *testing.T) {
		versions, err := store.ListVersions(ctx, id)
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		var got []string
		for _, v := range versions {
			got = append(got, v.Version+":"+string(v.Status))
		}
		want := []string{"0.1.0:published", "0.2.0:published"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("versions = %v, want %v (the superseded draft is dropped)", got, want)
		}
	})

	t.Run("list", func(t *testing.T) {
		other := draft(t)
		other.Name = "another"
		other.AgentID = "agent-2"
		if _, err := store.Create(ctx, other); err != nil {
			t.Fatal(err)
		}
		all, err := store.List(ctx, nil)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(all) < 2 {
			t.Fatalf("List() = %d blueprints", len(all))
		}
		mine, _ := store.List(ctx, &ListOptions{AgentID: "agent-1"})
		for _, bp := range mine {
			if bp.AgentID != "agent-1" {
				t.Errorf("filter leaked %s", bp.AgentID)
			}
		}
		page, _ := store.List(ctx, &ListOptions{Limit: 1})
		if len(page) != 1 {
			t.Errorf("limit = %d", len(page))
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, id); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := store.Get(ctx, id); !errors.Is(err, ErrBlueprintNotFound) {
			t.Errorf("Get() after delete = %v", err)
		}
		if err := store.Delete(ctx, id); !errors.Is(err, ErrBlueprintNotFound) {
			t.Errorf("second Delete() = %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := newStore(t, NewMemoryBackend())
	defer store.Close()
	storeSuite(t, store)
}

func TestStore_CreateRequiresName(t *testing.T) {
	store := newStore(t, NewMemoryBackend())
	bp := draft(t)
	bp.Name = " "
	if _, err := store.Create(context.Background(), bp); err == nil {
		t.Error("expected error for empty name")
	}
	bp = draft(t)
	bp.Version = "1.2"
	if _, err := store.Create(context.Background(), bp); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("error = %v, want ErrInvalidVersion", err)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := newStore(t, NewMemoryBackend())
	ctx := context.Background()
	created, err := store.Create(ctx, draft(t))
	if err != nil {
		t.Fatal(err)
	}
	created.Nodes[0].Label = "mutated"

	got, _ := store.Get(ctx, created.ID)
	if got.Nodes[0].Label == "mutated" {
		t.Error("store aliases returned blueprints")
	}
}

func TestBumpPatch(t *testing.T) {
	tests := map[string]string{
		"1.0.0":      "1.0.1",
		"v2.3.9":     "2.3.10",
		"1.0.0-rc.1": "1.0.1",
		"garbage":    InitialVersion,
	}
	for in, want := range tests {
		if got := bumpPatch(in); got != want {
			t.Errorf("bumpPatch(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("redis not available:", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	client := newTestRedis(t)
	prefix := "test:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	store := newStore(t, NewRedisBackend(client, prefix))
	defer store.Close()
	storeSuite(t, store)
}
