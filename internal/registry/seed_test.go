package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantIDs []string
		wantErr string
	}{
		{
			name:    "array",
			doc:     `[{"id": "web.search", "runtime": "http", "endpoint": "http://search/invoke"}]`,
			wantIDs: []string{"web.search"},
		},
		{
			name: "object",
			doc: `{"tools": [
				{"id": "fmt", "runtime": "subprocess", "command": ["fmt-tool"]},
				{"id": "classify", "runtime": "nats", "subject": "tools.classify",
				 "input_schema": {"type": "object", "required": ["text"]}}
			]}`,
			wantIDs: []string{"fmt", "classify"},
		},
		{name: "empty", doc: `[]`},
		{name: "invalid manifest", doc: `[{"id": "x", "runtime": "http"}]`, wantErr: "endpoint"},
		{name: "duplicate", doc: `[{"id": "a", "runtime": "builtin"}, {"id": "a", "runtime": "builtin"}]`, wantErr: "twice"},
		{name: "not json", doc: `tools: []`, wantErr: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.doc))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d tools, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("tool %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestLoadFileAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	doc := `[{"id": "web.search", "runtime": "http", "endpoint": "http://search/invoke", "outputs": ["hits"]}]`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	manifests, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	ctx := context.Background()
	reg := NewMemoryRegistry()
	added, err := Seed(ctx, reg, manifests)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	// echo is already in a memory registry.
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	again, err := Seed(ctx, reg, manifests)
	if err != nil || again != 0 {
		t.Errorf("reseed = %d, %v", again, err)
	}

	got, err := reg.GetTool(ctx, "web.search")
	if err != nil || got.Runtime != types.ToolRuntimeHTTP || len(got.Outputs) != 1 {
		t.Errorf("GetTool = %+v, %v", got, err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}
