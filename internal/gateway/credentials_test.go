package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

func TestRouter_Credentials(t *testing.T) {
	creds := StaticCredentials{
		"agent-1": {"send": {"API_KEY": "k-1", "REGION": "eu"}},
	}
	catalog := fakeCatalog{"send": {ID: "send", Runtime: types.ToolRuntimeHTTP}}

	tests := []struct {
		name     string
		source   CredentialSource
		agentID  string
		want     map[string]string
		wantCode string
	}{
		{name: "linked agent", source: creds, agentID: "agent-1", want: map[string]string{"API_KEY": "k-1", "REGION": "eu"}},
		{name: "unlinked agent", source: creds, agentID: "agent-2"},
		{name: "no agent", source: creds},
		{name: "no source", agentID: "agent-1"},
		{
			name:    "source failure",
			agentID: "agent-1",
			source: CredentialFunc(func(context.Context, string, string) (map[string]string, error) {
				return nil, errors.New("vault sealed")
			}),
			wantCode: "credentials_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *ToolRequest
			r := NewRouter(catalog, nil)
			r.Handle(types.ToolRuntimeHTTP, RuntimeFunc(func(_ context.Context, _ *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
				got = req
				return &ToolOutput{Output: "ok"}, nil
			}))
			if tt.source != nil {
				r.UseCredentials(tt.source)
			}

			req := &ToolRequest{ToolID: "send", AgentID: tt.agentID}
			_, err := r.Invoke(context.Background(), req)
			if tt.wantCode != "" {
				var te *types.ToolError
				if !errors.As(err, &te) || te.Code != tt.wantCode {
					t.Fatalf("error = %v, want code %s", err, tt.wantCode)
				}
				if got != nil {
					t.Error("runtime called without credentials")
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if len(got.Credentials) != len(tt.want) || (len(tt.want) > 0 && !reflect.DeepEqual(got.Credentials, tt.want)) {
				t.Errorf("credentials = %v, want %v", got.Credentials, tt.want)
			}
			if req.Credentials != nil {
				t.Error("caller request was modified")
			}
		})
	}
}

func TestLoadCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	creds, err := LoadCredentialsFile(write("ok.json", `{"agent-1": {"send": {"API_KEY": "k"}}}`))
	if err != nil {
		t.Fatalf("LoadCredentialsFile() error = %v", err)
	}
	got, _ := creds.Credentials(context.Background(), "agent-1", "send")
	if got["API_KEY"] != "k" {
		t.Errorf("credentials = %v", got)
	}
	if got, _ := creds.Credentials(context.Background(), "agent-1", "other"); len(got) != 0 {
		t.Errorf("unlinked tool credentials = %v", got)
	}

	for name, body := range map[string]string{
		"bad-name.json": `{"agent-1": {"send": {"API-KEY": "k"}}}`,
		"bad-json.json": `{"agent-1": [`,
	} {
		if _, err := LoadCredentialsFile(write(name, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadCredentialsFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file: expected error")
	}
}

func TestCredentialNames(t *testing.T) {
	for name, want := range map[string]bool{"API_KEY": true, "_x1": true, "1KEY": false, "A-B": false, "": false} {
		if got := ValidCredentialName(name); got != want {
			t.Errorf("ValidCredentialName(%q) = %v, want %v", name, got, want)
		}
	}
	if got := credentialHeader("API_KEY"); got != "X-Tool-Credential-Api-Key" {
		t.Errorf("credentialHeader() = %q", got)
	}
}

func TestRedisCredentials(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("redis not available:", err)
	}
	t.Cleanup(func() { client.Close() })

	src := NewRedisCredentials(client, "test:"+uuid.NewString()+":")
	key := src.Key("agent-1", "send")
	t.Cleanup(func() { client.Del(ctx, key) })
	if err := client.HSet(ctx, key, "API_KEY", "k-1", "bad-name", "x").Err(); err != nil {
		t.Fatal(err)
	}

	got, err := src.Credentials(ctx, "agent-1", "send")
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if !reflect.DeepEqual(got, map[string]string{"API_KEY": "k-1"}) {
		t.Errorf("credentials = %v", got)
	}
	if got, err := src.Credentials(ctx, "agent-2", "send"); err != nil || len(got) != 0 {
		t.Errorf("unlinked = %v, %v", got, err)
	}
}
