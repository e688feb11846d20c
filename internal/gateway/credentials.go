package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"
)

// CredentialSource looks up the secrets an agent has linked to a tool. It is
// read-only; credentials are managed outside the engine. A missing link is
// not an error and yields an empty map.
type CredentialSource interface {
	Credentials(ctx context.Context, agentID, toolID string) (map[string]string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context, agentID, toolID string) (map[string]string, error)

func (f CredentialFunc) Credentials(ctx context.Context, agentID, toolID string) (map[string]string, error) {
	return f(ctx, agentID, toolID)
}

var credentialNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidCredentialName reports whether name can be used as an environment
// variable and header suffix.
func ValidCredentialName(name string) bool {
	return credentialNameRe.MatchString(name)
}

// StaticCredentials serves credentials from memory, keyed by agent then tool.
type StaticCredentials map[string]map[string]map[string]string

func (s StaticCredentials) Credentials(_ context.Context, agentID, toolID string) (map[string]string, error) {
	return s[agentID][toolID], nil
}

// LoadCredentialsFile reads a JSON document of the form
// {"<agent id>": {"<tool id>": {"NAME": "value"}}}.
func LoadCredentialsFile(path string) (StaticCredentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds StaticCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	for agent, tools := range creds {
		for tool, values := range tools {
			for name := range values {
				if !ValidCredentialName(name) {
					return nil, fmt.Errorf("credentials %s/%s: invalid name %q", agent, tool, name)
				}
			}
		}
	}
	return creds, nil
}

const credentialKeyPrefix = "credentials:"

// RedisCredentials reads credentials from one hash per agent and tool, at
// "<prefix>credentials:<agent id>:<tool id>".
type RedisCredentials struct {
	client *redis.Client
	prefix string
}

// NewRedisCredentials creates a Redis credential source.
func NewRedisCredentials(client *redis.Client, prefix string) *RedisCredentials {
	return &RedisCredentials{client: client, prefix: prefix}
}

// Key returns the hash key holding the credentials of agentID for toolID.
func (r *RedisCredentials) Key(agentID, toolID string) string {
	return r.prefix + credentialKeyPrefix + agentID + ":" + toolID
}

func (r *RedisCredentials) Credentials(ctx context.Context, agentID, toolID string) (map[string]string, error) {
	values, err := r.client.HGetAll(ctx, r.Key(agentID, toolID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	for name := range values {
		if !ValidCredentialName(name) {
			delete(values, name)
		}
	}
	return values, nil
}

// credentialHeader is the HTTP header carrying credential name.
func credentialHeader(name string) string {
	return http.CanonicalHeaderKey("X-Tool-Credential-" + strings.ReplaceAll(name, "_", "-"))
}

var (
	_ CredentialSource = StaticCredentials(nil)
	_ CredentialSource = CredentialFunc(nil)
	_ CredentialSource = (*RedisCredentials)(nil)
)
