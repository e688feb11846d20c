// Package registry is the catalog of tools a blueprint may install.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Common errors returned by ToolRegistry implementations.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolExists   = errors.New("tool already exists")
)

var toolIDRe = regexp.MustCompile(`^[a-z][a-z0-9._-]{0,127}$`)

// ListOptions configures list queries.
type ListOptions struct {
	// Runtime filters tools by transport.
	Runtime types.ToolRuntime

	// Limit is the maximum number of tools to return (0 = no limit)
	Limit int

	// Offset is the number of tools to skip (for pagination)
	Offset int
}

// ToolRegistry defines the interface for tool registration and lookup.
// Implementations must be safe for concurrent use.
type ToolRegistry interface {
	// Register adds a tool. Returns ErrToolExists if the ID is taken.
	Register(ctx context.Context, m *types.ToolManifest) error

	// GetTool retrieves a tool by ID. Returns ErrToolNotFound if not found.
	GetTool(ctx context.Context, id string) (*types.ToolManifest, error)

	// Unregister removes a tool. Returns ErrToolNotFound if not found.
	Unregister(ctx context.Context, id string) error

	// List returns tools sorted by ID.
	List(ctx context.Context, opts *ListOptions) ([]*types.ToolManifest, error)

	// Close releases any resources.
	Close() error
}

// ValidateManifest checks a manifest before registration.
func ValidateManifest(m *types.ToolManifest) error {
	if m == nil {
		return errors.New("manifest is required")
	}
	if !toolIDRe.MatchString(m.ID) {
		return fmt.Errorf("invalid tool id %q", m.ID)
	}
	switch m.Runtime {
	case types.ToolRuntimeBuiltin:
	case types.ToolRuntimeSubprocess:
		if len(m.Command) == 0 {
			return errors.New("subprocess tools require a command")
		}
	case types.ToolRuntimeHTTP:
		if m.Endpoint == "" {
			return errors.New("http tools require an endpoint")
		}
	case types.ToolRuntimeNATS:
		if m.Subject == "" {
			return errors.New("nats tools require a subject")
		}
	case types.ToolRuntimeK8s:
		if m.Image == "" {
			return errors.New("k8s tools require an image")
		}
	default:
		return fmt.Errorf("unknown runtime %q", m.Runtime)
	}
	if m.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must not be negative")
	}
	return nil
}

// Builtins are registered in every catalog.
func Builtins() []*types.ToolManifest {
	return []*types.ToolManifest{
		{
			ID:          "echo",
			Name:        "Echo",
			Description: "Returns its params unchanged",
			Runtime:     types.ToolRuntimeBuiltin,
		},
	}
}

func paginate(tools []*types.ToolManifest, opts *ListOptions) []*types.ToolManifest {
	if opts.Offset > 0 {
		if opts.Offset >= len(tools) {
			return []*types.ToolManifest{}
		}
		tools = tools[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(tools) {
		tools = tools[:opts.Limit]
	}
	return tools
}
