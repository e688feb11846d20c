package types

import "encoding/json"

// ToolRuntime selects the transport a tool is invoked through.
type ToolRuntime string

const (
	ToolRuntimeBuiltin    ToolRuntime = "builtin"
	ToolRuntimeSubprocess ToolRuntime = "subprocess"
	ToolRuntimeHTTP       ToolRuntime = "http"
	ToolRuntimeNATS       ToolRuntime = "nats"
	ToolRuntimeK8s        ToolRuntime = "k8s"
)

// ToolManifest describes a registered tool in the catalog.
type ToolManifest struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Runtime     ToolRuntime `json:"runtime" yaml:"runtime"`

	// Transport specific
	Command  []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Subject  string            `json:"subject,omitempty" yaml:"subject,omitempty"`
	Image    string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Resource requirements for the k8s runtime
	Resources ResourceRequirements `json:"resources,omitempty" yaml:"resources,omitempty"`

	// InputSchema is a JSON Schema the call params must satisfy.
	InputSchema json.RawMessage `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	// Outputs names the top-level fields of the tool's output.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ResourceRequirements specifies compute resource requirements.
type ResourceRequirements struct {
	Requests ResourceList `json:"requests,omitempty" yaml:"requests,omitempty"`
	Limits   ResourceList `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// ResourceList maps resource names to quantities.
type ResourceList struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu,omitempty"`       // e.g., "100m", "1"
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"` // e.g., "128Mi", "1Gi"
}
