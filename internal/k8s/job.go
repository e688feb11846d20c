package k8s

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// ContainerName is the name of the tool container in every Job.
const ContainerName = "tool"

// Label keys set on tool Jobs and their pods.
const (
	LabelRunID  = "blueprint.flexinfer.io/run-id"
	LabelNodeID = "blueprint.flexinfer.io/node-id"
	LabelToolID = "blueprint.flexinfer.io/tool-id"
)

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	Namespace          string
	ServiceAccountName string
	ImagePullSecrets   []string

	// Resources used when the manifest sets none
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	ActiveDeadlineSeconds   *int64
	TTLSecondsAfterFinished *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	deadline := int64(3600)
	return &JobConfig{
		Namespace:               DefaultNamespace,
		ServiceAccountName:      "default",
		DefaultCPULimit:         "1",
		DefaultMemoryLimit:      "1Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
	}
}

// JobBuilder creates Kubernetes Jobs from tool manifests.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobRequest is one tool invocation to run as a Job.
type JobRequest struct {
	RunID    string
	NodeID   string
	Manifest *types.ToolManifest
	// Params is the JSON encoded call params, passed as TOOL_PARAMS.
	Params []byte
	// Env holds extra variables, such as agent credentials. They win over
	// the manifest's.
	Env     map[string]string
	Timeout time.Duration
}

// BuildJob creates the Job for one tool call. Each call gets a fresh name so
// retried attempts never collide.
func (b *JobBuilder) BuildJob(req *JobRequest) (*batchv1.Job, error) {
	m := req.Manifest
	if m == nil || m.Image == "" {
		return nil, fmt.Errorf("tool has no image specified")
	}

	runPrefix := req.RunID
	if len(runPrefix) > 8 {
		runPrefix = runPrefix[:8]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	jobName := sanitizeName(fmt.Sprintf("tool-%s-%s", runPrefix, req.NodeID), 56) + "-" + suffix

	labels := map[string]string{
		"app.kubernetes.io/name":       "blueprint-tool",
		"app.kubernetes.io/component":  "tool",
		"app.kubernetes.io/managed-by": "blueprint-engine",
		LabelRunID:                     sanitizeLabel(req.RunID),
		LabelNodeID:                    sanitizeLabel(req.NodeID),
		LabelToolID:                    sanitizeLabel(m.ID),
	}

	env := []corev1.EnvVar{
		{Name: "RUN_ID", Value: req.RunID},
		{Name: "NODE_ID", Value: req.NodeID},
		{Name: "TOOL_ID", Value: m.ID},
		{Name: "TOOL_PARAMS", Value: string(req.Params)},
	}
	for key, value := range m.Env {
		if _, ok := req.Env[key]; !ok {
			env = append(env, corev1.EnvVar{Name: key, Value: value})
		}
	}
	for _, key := range slices.Sorted(maps.Keys(req.Env)) {
		env = append(env, corev1.EnvVar{Name: key, Value: req.Env[key]})
	}

	var command, args []string
	if len(m.Command) > 0 {
		command = []string{m.Command[0]}
		args = m.Command[1:]
	}

	resources, err := b.resources(m.Resources)
	if err != nil {
		return nil, err
	}

	container := corev1.Container{
		Name:            ContainerName,
		Image:           m.Image,
		Command:         command,
		Args:            args,
		Env:             env,
		Resources:       resources,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: ptr(false),
			ReadOnlyRootFilesystem:   ptr(true),
			RunAsNonRoot:             ptr(true),
			RunAsUser:                ptr(int64(1000)),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: ptr(true),
			RunAsUser:    ptr(int64(1000)),
			FSGroup:      ptr(int64(1000)),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			// The engine owns retries.
			BackoffLimit:            ptr(int32(0)),
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}
	if req.Timeout > 0 {
		deadline := int64(req.Timeout.Seconds())
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

func (b *JobBuilder) resources(r types.ResourceRequirements) (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{
		Limits:   corev1.ResourceList{},
		Requests: corev1.ResourceList{},
	}
	set := func(list corev1.ResourceList, name corev1.ResourceName, qty, def string) error {
		if qty == "" {
			qty = def
		}
		if qty == "" {
			return nil
		}
		q, err := resource.ParseQuantity(qty)
		if err != nil {
			return fmt.Errorf("resource %s %q: %w", name, qty, err)
		}
		list[name] = q
		return nil
	}

	if err := set(out.Limits, corev1.ResourceCPU, r.Limits.CPU, b.config.DefaultCPULimit); err != nil {
		return out, err
	}
	if err := set(out.Limits, corev1.ResourceMemory, r.Limits.Memory, b.config.DefaultMemoryLimit); err != nil {
		return out, err
	}
	if err := set(out.Requests, corev1.ResourceCPU, r.Requests.CPU, b.config.DefaultCPURequest); err != nil {
		return out, err
	}
	if err := set(out.Requests, corev1.ResourceMemory, r.Requests.Memory, b.config.DefaultMemRequest); err != nil {
		return out, err
	}
	return out, nil
}

// JobPhase is the coarse state of a tool Job.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// Done reports whether the Job reached a final phase.
func (p JobPhase) Done() bool { return p == JobSucceeded || p == JobFailed }

// PhaseOf derives the phase of a Job from its status and conditions.
func PhaseOf(job *batchv1.Job) (JobPhase, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return JobSucceeded, ""
		case batchv1.JobFailed:
			return JobFailed, cond.Reason
		}
	}
	switch {
	case job.Status.Succeeded > 0:
		return JobSucceeded, ""
	case job.Status.Failed > 0:
		return JobFailed, "BackoffLimitExceeded"
	case job.Status.Active > 0:
		return JobRunning, ""
	}
	return JobPending, ""
}

func sanitizeName(name string, limit int) string {
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			b.WriteRune(r)
		case r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > limit {
		s = strings.TrimRight(s[:limit], "-")
	}
	return s
}

func sanitizeLabel(value string) string {
	var b strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

func ptr[T any](v T) *T { return &v }
