package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/blueprint-engine/internal/k8s"
	"github.com/flexinfer/blueprint-engine/internal/metrics"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// K8sConfig holds configuration for the k8s runtime.
type K8sConfig struct {
	K8sConfig *k8s.Config
	JobConfig *k8s.JobConfig
	// PollInterval paces job and pod lookups (default 1s).
	PollInterval time.Duration
	Logger       *slog.Logger
}

// K8s runs each tool call as a Kubernetes Job. Params are passed in the
// TOOL_PARAMS env var; the container writes NDJSON to stdout.
type K8s struct {
	client  *k8s.Client
	builder *k8s.JobBuilder
	poll    time.Duration
	logger  *slog.Logger
}

// NewK8sWithClient creates a k8s runtime on an existing client.
func NewK8sWithClient(client *k8s.Client, cfg *K8sConfig) *K8s {
	if cfg == nil {
		cfg = &K8sConfig{}
	}
	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &K8s{
		client:  client,
		builder: k8s.NewJobBuilder(jobCfg),
		poll:    cfg.PollInterval,
		logger:  logger,
	}
}

// Invoke creates the Job and waits for it. The Job is deleted when the call
// is cancelled or times out.
func (d *K8s) Invoke(ctx context.Context, m *types.ToolManifest, req *ToolRequest) (*ToolOutput, error) {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	var timeout time.Duration
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	job, err := d.builder.BuildJob(&k8s.JobRequest{
		RunID:    req.RunID,
		NodeID:   req.NodeID,
		Manifest: m,
		Params:   params,
		Env:      req.Credentials,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, &types.ToolError{ToolID: m.ID, Code: "build_job_failed", Message: err.Error()}
	}
	created, err := d.client.CreateJob(ctx, job)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("create_failed").Inc()
		return nil, &types.ToolError{ToolID: m.ID, Code: "create_job_failed", Message: err.Error()}
	}
	metrics.K8sJobsTotal.WithLabelValues("created").Inc()
	d.logger.Info("created tool job",
		"job", created.Name,
		"tool_id", m.ID,
		"run_id", req.RunID,
		"node_id", req.NodeID)

	lines := newLineCollector(req)
	watcher := k8s.NewJobWatcher(d.client, created.Name, &k8s.WatchConfig{
		OnLog:        func(line string) { lines.stdout(ctx, line) },
		PollInterval: d.poll,
		Logger:       d.logger,
	})

	phase, reason, err := watcher.Wait(ctx)
	if err != nil {
		d.deleteJob(created.Name)
		metrics.K8sJobsTotal.WithLabelValues("cancelled").Inc()
		return nil, err
	}
	metrics.K8sJobsTotal.WithLabelValues(string(phase)).Inc()

	if phase == k8s.JobFailed {
		if te := lines.failure(); te != nil {
			return nil, te
		}
		return nil, &types.ToolError{ToolID: m.ID, Code: "job_failed", Message: reason}
	}
	return lines.result()
}

func (d *K8s) deleteJob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.DeleteJob(ctx, name); err != nil {
		d.logger.Warn("failed to delete tool job", "job", name, "error", err)
	}
}

// HealthCheck verifies K8s connectivity.
func (d *K8s) HealthCheck(ctx context.Context) error {
	return d.client.HealthCheck(ctx)
}

var _ Runtime = (*K8s)(nil)
