package k8s

import (
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

func TestBuildJob(t *testing.T) {
	b := NewJobBuilder(nil)
	m := &types.ToolManifest{
		ID:      "web.crawler",
		Image:   "example/crawler:1",
		Command: []string{"/bin/crawl", "--fast"},
		Env:     map[string]string{"MODE": "strict"},
		Resources: types.ResourceRequirements{
			Limits: types.ResourceList{CPU: "2"},
		},
	}

	job, err := b.BuildJob(&JobRequest{
		RunID:    "0123456789abcdef",
		NodeID:   "Crawl_Step",
		Manifest: m,
		Params:   []byte(`{"url":"x"}`),
		Timeout:  90 * time.Second,
	})
	if err != nil {
		t.Fatalf("BuildJob() error = %v", err)
	}

	if !strings.HasPrefix(job.Name, "tool-01234567-crawl-step-") {
		t.Errorf("name = %q", job.Name)
	}
	if job.Namespace != DefaultNamespace {
		t.Errorf("namespace = %q", job.Namespace)
	}
	if job.Labels[LabelToolID] != "web.crawler" || job.Labels[LabelNodeID] != "Crawl_Step" {
		t.Errorf("labels = %v", job.Labels)
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("backoff limit = %d, want 0", *job.Spec.BackoffLimit)
	}
	if *job.Spec.ActiveDeadlineSeconds != 90 {
		t.Errorf("deadline = %d, want 90", *job.Spec.ActiveDeadlineSeconds)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if c.Name != ContainerName || c.Command[0] != "/bin/crawl" || c.Args[0] != "--fast" {
		t.Errorf("container = %+v", c)
	}
	env := map[string]string{}
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	if env["TOOL_PARAMS"] != `{"url":"x"}` || env["MODE"] != "strict" || env["RUN_ID"] != "0123456789abcdef" {
		t.Errorf("env = %v", env)
	}

	if got := c.Resources.Limits.Cpu().String(); got != "2" {
		t.Errorf("cpu limit = %s, want manifest value", got)
	}
	if got := c.Resources.Limits.Memory().String(); got != "1Gi" {
		t.Errorf("memory limit = %s, want default", got)
	}
	if got := c.Resources.Requests.Cpu().String(); got != "100m" {
		t.Errorf("cpu request = %s, want default", got)
	}
}

func TestBuildJob_ExtraEnv(t *testing.T) {
	m := &types.ToolManifest{
		ID:    "mailer",
		Image: "example/mailer:1",
		Env:   map[string]string{"API_KEY": "default", "MODE": "strict"},
	}
	job, err := NewJobBuilder(nil).BuildJob(&JobRequest{
		RunID:    "run-1",
		NodeID:   "send",
		Manifest: m,
		Env:      map[string]string{"API_KEY": "agent-secret", "REGION": "eu"},
	})
	if err != nil {
		t.Fatalf("BuildJob() error = %v", err)
	}

	counts := map[string]int{}
	env := map[string]string{}
	for _, e := range job.Spec.Template.Spec.Containers[0].Env {
		counts[e.Name]++
		env[e.Name] = e.Value
	}
	if env["API_KEY"] != "agent-secret" || env["MODE"] != "strict" || env["REGION"] != "eu" {
		t.Errorf("env = %v", env)
	}
	if counts["API_KEY"] != 1 {
		t.Errorf("API_KEY set %d times", counts["API_KEY"])
	}
}

func TestBuildJob_UniqueNames(t *testing.T) {
	b := NewJobBuilder(nil)
	req := &JobRequest{RunID: "r", NodeID: "n", Manifest: &types.ToolManifest{ID: "t", Image: "img"}}
	first, err := b.BuildJob(req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.BuildJob(req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Name == second.Name {
		t.Errorf("retried attempts share job name %q", first.Name)
	}
}

func TestBuildJob_Errors(t *testing.T) {
	b := NewJobBuilder(nil)
	tests := []struct {
		name string
		m    *types.ToolManifest
	}{
		{name: "no image", m: &types.ToolManifest{ID: "t"}},
		{name: "bad quantity", m: &types.ToolManifest{ID: "t", Image: "img", Resources: types.ResourceRequirements{
			Requests: types.ResourceList{Memory: "lots"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.BuildJob(&JobRequest{RunID: "r", NodeID: "n", Manifest: tt.m}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPhaseOf(t *testing.T) {
	tests := []struct {
		name       string
		status     batchv1.JobStatus
		wantPhase  JobPhase
		wantReason string
	}{
		{name: "new", wantPhase: JobPending},
		{name: "active", status: batchv1.JobStatus{Active: 1}, wantPhase: JobRunning},
		{name: "complete condition", status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}}, wantPhase: JobSucceeded},
		{name: "failed condition", status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
		}}, wantPhase: JobFailed, wantReason: "DeadlineExceeded"},
		{name: "false condition ignored", status: batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
		}}, wantPhase: JobRunning},
		{name: "failed count", status: batchv1.JobStatus{Failed: 1}, wantPhase: JobFailed, wantReason: "BackoffLimitExceeded"},
		{name: "succeeded count", status: batchv1.JobStatus{Succeeded: 1}, wantPhase: JobSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phase, reason := PhaseOf(&batchv1.Job{Status: tt.status})
			if phase != tt.wantPhase || reason != tt.wantReason {
				t.Errorf("PhaseOf() = %s, %q; want %s, %q", phase, reason, tt.wantPhase, tt.wantReason)
			}
			if phase.Done() != (phase == JobSucceeded || phase == JobFailed) {
				t.Errorf("Done() mismatch for %s", phase)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
		limit    int
	}{
		{in: "Tool_Run.Step", want: "tool-run-step", limit: 63},
		{in: "--abc--", want: "abc", limit: 63},
		{in: "abcdef-ghij", want: "abcdef", limit: 7},
		{in: "a b!c", want: "abc", limit: 63},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in, tt.limit); got != tt.want {
			t.Errorf("sanitizeName(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}

	if got := sanitizeLabel("run:42/x_"); got != "run42x" {
		t.Errorf("sanitizeLabel() = %q", got)
	}
	if got := sanitizeLabel(strings.Repeat("a", 80)); len(got) != 63 {
		t.Errorf("sanitizeLabel() length = %d, want 63", len(got))
	}
}
