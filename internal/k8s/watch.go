package k8s

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// WatchConfig holds configuration for job watching.
type WatchConfig struct {
	// OnLog is called for each container log line.
	OnLog func(line string)

	// PollInterval paces pod lookups while the Job starts.
	PollInterval time.Duration

	// LogDrain bounds how long Wait keeps reading logs after the Job finished.
	LogDrain time.Duration

	Logger *slog.Logger
}

// JobWatcher follows one tool Job until it finishes.
type JobWatcher struct {
	client  *Client
	jobName string
	onLog   func(line string)
	poll    time.Duration
	drain   time.Duration
	logger  *slog.Logger
}

// NewJobWatcher creates a new watcher for a job.
func NewJobWatcher(client *Client, jobName string, cfg *WatchConfig) *JobWatcher {
	w := &JobWatcher{
		client:  client,
		jobName: jobName,
		poll:    time.Second,
		drain:   5 * time.Second,
		logger:  slog.Default(),
	}
	if cfg != nil {
		w.onLog = cfg.OnLog
		if cfg.PollInterval > 0 {
			w.poll = cfg.PollInterval
		}
		if cfg.LogDrain > 0 {
			w.drain = cfg.LogDrain
		}
		if cfg.Logger != nil {
			w.logger = cfg.Logger
		}
	}
	return w
}

// Wait blocks until the Job succeeds or fails, streaming logs meanwhile. It
// returns the final phase and the failure reason, if any.
func (w *JobWatcher) Wait(ctx context.Context) (JobPhase, string, error) {
	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := w.streamLogs(logCtx); err != nil && logCtx.Err() == nil {
			w.logger.Warn("tool job log stream ended", "job", w.jobName, "error", err)
		}
	}()

	phase, reason, err := w.watchJob(ctx)
	if err != nil {
		return phase, reason, err
	}

	select {
	case <-logsDone:
	case <-time.After(w.drain):
		stopLogs()
		<-logsDone
	}
	return phase, reason, nil
}

// watchJob watches the Job resource until it reaches a final phase. The
// watch is re-established when the server closes it.
func (w *JobWatcher) watchJob(ctx context.Context) (JobPhase, string, error) {
	for {
		if job, err := w.client.GetJob(ctx, w.jobName); err == nil {
			if phase, reason := PhaseOf(job); phase.Done() {
				return phase, reason, nil
			}
		}

		watcher, err := w.client.WatchJob(ctx, w.jobName)
		if err != nil {
			w.logger.Warn("watch tool job", "job", w.jobName, "error", err)
			select {
			case <-ctx.Done():
				return JobPending, "", ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}

		phase, reason, done := w.consume(ctx, watcher)
		watcher.Stop()
		if done {
			return phase, reason, nil
		}
		if ctx.Err() != nil {
			return JobPending, "", ctx.Err()
		}
	}
}

// consume reads watch events. The Job is also re-read every poll interval
// since a status change can land between the initial read and the watch.
func (w *JobWatcher) consume(ctx context.Context, watcher watch.Interface) (JobPhase, string, bool) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return JobPending, "", false
		case <-ticker.C:
			if job, err := w.client.GetJob(ctx, w.jobName); err == nil {
				if phase, reason := PhaseOf(job); phase.Done() {
					return phase, reason, true
				}
			}
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return JobPending, "", false
			}
			if event.Type == watch.Error || event.Type == watch.Deleted {
				continue
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok || job.Name != w.jobName {
				continue
			}
			if phase, reason := PhaseOf(job); phase.Done() {
				return phase, reason, true
			}
		}
	}
}

// streamLogs waits for the Job's pod and follows its container logs.
func (w *JobWatcher) streamLogs(ctx context.Context) error {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		return err
	}
	if err := w.waitForContainer(ctx, podName); err != nil {
		return err
	}

	stream, err := w.client.StreamLogs(ctx, podName, true)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" && w.onLog != nil {
			w.onLog(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	selector := "job-name=" + w.jobName
	for {
		pods, err := w.client.ListPods(ctx, selector)
		if err == nil && len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		if pod, err := w.client.GetPod(ctx, podName); err == nil && containerStarted(pod) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

func containerStarted(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == ContainerName && (cs.State.Running != nil || cs.State.Terminated != nil) {
			return true
		}
	}
	switch pod.Status.Phase {
	case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
		return true
	}
	return false
}
