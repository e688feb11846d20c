// Package k8s runs tools as Kubernetes Jobs.
package k8s

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultNamespace is where tool Jobs run unless configured otherwise.
const DefaultNamespace = "blueprint-tools"

// Client wraps the Kubernetes clientset with the calls the tool runtime needs.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// Config holds K8s client configuration.
type Config struct {
	// InCluster indicates whether to use in-cluster config
	InCluster bool

	// Kubeconfig path (used when not in-cluster)
	Kubeconfig string

	// Namespace for tool Jobs
	Namespace string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return &Config{
		Kubeconfig: kubeconfig,
		Namespace:  DefaultNamespace,
	}
}

// NewClient creates a new K8s client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var restConfig *rest.Config
	var err error
	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientFromInterface(clientset, cfg.Namespace), nil
}

// NewClientFromInterface wraps an existing clientset, e.g. a fake in tests.
func NewClientFromInterface(cs kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Client{clientset: cs, namespace: namespace}
}

// Namespace returns the configured namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// CreateJob creates a Job in the configured namespace.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
}

// GetJob retrieves a Job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

// DeleteJob deletes a Job and its pods.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	return c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

// WatchJob watches a single Job by name.
func (c *Client) WatchJob(ctx context.Context, name string) (watch.Interface, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + name,
	})
}

// ListPods lists pods with the given label selector.
func (c *Client) ListPods(ctx context.Context, labelSelector string) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}

// GetPod retrieves a pod by name.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

// StreamLogs opens the log stream of the tool container.
func (c *Client) StreamLogs(ctx context.Context, podName string, follow bool) (io.ReadCloser, error) {
	return c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: ContainerName,
		Follow:    follow,
	}).Stream(ctx)
}

// HealthCheck verifies connectivity to the K8s API.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}
