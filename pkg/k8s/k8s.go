// Package k8s is the engine's view of the container orchestrator: create
// and delete the per-task PVC, launch one-shot Jobs and executor Pods, watch
// them to a terminal phase, and stream their logs. All operations are scoped
// to a single namespace.
package k8s

import (
	"context"
	"io"
	"strings"
	"time"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jaeaeich/poiesis/pkg/utils/retry"
)

// Client is the subset of kubernetes.Clientset the engine touches.
type Client interface {
	CreatePVC(ctx context.Context, namespace string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error)
	DeletePVC(ctx context.Context, namespace string, name string) error

	CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error

	CreatePod(ctx context.Context, namespace string, pod *kubecore.Pod) (*kubecore.Pod, error)
	GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error)
	DeletePod(ctx context.Context, namespace string, name string) error
	FindPods(ctx context.Context, namespace string, labelSelector string) ([]kubecore.Pod, error)

	Log(ctx context.Context, namespace string, podname string) (io.ReadCloser, error)
}

type client struct {
	clientset *k8s.Clientset
}

var _ Client = &client{}

// WrapClient adapts a clientset; the engine prefers flat calls over method
// chains.
func WrapClient(c *k8s.Clientset) Client {
	return &client{clientset: c}
}

// NewClient connects using the in-cluster config when available, falling
// back to the local kubeconfig.
func NewClient() (Client, error) {
	conf, err := rest.InClusterConfig()
	if err != nil {
		loading := clientcmd.NewDefaultClientConfigLoadingRules()
		conf, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loading, &clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, NewMissingCausedBy("no cluster configuration found", err)
		}
	}
	clientset, err := k8s.NewForConfig(conf)
	if err != nil {
		return nil, err
	}
	return WrapClient(clientset), nil
}

func (c *client) CreatePVC(ctx context.Context, namespace string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
	return c.clientset.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, kubeapimeta.CreateOptions{})
}

func (c *client) DeletePVC(ctx context.Context, namespace string, name string) error {
	return c.clientset.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, *kubeapimeta.NewDeleteOptions(0))
}

func (c *client) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return c.clientset.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (c *client) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return c.clientset.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (c *client) DeleteJob(ctx context.Context, namespace string, name string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	return c.clientset.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
}

func (c *client) CreatePod(ctx context.Context, namespace string, pod *kubecore.Pod) (*kubecore.Pod, error) {
	return c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, kubeapimeta.CreateOptions{})
}

func (c *client) GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error) {
	return c.clientset.CoreV1().Pods(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (c *client) DeletePod(ctx context.Context, namespace string, name string) error {
	return c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, *kubeapimeta.NewDeleteOptions(0))
}

func (c *client) FindPods(ctx context.Context, namespace string, labelSelector string) ([]kubecore.Pod, error) {
	resp, err := c.clientset.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *client) Log(ctx context.Context, namespace string, podname string) (io.ReadCloser, error) {
	return c.clientset.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{}).
		Stream(ctx)
}

// PodResult is the terminal observation of one pod.
type PodResult struct {
	Phase     kubecore.PodPhase
	ExitCode  int32
	Reason    string
	StartTime time.Time
	EndTime   time.Time
}

// criticalWaitingReasons are container waiting states that never resolve on
// their own; a pod stuck in one is treated as failed at startup.
var criticalWaitingReasons = map[string]bool{
	"ImagePullBackOff":  true,
	"ErrImagePull":      true,
	"CrashLoopBackOff":  true,
	"InvalidImageName":  true,
	"ImageInspectError": true,
}

// Cluster binds a Client to the engine's namespace and poll cadence.
type Cluster struct {
	client    Client
	namespace string
	poll      retry.Backoff
}

// Attach scopes client to namespace.
func Attach(client Client, namespace string) *Cluster {
	return AttachWithPoll(client, namespace, retry.StaticBackoff(2*time.Second))
}

// AttachWithPoll is Attach with an explicit pod poll cadence.
func AttachWithPoll(client Client, namespace string, poll retry.Backoff) *Cluster {
	return &Cluster{client: client, namespace: namespace, poll: poll}
}

func (c *Cluster) Namespace() string {
	return c.namespace
}

// EnsurePVC creates the claim; a claim of the same name is a conflict.
func (c *Cluster) EnsurePVC(ctx context.Context, pvc *kubecore.PersistentVolumeClaim) error {
	if _, err := c.client.CreatePVC(ctx, c.namespace, pvc); err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return NewConflictCausedBy("pvc "+pvc.GetName(), err)
		}
		return err
	}
	return nil
}

// DeletePVC removes the claim; an already-absent claim is not an error.
func (c *Cluster) DeletePVC(ctx context.Context, name string) error {
	if err := c.client.DeletePVC(ctx, c.namespace, name); err != nil && !kubeerr.IsNotFound(err) {
		return err
	}
	return nil
}

// LaunchJob submits a one-shot Job.
func (c *Cluster) LaunchJob(ctx context.Context, job *kubebatch.Job) error {
	if _, err := c.client.CreateJob(ctx, c.namespace, job); err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return NewConflictCausedBy("job "+job.GetName(), err)
		}
		return err
	}
	return nil
}

// DeleteJob removes a Job and, via foreground propagation, its pods.
func (c *Cluster) DeleteJob(ctx context.Context, name string) error {
	if err := c.client.DeleteJob(ctx, c.namespace, name); err != nil && !kubeerr.IsNotFound(err) {
		return err
	}
	return nil
}

// LaunchPod submits a bare pod (used for executors).
func (c *Cluster) LaunchPod(ctx context.Context, pod *kubecore.Pod) error {
	if _, err := c.client.CreatePod(ctx, c.namespace, pod); err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return NewConflictCausedBy("pod "+pod.GetName(), err)
		}
		return err
	}
	return nil
}

// DeletePod removes a pod; an already-absent pod is not an error.
func (c *Cluster) DeletePod(ctx context.Context, name string) error {
	if err := c.client.DeletePod(ctx, c.namespace, name); err != nil && !kubeerr.IsNotFound(err) {
		return err
	}
	return nil
}

// DeletePodsByLabel removes every pod matching selector.
func (c *Cluster) DeletePodsByLabel(ctx context.Context, selector string) error {
	pods, err := c.client.FindPods(ctx, c.namespace, selector)
	if err != nil {
		return err
	}
	for _, p := range pods {
		if err := c.DeletePod(ctx, p.GetName()); err != nil {
			return err
		}
	}
	return nil
}

// JobStatus is the coarse progress of a one-shot Job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobMissing   JobStatus = "Missing"
)

// GetJobStatus reads a job's snapshot status. A deleted job reports
// JobMissing without an error.
func (c *Cluster) GetJobStatus(ctx context.Context, name string) (JobStatus, error) {
	job, err := c.client.GetJob(ctx, c.namespace, name)
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return JobMissing, nil
		}
		return JobPending, err
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != kubecore.ConditionTrue {
			continue
		}
		switch cond.Type {
		case kubebatch.JobComplete:
			return JobSucceeded, nil
		case kubebatch.JobFailed:
			return JobFailed, nil
		}
	}
	if 0 < job.Status.Active || 0 < job.Status.Succeeded || 0 < job.Status.Failed {
		return JobRunning, nil
	}
	return JobPending, nil
}

// WatchPod polls the pod until it reaches Succeeded or Failed, or until a
// container sticks in a critical waiting state (reported as Failed with the
// waiting reason). timeout <= 0 waits until ctx ends; otherwise
// ErrDeadlineExceeded is returned when the pod outlives the timeout.
func (c *Cluster) WatchPod(ctx context.Context, name string, timeout time.Duration) (PodResult, error) {
	if 0 < timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := retry.Blocking(ctx, c.poll, func() (PodResult, error) {
		pod, err := c.client.GetPod(ctx, c.namespace, name)
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return PodResult{}, NewMissingCausedBy("pod "+name, err)
			}
			return PodResult{}, err
		}
		return observe(pod)
	})
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return result, ErrDeadlineExceeded
	}
	return result, err
}

// observe inspects a pod snapshot; retry.ErrRetry means "not terminal yet".
func observe(pod *kubecore.Pod) (PodResult, error) {
	result := PodResult{Phase: pod.Status.Phase}
	if t := pod.Status.StartTime; t != nil {
		result.StartTime = t.Time
	}

	for _, cs := range append(
		append([]kubecore.ContainerStatus{}, pod.Status.InitContainerStatuses...),
		pod.Status.ContainerStatuses...,
	) {
		if w := cs.State.Waiting; w != nil && criticalWaitingReasons[w.Reason] {
			result.Phase = kubecore.PodFailed
			result.ExitCode = 1
			result.Reason = w.Reason
			result.EndTime = time.Now()
			return result, nil
		}
	}

	switch pod.Status.Phase {
	case kubecore.PodSucceeded, kubecore.PodFailed:
		for _, cs := range pod.Status.ContainerStatuses {
			if term := cs.State.Terminated; term != nil {
				result.ExitCode = term.ExitCode
				result.Reason = term.Reason
				result.StartTime = term.StartedAt.Time
				result.EndTime = term.FinishedAt.Time
				break
			}
		}
		if result.Phase == kubecore.PodFailed && result.ExitCode == 0 {
			result.ExitCode = 1
			if result.Reason == "" {
				result.Reason = pod.Status.Reason
			}
		}
		return result, nil
	default:
		return result, retry.ErrRetry
	}
}

// Preempted reports whether the pod result was caused by node preemption.
func (r PodResult) Preempted() bool {
	return strings.EqualFold(r.Reason, "Preempted") || strings.EqualFold(r.Reason, "Preempting")
}

// StreamPodLogs opens the pod's log stream.
func (c *Cluster) StreamPodLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	return c.client.Log(ctx, c.namespace, name)
}

// PodLogs reads the pod's logs whole, truncated at limit bytes when
// limit > 0.
func (c *Cluster) PodLogs(ctx context.Context, name string, limit int64) (string, error) {
	stream, err := c.StreamPodLogs(ctx, name)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var r io.Reader = stream
	if 0 < limit {
		r = io.LimitReader(stream, limit)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
