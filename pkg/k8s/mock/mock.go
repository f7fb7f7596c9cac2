// Package mock provides an in-memory cluster Client for tests.
package mock

import (
	"context"
	"io"
	"strings"
	"sync"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/jaeaeich/poiesis/pkg/k8s"
)

// Client keeps created resources in maps and lets tests drive pod phases.
type Client struct {
	mu   sync.Mutex
	pvcs map[string]*kubecore.PersistentVolumeClaim
	jobs map[string]*kubebatch.Job
	pods map[string]*kubecore.Pod
	logs map[string]string

	// OnCreatePod, when set, is called before a pod is stored; returning an
	// error makes the creation fail.
	OnCreatePod func(pod *kubecore.Pod) error
}

var _ k8s.Client = &Client{}

func NewClient() *Client {
	return &Client{
		pvcs: map[string]*kubecore.PersistentVolumeClaim{},
		jobs: map[string]*kubebatch.Job{},
		pods: map[string]*kubecore.Pod{},
		logs: map[string]string{},
	}
}

func notFound(resource, name string) error {
	return kubeerr.NewNotFound(schema.GroupResource{Resource: resource}, name)
}

func alreadyExists(resource, name string) error {
	return kubeerr.NewAlreadyExists(schema.GroupResource{Resource: resource}, name)
}

func (c *Client) CreatePVC(_ context.Context, _ string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pvcs[pvc.Name]; ok {
		return nil, alreadyExists("persistentvolumeclaims", pvc.Name)
	}
	c.pvcs[pvc.Name] = pvc.DeepCopy()
	return pvc, nil
}

func (c *Client) DeletePVC(_ context.Context, _ string, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pvcs[name]; !ok {
		return notFound("persistentvolumeclaims", name)
	}
	delete(c.pvcs, name)
	return nil
}

func (c *Client) CreateJob(_ context.Context, _ string, job *kubebatch.Job) (*kubebatch.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[job.Name]; ok {
		return nil, alreadyExists("jobs", job.Name)
	}
	c.jobs[job.Name] = job.DeepCopy()
	return job, nil
}

func (c *Client) GetJob(_ context.Context, _ string, name string) (*kubebatch.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[name]
	if !ok {
		return nil, notFound("jobs", name)
	}
	return job.DeepCopy(), nil
}

func (c *Client) DeleteJob(_ context.Context, _ string, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[name]; !ok {
		return notFound("jobs", name)
	}
	delete(c.jobs, name)
	return nil
}

func (c *Client) CreatePod(_ context.Context, _ string, pod *kubecore.Pod) (*kubecore.Pod, error) {
	if c.OnCreatePod != nil {
		if err := c.OnCreatePod(pod); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pods[pod.Name]; ok {
		return nil, alreadyExists("pods", pod.Name)
	}
	stored := pod.DeepCopy()
	if stored.Status.Phase == "" {
		stored.Status.Phase = kubecore.PodPending
	}
	c.pods[pod.Name] = stored
	return pod, nil
}

func (c *Client) GetPod(_ context.Context, _ string, name string) (*kubecore.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.pods[name]
	if !ok {
		return nil, notFound("pods", name)
	}
	return pod.DeepCopy(), nil
}

func (c *Client) DeletePod(_ context.Context, _ string, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pods[name]; !ok {
		return notFound("pods", name)
	}
	delete(c.pods, name)
	return nil
}

func (c *Client) FindPods(_ context.Context, _ string, labelSelector string) ([]kubecore.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := map[string]string{}
	for _, pair := range strings.Split(labelSelector, ",") {
		if key, value, ok := strings.Cut(pair, "="); ok {
			want[key] = value
		}
	}

	found := []kubecore.Pod{}
	for _, pod := range c.pods {
		matches := true
		for key, value := range want {
			if pod.Labels[key] != value {
				matches = false
				break
			}
		}
		if matches {
			found = append(found, *pod.DeepCopy())
		}
	}
	return found, nil
}

func (c *Client) Log(_ context.Context, _ string, podname string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pods[podname]; !ok {
		return nil, notFound("pods", podname)
	}
	return io.NopCloser(strings.NewReader(c.logs[podname])), nil
}

// Test drivers below.

// FinishPod moves a pod to a terminal phase with an exit code and log text.
func (c *Client) FinishPod(name string, phase kubecore.PodPhase, exitCode int32, logText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.pods[name]
	if !ok {
		return
	}
	pod.Status.Phase = phase
	pod.Status.ContainerStatuses = []kubecore.ContainerStatus{
		{
			Name: name,
			State: kubecore.ContainerState{
				Terminated: &kubecore.ContainerStateTerminated{ExitCode: exitCode},
			},
		},
	}
	c.logs[name] = logText
}

// StickPod puts a pod's container into a waiting state with reason.
func (c *Client) StickPod(name, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.pods[name]
	if !ok {
		return
	}
	pod.Status.Phase = kubecore.PodPending
	pod.Status.ContainerStatuses = []kubecore.ContainerStatus{
		{
			Name: name,
			State: kubecore.ContainerState{
				Waiting: &kubecore.ContainerStateWaiting{Reason: reason},
			},
		},
	}
}

// FinishJob marks a job complete or failed.
func (c *Client) FinishJob(name string, succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[name]
	if !ok {
		return
	}
	condType := kubebatch.JobComplete
	if !succeeded {
		condType = kubebatch.JobFailed
	}
	job.Status.Conditions = append(job.Status.Conditions, kubebatch.JobCondition{
		Type:   condType,
		Status: kubecore.ConditionTrue,
	})
}

// HasPVC, HasJob and HasPod report resource presence.
func (c *Client) HasPVC(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pvcs[name]
	return ok
}

func (c *Client) HasJob(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[name]
	return ok
}

func (c *Client) HasPod(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pods[name]
	return ok
}

// Job returns a stored job for inspection.
func (c *Client) Job(name string) *kubebatch.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[name]; ok {
		return job.DeepCopy()
	}
	return nil
}

// Pod returns a stored pod for inspection.
func (c *Client) Pod(name string) *kubecore.Pod {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pod, ok := c.pods[name]; ok {
		return pod.DeepCopy()
	}
	return nil
}
