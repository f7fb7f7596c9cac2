package k8s_test

import (
	"strings"
	"testing"

	"github.com/jaeaeich/poiesis/pkg/k8s"
)

func TestNames(t *testing.T) {
	taskID := "1b4c3e52-28e5-4a43-8ba4-b58b6c8ab783"

	t.Run("names are deterministic and prefixed", func(t *testing.T) {
		for want, got := range map[string]string{
			"torc-" + taskID:  k8s.TorcJobName(taskID),
			"tif-" + taskID:   k8s.TifJobName(taskID),
			"texam-" + taskID: k8s.TexamJobName(taskID),
			"tof-" + taskID:   k8s.TofJobName(taskID),
			"pvc-" + taskID:   k8s.PVCName(taskID),
			"te-" + taskID + "-3": k8s.ExecutorPodName(taskID, 3),
		} {
			if got != want {
				t.Errorf("got %s, want %s", got, want)
			}
		}
	})

	t.Run("names never exceed 63 characters", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		for _, name := range []string{
			k8s.TorcJobName(long),
			k8s.ExecutorPodName(long, 12),
			k8s.PVCName(long),
		} {
			if 63 < len(name) {
				t.Errorf("name too long (%d): %s", len(name), name)
			}
		}
	})

	t.Run("names are lowercased", func(t *testing.T) {
		if got := k8s.TorcJobName("ABC"); got != "torc-abc" {
			t.Errorf("got %s", got)
		}
	})
}

func TestLabels(t *testing.T) {
	labels := k8s.Labels("te", "task-1", "te-task-1-0", "texam-task-1")
	for key, want := range map[string]string{
		"service":     "te",
		"tes-task-id": "task-1",
		"name":        "te-task-1-0",
		"parent":      "texam-task-1",
	} {
		if labels[key] != want {
			t.Errorf("labels[%s] = %s, want %s", key, labels[key], want)
		}
	}
}
