package k8s_test

import (
	"context"
	"errors"
	"testing"
	"time"

	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/k8s/mock"
	"github.com/jaeaeich/poiesis/pkg/utils/retry"
)

func testCluster(client *mock.Client) *k8s.Cluster {
	return k8s.AttachWithPoll(client, "poiesis", retry.StaticBackoff(time.Millisecond))
}

func pvcOf(name string) *kubecore.PersistentVolumeClaim {
	return &kubecore.PersistentVolumeClaim{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: name},
	}
}

func podOf(name string) *kubecore.Pod {
	return &kubecore.Pod{ObjectMeta: kubeapimeta.ObjectMeta{Name: name}}
}

func TestEnsurePVC(t *testing.T) {
	t.Run("a duplicate claim is a conflict", func(t *testing.T) {
		client := mock.NewClient()
		cluster := testCluster(client)
		ctx := context.Background()

		if err := cluster.EnsurePVC(ctx, pvcOf("pvc-task-1")); err != nil {
			t.Fatal(err)
		}
		err := cluster.EnsurePVC(ctx, pvcOf("pvc-task-1"))
		if !k8s.AsConflict(err) {
			t.Errorf("expected conflict, got %v", err)
		}
	})

	t.Run("deleting an absent claim is fine", func(t *testing.T) {
		cluster := testCluster(mock.NewClient())
		if err := cluster.DeletePVC(context.Background(), "pvc-nope"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestWatchPod(t *testing.T) {
	t.Run("it resolves when the pod succeeds", func(t *testing.T) {
		client := mock.NewClient()
		cluster := testCluster(client)
		ctx := context.Background()

		if err := cluster.LaunchPod(ctx, podOf("te-task-1-0")); err != nil {
			t.Fatal(err)
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			client.FinishPod("te-task-1-0", kubecore.PodSucceeded, 0, "hi\n")
		}()

		result, err := cluster.WatchPod(ctx, "te-task-1-0", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if result.Phase != kubecore.PodSucceeded || result.ExitCode != 0 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("it reports the failed exit code", func(t *testing.T) {
		client := mock.NewClient()
		cluster := testCluster(client)
		ctx := context.Background()

		if err := cluster.LaunchPod(ctx, podOf("te-task-1-0")); err != nil {
			t.Fatal(err)
		}
		client.FinishPod("te-task-1-0", kubecore.PodFailed, 2, "")

		result, err := cluster.WatchPod(ctx, "te-task-1-0", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if result.Phase != kubecore.PodFailed || result.ExitCode != 2 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("a critical waiting reason fails the watch early", func(t *testing.T) {
		client := mock.NewClient()
		cluster := testCluster(client)
		ctx := context.Background()

		if err := cluster.LaunchPod(ctx, podOf("te-task-1-0")); err != nil {
			t.Fatal(err)
		}
		client.StickPod("te-task-1-0", "ImagePullBackOff")

		result, err := cluster.WatchPod(ctx, "te-task-1-0", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if result.Phase != kubecore.PodFailed || result.Reason != "ImagePullBackOff" {
			t.Errorf("result = %+v", result)
		}
		if result.ExitCode == 0 {
			t.Error("a stuck pod must report a non-zero exit")
		}
	})

	t.Run("a pod outliving the timeout is a deadline error", func(t *testing.T) {
		client := mock.NewClient()
		cluster := testCluster(client)
		ctx := context.Background()

		if err := cluster.LaunchPod(ctx, podOf("te-task-1-0")); err != nil {
			t.Fatal(err)
		}

		_, err := cluster.WatchPod(ctx, "te-task-1-0", 30*time.Millisecond)
		if !errors.Is(err, k8s.ErrDeadlineExceeded) {
			t.Errorf("expected deadline error, got %v", err)
		}
	})

	t.Run("a missing pod surfaces as missing", func(t *testing.T) {
		cluster := testCluster(mock.NewClient())
		_, err := cluster.WatchPod(context.Background(), "te-gone-0", time.Second)
		if !k8s.AsMissing(err) {
			t.Errorf("expected missing, got %v", err)
		}
	})
}

func TestDeletePodsByLabel(t *testing.T) {
	client := mock.NewClient()
	cluster := testCluster(client)
	ctx := context.Background()

	for _, pod := range []*kubecore.Pod{
		{ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   "te-task-1-0",
			Labels: k8s.Labels(k8s.ExecutorPrefix, "task-1", "te-task-1-0", "texam-task-1"),
		}},
		{ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   "te-task-2-0",
			Labels: k8s.Labels(k8s.ExecutorPrefix, "task-2", "te-task-2-0", "texam-task-2"),
		}},
	} {
		if err := cluster.LaunchPod(ctx, pod); err != nil {
			t.Fatal(err)
		}
	}

	if err := cluster.DeletePodsByLabel(ctx, k8s.ExecutorPodSelector("task-1")); err != nil {
		t.Fatal(err)
	}

	if client.HasPod("te-task-1-0") {
		t.Error("task-1 executor pod should be gone")
	}
	if !client.HasPod("te-task-2-0") {
		t.Error("task-2 executor pod should survive")
	}
}
