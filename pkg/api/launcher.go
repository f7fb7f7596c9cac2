// Package api serves the TES v1.1.0 HTTP surface and hands accepted tasks
// to per-task orchestrator workloads.
package api

import (
	"context"
	"encoding/json"

	"github.com/jaeaeich/poiesis/pkg/api/handlers"
	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// ClusterLauncher launches and cancels task workloads on the cluster.
type ClusterLauncher struct {
	Cluster  *k8s.Cluster
	Conf     config.K8s
	Contexts k8s.SecurityContexts
}

var (
	_ handlers.TorcLauncher     = &ClusterLauncher{}
	_ handlers.ResourceCanceler = &ClusterLauncher{}
)

func (l *ClusterLauncher) LaunchTorc(ctx context.Context, task tes.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return xe.Wrap(err)
	}
	job := k8s.BuildTorcJob(task.ID, string(raw), l.Conf, l.Contexts)
	return l.Cluster.LaunchJob(ctx, job)
}

func (l *ClusterLauncher) CancelResources(ctx context.Context, taskID string) error {
	// The orchestrator job stays: it observes CANCELING and settles the
	// task to CANCELED after confirming these are gone.
	for _, job := range []string{
		k8s.TifJobName(taskID),
		k8s.TexamJobName(taskID),
		k8s.TofJobName(taskID),
	} {
		if err := l.Cluster.DeleteJob(ctx, job); err != nil {
			return err
		}
	}
	return l.Cluster.DeletePodsByLabel(ctx, k8s.ExecutorPodSelector(taskID))
}
