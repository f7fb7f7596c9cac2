package k8s

import (
	"fmt"
	"strings"
)

// Name prefixes of the per-task resources. Every name is deterministic in
// the task id so that a duplicate launch collides instead of leaking.
const (
	TorcPrefix     = "torc"
	TifPrefix      = "tif"
	TexamPrefix    = "texam"
	TofPrefix      = "tof"
	ExecutorPrefix = "te"
	PVCPrefix      = "pvc"
)

// Volume naming and mount points shared between the filers and executors.
const (
	CommonPVCVolumeName = "task-pvc-volume"
	FilerPVCPath        = "/transfer"
)

// maxNameLength is the DNS label limit kubernetes enforces on names.
const maxNameLength = 63

func resourceName(prefix, taskID string) string {
	name := strings.ToLower(prefix + "-" + taskID)
	if maxNameLength < len(name) {
		name = name[:maxNameLength]
	}
	return strings.Trim(name, "-")
}

func TorcJobName(taskID string) string { return resourceName(TorcPrefix, taskID) }
func TifJobName(taskID string) string  { return resourceName(TifPrefix, taskID) }
func TexamJobName(taskID string) string {
	return resourceName(TexamPrefix, taskID)
}
func TofJobName(taskID string) string { return resourceName(TofPrefix, taskID) }
func PVCName(taskID string) string    { return resourceName(PVCPrefix, taskID) }

// ExecutorPodName names the pod of executor idx of a task.
func ExecutorPodName(taskID string, idx int) string {
	return resourceName(ExecutorPrefix, fmt.Sprintf("%s-%d", taskID, idx))
}

// ExecutorPodSelector matches every executor pod of a task.
func ExecutorPodSelector(taskID string) string {
	return fmt.Sprintf("service=%s,parent=%s", ExecutorPrefix, TexamJobName(taskID))
}

// Labels composes the standard label set of an engine-owned resource.
func Labels(service, taskID, name, parent string) map[string]string {
	labels := map[string]string{
		"service":     service,
		"tes-task-id": taskID,
	}
	if name != "" {
		labels["name"] = name
	}
	if parent != "" {
		labels["parent"] = parent
	}
	return labels
}
