package k8s

import (
	"fmt"
	"sort"
	"strings"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/pointer"
)

const defaultPVCSize = "1Gi"

// BuildPVC composes the per-task scratch volume claim. diskGb == 0 falls
// back to the default size.
func BuildPVC(taskID string, diskGb float64, conf config.K8s) *kubecore.PersistentVolumeClaim {
	name := PVCName(taskID)

	size := defaultPVCSize
	if 0 < diskGb {
		size = fmt.Sprintf("%gGi", diskGb)
	}

	spec := kubecore.PersistentVolumeClaimSpec{
		Resources: kubecore.VolumeResourceRequirements{
			Requests: kubecore.ResourceList{
				"storage": kubeapiresource.MustParse(size),
			},
		},
	}
	if conf.PVCAccessMode != "" {
		spec.AccessModes = []kubecore.PersistentVolumeAccessMode{
			kubecore.PersistentVolumeAccessMode(conf.PVCAccessMode),
		}
	}
	if conf.PVCStorageClass != "" {
		spec.StorageClassName = pointer.Ref(conf.PVCStorageClass)
	}

	return &kubecore.PersistentVolumeClaim{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   name,
			Labels: Labels(PVCPrefix, taskID, name, TorcPrefix),
		},
		Spec: spec,
	}
}

func configMapRef(configMap, key string, optional bool) kubecore.EnvVar {
	return kubecore.EnvVar{
		Name: key,
		ValueFrom: &kubecore.EnvVarSource{
			ConfigMapKeyRef: &kubecore.ConfigMapKeySelector{
				LocalObjectReference: kubecore.LocalObjectReference{Name: configMap},
				Key:                  key,
				Optional:             pointer.Ref(optional),
			},
		},
	}
}

func secretRef(secret, key string) kubecore.EnvVar {
	return kubecore.EnvVar{
		Name: key,
		ValueFrom: &kubecore.EnvVarSource{
			SecretKeyRef: &kubecore.SecretKeySelector{
				LocalObjectReference: kubecore.LocalObjectReference{Name: secret},
				Key:                  key,
				Optional:             pointer.Ref(true),
			},
		},
	}
}

// infraEnv wires the launched workload to the same configuration this
// process runs with: broker and store coordinates through the core
// ConfigMap, credentials through Secret references.
func infraEnv(conf config.K8s) []kubecore.EnvVar {
	cm := conf.CoreConfigMapName

	env := []kubecore.EnvVar{
		configMapRef(cm, "LOG_LEVEL", false),
		configMapRef(cm, "POIESIS_ENV", true),
		configMapRef(cm, "POIESIS_K8S_NAMESPACE", false),
		configMapRef(cm, "POIESIS_SERVICE_ACCOUNT_NAME", false),
		configMapRef(cm, "MESSAGE_BROKER_HOST", false),
		configMapRef(cm, "MESSAGE_BROKER_PORT", false),
		configMapRef(cm, "MONGODB_HOST", false),
		configMapRef(cm, "MONGODB_PORT", false),
		configMapRef(cm, "MONGODB_DATABASE", true),
		configMapRef(cm, "MONITOR_TIMEOUT_SECONDS", true),
		{Name: "POIESIS_CORE_CONFIGMAP_NAME", Value: cm},
		{Name: "POIESIS_IMAGE", Value: conf.Image},
		{Name: "POIESIS_RESTART_POLICY", Value: conf.RestartPolicy},
		{Name: "POIESIS_IMAGE_PULL_POLICY", Value: conf.ImagePullPolicy},
	}
	if conf.PVCAccessMode != "" {
		env = append(env, kubecore.EnvVar{Name: "POIESIS_PVC_ACCESS_MODE", Value: conf.PVCAccessMode})
	}
	if conf.PVCStorageClass != "" {
		env = append(env, kubecore.EnvVar{Name: "POIESIS_PVC_STORAGE_CLASS", Value: conf.PVCStorageClass})
	}
	if conf.JobTTLSeconds != nil {
		env = append(env, kubecore.EnvVar{Name: "POIESIS_JOB_TTL", Value: fmt.Sprint(*conf.JobTTLSeconds)})
	}

	if conf.MongoSecretName != "" {
		env = append(env,
			kubecore.EnvVar{Name: "POIESIS_MONGO_SECRET_NAME", Value: conf.MongoSecretName},
			secretRef(conf.MongoSecretName, "MONGODB_USER"),
			secretRef(conf.MongoSecretName, "MONGODB_PASSWORD"),
		)
	}
	if conf.RedisSecretName != "" {
		env = append(env,
			kubecore.EnvVar{Name: "POIESIS_REDIS_SECRET_NAME", Value: conf.RedisSecretName},
			secretRef(conf.RedisSecretName, "MESSAGE_BROKER_PASSWORD"),
		)
	}

	env = append(env,
		kubecore.EnvVar{Name: "POIESIS_INFRASTRUCTURE_SECURITY_CONTEXT_ENABLED", Value: fmt.Sprint(conf.SecurityContext.InfrastructureEnabled)},
		kubecore.EnvVar{Name: "POIESIS_EXECUTOR_SECURITY_CONTEXT_ENABLED", Value: fmt.Sprint(conf.SecurityContext.ExecutorEnabled)},
	)
	if conf.SecurityContext.Path != "" {
		env = append(env, kubecore.EnvVar{Name: "POIESIS_SECURITY_CONTEXT_PATH", Value: conf.SecurityContext.Path})
	}
	if conf.SecurityContext.ConfigMapName != "" {
		env = append(env, kubecore.EnvVar{Name: "POIESIS_SECURITY_CONTEXT_CONFIGMAP_NAME", Value: conf.SecurityContext.ConfigMapName})
	}

	return env
}

// s3Env adds the object store coordinates; filer jobs need them, the
// orchestrator does not.
func s3Env(conf config.K8s) []kubecore.EnvVar {
	if conf.S3SecretName == "" {
		return nil
	}
	return []kubecore.EnvVar{
		{Name: "POIESIS_S3_SECRET_NAME", Value: conf.S3SecretName},
		configMapRef(conf.CoreConfigMapName, "S3_URL", true),
		secretRef(conf.S3SecretName, "AWS_ACCESS_KEY_ID"),
		secretRef(conf.S3SecretName, "AWS_SECRET_ACCESS_KEY"),
	}
}

// securityVolume returns the ConfigMap volume carrying the context files,
// mounted read-only at the configured path, when infrastructure or executor
// contexts are enabled and both the ConfigMap name and the path are set.
func securityVolume(conf config.K8s) ([]kubecore.Volume, []kubecore.VolumeMount) {
	sc := conf.SecurityContext
	if !sc.InfrastructureEnabled && !sc.ExecutorEnabled {
		return nil, nil
	}
	if sc.ConfigMapName == "" || sc.Path == "" {
		return nil, nil
	}
	volume := kubecore.Volume{
		Name: sc.ConfigMapName,
		VolumeSource: kubecore.VolumeSource{
			ConfigMap: &kubecore.ConfigMapVolumeSource{
				LocalObjectReference: kubecore.LocalObjectReference{Name: sc.ConfigMapName},
			},
		},
	}
	mount := kubecore.VolumeMount{
		Name:      sc.ConfigMapName,
		MountPath: sc.Path,
		ReadOnly:  true,
	}
	return []kubecore.Volume{volume}, []kubecore.VolumeMount{mount}
}

type jobSpec struct {
	name           string
	taskID         string
	parent         string
	args           []string
	serviceAccount bool
	mountPVC       bool
	extraEnv       []kubecore.EnvVar
	conf           config.K8s
	contexts       SecurityContexts
}

// buildJob composes a one-shot engine workload: restart policy Never,
// backoff 0, TTL from config, infra env wiring and the conditional
// security-context mount.
func buildJob(spec jobSpec) *kubebatch.Job {
	env := append(infraEnv(spec.conf), spec.extraEnv...)

	volumes, mounts := securityVolume(spec.conf)
	if spec.mountPVC {
		volumes = append(volumes, kubecore.Volume{
			Name: CommonPVCVolumeName,
			VolumeSource: kubecore.VolumeSource{
				PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
					ClaimName: PVCName(spec.taskID),
				},
			},
		})
		mounts = append(mounts, kubecore.VolumeMount{
			Name:      CommonPVCVolumeName,
			MountPath: FilerPVCPath,
		})
	}

	container := kubecore.Container{
		Name:            spec.name,
		Image:           spec.conf.Image,
		Command:         []string{"poiesis"},
		Args:            spec.args,
		Env:             env,
		VolumeMounts:    mounts,
		ImagePullPolicy: kubecore.PullPolicy(spec.conf.ImagePullPolicy),
		SecurityContext: spec.contexts.InfraContainer,
	}

	podSpec := kubecore.PodSpec{
		Containers:      []kubecore.Container{container},
		Volumes:         volumes,
		RestartPolicy:   kubecore.RestartPolicy(spec.conf.RestartPolicy),
		SecurityContext: spec.contexts.InfraPod,
	}
	if spec.serviceAccount {
		podSpec.ServiceAccountName = spec.conf.ServiceAccountName
	}

	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   spec.name,
			Labels: Labels(strings.SplitN(spec.name, "-", 2)[0], spec.taskID, spec.name, spec.parent),
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit:            pointer.Ref(int32(0)),
			TTLSecondsAfterFinished: spec.conf.JobTTLSeconds,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{
					Labels: Labels(strings.SplitN(spec.name, "-", 2)[0], spec.taskID, spec.name, spec.parent),
				},
				Spec: podSpec,
			},
		},
	}
}

// BuildTorcJob launches the per-task orchestrator. The task document rides
// in as a JSON argument, as the API persisted it.
func BuildTorcJob(taskID, taskJSON string, conf config.K8s, contexts SecurityContexts) *kubebatch.Job {
	return buildJob(jobSpec{
		name:           TorcJobName(taskID),
		taskID:         taskID,
		parent:         "poiesis-api",
		args:           []string{"torc", "run", "--task", taskJSON},
		serviceAccount: true,
		conf:           conf,
		contexts:       contexts,
	})
}

// BuildTifJob launches the input filer with the PVC mounted at the transfer
// path.
func BuildTifJob(taskID, inputsJSON string, conf config.K8s, contexts SecurityContexts) *kubebatch.Job {
	return buildJob(jobSpec{
		name:     TifJobName(taskID),
		taskID:   taskID,
		parent:   TorcJobName(taskID),
		args:     []string{"tif", "run", "--name", taskID, "--inputs", inputsJSON},
		mountPVC: true,
		extraEnv: s3Env(conf),
		conf:     conf,
		contexts: contexts,
	})
}

// BuildTexamJob launches the executor-and-monitor workload. It creates
// executor pods itself, so it runs under the engine service account.
func BuildTexamJob(taskID, taskJSON string, conf config.K8s, contexts SecurityContexts) *kubebatch.Job {
	return buildJob(jobSpec{
		name:           TexamJobName(taskID),
		taskID:         taskID,
		parent:         TorcJobName(taskID),
		args:           []string{"texam", "run", "--task", taskJSON},
		serviceAccount: true,
		conf:           conf,
		contexts:       contexts,
	})
}

// BuildTofJob launches the output filer with the PVC mounted at the
// transfer path.
func BuildTofJob(taskID, outputsJSON, volumesJSON string, conf config.K8s, contexts SecurityContexts) *kubebatch.Job {
	return buildJob(jobSpec{
		name:     TofJobName(taskID),
		taskID:   taskID,
		parent:   TorcJobName(taskID),
		args:     []string{"tof", "run", "--name", taskID, "--outputs", outputsJSON, "--volumes", volumesJSON},
		mountPVC: true,
		extraEnv: s3Env(conf),
		conf:     conf,
		contexts: contexts,
	})
}

// shellQuote renders s safe for inclusion in a `sh -c` command line.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\!*?[](){}<>|&;~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildExecutorCommand renders the executor command with its stdin/stdout/
// stderr redirections as one `sh -c` argument. The exit status of the
// command is preserved; the stop rule is applied by the monitor, not the
// shell.
func BuildExecutorCommand(e tes.Executor) string {
	quoted := make([]string, 0, len(e.Command))
	for _, arg := range e.Command {
		quoted = append(quoted, shellQuote(arg))
	}
	command := strings.Join(quoted, " ")

	if e.Stdin != "" {
		command += " < " + shellQuote(e.Stdin)
	}
	if e.Stdout != "" {
		command += " > " + shellQuote(e.Stdout)
	}
	if e.Stderr != "" {
		command += " 2> " + shellQuote(e.Stderr)
	}
	return command
}

// BuildExecutorPod composes the pod of executor idx. The task PVC is
// mounted at the first component of every input and output path, so the
// staged data surfaces at the declared absolute paths; declared volumes
// mount empty PVC subdirectories.
func BuildExecutorPod(task tes.Task, idx int, conf config.K8s, contexts SecurityContexts) (*kubecore.Pod, error) {
	executor := task.Executors[idx]
	name := ExecutorPodName(task.ID, idx)
	parent := TexamJobName(task.ID)

	mounts := []kubecore.VolumeMount{}
	seen := map[string]bool{}
	paths := []string{}
	for _, in := range task.Inputs {
		paths = append(paths, in.Path)
	}
	for _, out := range task.Outputs {
		p := out.Path
		if tes.HasWildcard(p) {
			p = out.PathPrefix
		}
		paths = append(paths, p)
	}
	for _, p := range paths {
		head, _, err := SplitMountPath(p)
		if err != nil {
			return nil, err
		}
		if seen[head] {
			continue
		}
		seen[head] = true
		mounts = append(mounts, kubecore.VolumeMount{
			Name:      CommonPVCVolumeName,
			MountPath: head,
		})
	}
	for i, v := range task.Volumes {
		mounts = append(mounts, kubecore.VolumeMount{
			Name:      CommonPVCVolumeName,
			MountPath: v,
			SubPath:   fmt.Sprintf("volumes/%d", i),
		})
	}

	resources := kubecore.ResourceList{}
	if r := task.Resources; r != nil {
		if 0 < r.CPUCores {
			resources["cpu"] = kubeapiresource.MustParse(fmt.Sprint(r.CPUCores))
		}
		if 0 < r.RAMGb {
			resources["memory"] = kubeapiresource.MustParse(fmt.Sprintf("%gGi", r.RAMGb))
		}
	}

	keys := make([]string, 0, len(executor.Env))
	for key := range executor.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := []kubecore.EnvVar{}
	for _, key := range keys {
		env = append(env, kubecore.EnvVar{Name: key, Value: executor.Env[key]})
	}

	container := kubecore.Container{
		Name:       name,
		Image:      executor.Image,
		Command:    []string{"/bin/sh", "-c"},
		Args:       []string{BuildExecutorCommand(executor)},
		WorkingDir: executor.Workdir,
		Env:        env,
		Resources: kubecore.ResourceRequirements{
			Limits:   resources,
			Requests: resources,
		},
		VolumeMounts:    mounts,
		SecurityContext: contexts.ExecutorContainer,
	}

	return &kubecore.Pod{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:   name,
			Labels: Labels(ExecutorPrefix, task.ID, name, parent),
		},
		Spec: kubecore.PodSpec{
			Containers: []kubecore.Container{container},
			Volumes: []kubecore.Volume{
				{
					Name: CommonPVCVolumeName,
					VolumeSource: kubecore.VolumeSource{
						PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
							ClaimName: PVCName(task.ID),
						},
					},
				},
			},
			RestartPolicy:   kubecore.RestartPolicy(conf.RestartPolicy),
			SecurityContext: contexts.ExecutorPod,
		},
	}, nil
}
