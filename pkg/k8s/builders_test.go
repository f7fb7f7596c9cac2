package k8s_test

import (
	"testing"

	kubecore "k8s.io/api/core/v1"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/cmp"
)

func testK8sConf() config.K8s {
	ttl := int32(300)
	return config.K8s{
		Namespace:          "poiesis",
		ServiceAccountName: "poiesis-sa",
		Image:              "docker.io/jaeaeich/poiesis:latest",
		RestartPolicy:      "Never",
		ImagePullPolicy:    "IfNotPresent",
		JobTTLSeconds:      &ttl,
		CoreConfigMapName:  "poiesis-core",
		MongoSecretName:    "poiesis-mongo",
		RedisSecretName:    "poiesis-redis",
		S3SecretName:       "poiesis-s3",
	}
}

func TestBuildExecutorCommand(t *testing.T) {
	for name, testcase := range map[string]struct {
		when tes.Executor
		then string
	}{
		"plain command": {
			tes.Executor{Command: []string{"/bin/cat", "/data/f"}},
			"/bin/cat /data/f",
		},
		"argument with spaces is quoted": {
			tes.Executor{Command: []string{"echo", "hello world"}},
			"echo 'hello world'",
		},
		"single quotes survive quoting": {
			tes.Executor{Command: []string{"echo", "it's"}},
			`echo 'it'\''s'`,
		},
		"stdin redirection": {
			tes.Executor{Command: []string{"wc", "-l"}, Stdin: "/data/in"},
			"wc -l < /data/in",
		},
		"stdout and stderr redirection": {
			tes.Executor{Command: []string{"make"}, Stdout: "/data/out.log", Stderr: "/data/err.log"},
			"make > /data/out.log 2> /data/err.log",
		},
		"exit status is not masked for ignore_error": {
			tes.Executor{Command: []string{"/bin/false"}, IgnoreError: true},
			"/bin/false",
		},
	} {
		t.Run(name, func(t *testing.T) {
			if got := k8s.BuildExecutorCommand(testcase.when); got != testcase.then {
				t.Errorf("got  %s\nwant %s", got, testcase.then)
			}
		})
	}
}

func TestBuildPVC(t *testing.T) {
	conf := testK8sConf()
	conf.PVCAccessMode = "ReadWriteOnce"
	conf.PVCStorageClass = "standard"

	t.Run("requested disk size is honored", func(t *testing.T) {
		pvc := k8s.BuildPVC("task-1", 8, conf)
		if pvc.Name != "pvc-task-1" {
			t.Errorf("name = %s", pvc.Name)
		}
		if got := pvc.Spec.Resources.Requests["storage"]; got.String() != "8Gi" {
			t.Errorf("storage = %s", got.String())
		}
		if got := *pvc.Spec.StorageClassName; got != "standard" {
			t.Errorf("storage class = %s", got)
		}
		if len(pvc.Spec.AccessModes) != 1 || string(pvc.Spec.AccessModes[0]) != "ReadWriteOnce" {
			t.Errorf("access modes = %v", pvc.Spec.AccessModes)
		}
	})

	t.Run("default size applies when no disk is requested", func(t *testing.T) {
		pvc := k8s.BuildPVC("task-1", 0, conf)
		if got := pvc.Spec.Resources.Requests["storage"]; got.String() != "1Gi" {
			t.Errorf("storage = %s", got.String())
		}
	})
}

func TestBuildJobs(t *testing.T) {
	conf := testK8sConf()
	contexts := k8s.SecurityContexts{}

	t.Run("torc job runs under the service account without the PVC", func(t *testing.T) {
		job := k8s.BuildTorcJob("task-1", `{"id":"task-1"}`, conf, contexts)

		if job.Name != "torc-task-1" {
			t.Errorf("name = %s", job.Name)
		}
		pod := job.Spec.Template.Spec
		if pod.ServiceAccountName != "poiesis-sa" {
			t.Errorf("service account = %s", pod.ServiceAccountName)
		}
		if len(pod.Volumes) != 0 {
			t.Errorf("torc should not mount the task PVC: %v", pod.Volumes)
		}
		container := pod.Containers[0]
		if !cmp.SliceEq(container.Command, []string{"poiesis"}) {
			t.Errorf("command = %v", container.Command)
		}
		if !cmp.SliceEq(container.Args, []string{"torc", "run", "--task", `{"id":"task-1"}`}) {
			t.Errorf("args = %v", container.Args)
		}
		if job.Spec.TTLSecondsAfterFinished == nil || *job.Spec.TTLSecondsAfterFinished != 300 {
			t.Errorf("ttl = %v", job.Spec.TTLSecondsAfterFinished)
		}
		if *job.Spec.BackoffLimit != 0 {
			t.Errorf("backoff limit = %d", *job.Spec.BackoffLimit)
		}
	})

	t.Run("filer jobs mount the task PVC at the transfer path", func(t *testing.T) {
		job := k8s.BuildTifJob("task-1", "[]", conf, contexts)

		pod := job.Spec.Template.Spec
		found := false
		for _, v := range pod.Volumes {
			if v.Name == k8s.CommonPVCVolumeName {
				found = true
				if v.PersistentVolumeClaim.ClaimName != "pvc-task-1" {
					t.Errorf("claim = %s", v.PersistentVolumeClaim.ClaimName)
				}
			}
		}
		if !found {
			t.Fatal("pvc volume missing")
		}
		mounts := pod.Containers[0].VolumeMounts
		if len(mounts) == 0 || mounts[len(mounts)-1].MountPath != k8s.FilerPVCPath {
			t.Errorf("mounts = %v", mounts)
		}
	})

	t.Run("filer jobs carry the object store env, torc does not", func(t *testing.T) {
		tof := k8s.BuildTofJob("task-1", "[]", "[]", conf, contexts)
		torc := k8s.BuildTorcJob("task-1", "{}", conf, contexts)

		if !hasEnv(tof.Spec.Template.Spec.Containers[0].Env, "AWS_ACCESS_KEY_ID") {
			t.Error("tof should receive s3 credentials")
		}
		if hasEnv(torc.Spec.Template.Spec.Containers[0].Env, "AWS_ACCESS_KEY_ID") {
			t.Error("torc should not receive s3 credentials")
		}
	})

	t.Run("jobs are labeled for selector cleanup", func(t *testing.T) {
		job := k8s.BuildTexamJob("task-1", "{}", conf, contexts)
		labels := job.Labels
		if labels["tes-task-id"] != "task-1" {
			t.Errorf("labels = %v", labels)
		}
		if labels["service"] != "texam" {
			t.Errorf("labels = %v", labels)
		}
	})
}

func hasEnv(env []kubecore.EnvVar, name string) bool {
	for _, e := range env {
		if e.Name == name {
			return true
		}
	}
	return false
}

func TestBuildExecutorPod(t *testing.T) {
	conf := testK8sConf()
	task := tes.Task{
		ID: "task-1",
		Inputs: []tes.Input{
			{Content: "hi", Path: "/data/f"},
			{URL: "s3://b/g", Path: "/data/sub/g"},
		},
		Outputs: []tes.Output{
			{URL: "s3://b/out/", Path: "/out/result.txt"},
			{URL: "s3://b/out/", Path: "/out/glob/*.txt", PathPrefix: "/out/glob"},
		},
		Executors: []tes.Executor{
			{
				Image:   "ubuntu:20.04",
				Command: []string{"/bin/cat", "/data/f"},
				Workdir: "/data",
				Env:     map[string]string{"B": "2", "A": "1"},
			},
		},
		Volumes:   []string{"/scratch"},
		Resources: &tes.Resources{CPUCores: 2, RAMGb: 4},
	}

	pod, err := k8s.BuildExecutorPod(task, 0, conf, k8s.SecurityContexts{})
	if err != nil {
		t.Fatal(err)
	}

	if pod.Name != "te-task-1-0" {
		t.Errorf("name = %s", pod.Name)
	}

	container := pod.Spec.Containers[0]
	if !cmp.SliceEq(container.Command, []string{"/bin/sh", "-c"}) {
		t.Errorf("command = %v", container.Command)
	}
	if !cmp.SliceEq(container.Args, []string{"/bin/cat /data/f"}) {
		t.Errorf("args = %v", container.Args)
	}
	if container.WorkingDir != "/data" {
		t.Errorf("workdir = %s", container.WorkingDir)
	}

	// env is sorted by name
	if len(container.Env) != 2 || container.Env[0].Name != "A" || container.Env[1].Name != "B" {
		t.Errorf("env = %v", container.Env)
	}

	// one mount per distinct first path component, then one per volume
	mountPaths := []string{}
	for _, m := range container.VolumeMounts {
		mountPaths = append(mountPaths, m.MountPath)
	}
	if !cmp.SliceEq(mountPaths, []string{"/data", "/out", "/scratch"}) {
		t.Errorf("mount paths = %v", mountPaths)
	}
	if sub := container.VolumeMounts[2].SubPath; sub != "volumes/0" {
		t.Errorf("volume subpath = %s", sub)
	}

	if cpu := container.Resources.Requests["cpu"]; cpu.String() != "2" {
		t.Errorf("cpu = %s", cpu.String())
	}
	if mem := container.Resources.Limits["memory"]; mem.String() != "4Gi" {
		t.Errorf("memory = %s", mem.String())
	}

	if pod.Labels["parent"] != "texam-task-1" {
		t.Errorf("labels = %v", pod.Labels)
	}
}
