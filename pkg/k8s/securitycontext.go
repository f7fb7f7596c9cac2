package k8s

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	kubecore "k8s.io/api/core/v1"

	"github.com/jaeaeich/poiesis/pkg/config"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Security context files under config.SecurityContext.Path. YAML and JSON
// are both accepted (JSON parses as YAML).
const (
	infraPodContextFile        = "infrastructure_pod_security_context.json"
	infraContainerContextFile  = "infrastructure_container_security_context.json"
	executorPodContextFile     = "executor_pod_security_context.json"
	executorContainerContextFile = "executor_container_security_context.json"
)

type capabilitiesSpec struct {
	Add  []string `yaml:"add"`
	Drop []string `yaml:"drop"`
}

type containerContextSpec struct {
	RunAsUser                *int64            `yaml:"runAsUser"`
	RunAsGroup               *int64            `yaml:"runAsGroup"`
	RunAsNonRoot             *bool             `yaml:"runAsNonRoot"`
	Privileged               *bool             `yaml:"privileged"`
	AllowPrivilegeEscalation *bool             `yaml:"allowPrivilegeEscalation"`
	ReadOnlyRootFilesystem   *bool             `yaml:"readOnlyRootFilesystem"`
	Capabilities             *capabilitiesSpec `yaml:"capabilities"`
}

func (s containerContextSpec) toK8s() *kubecore.SecurityContext {
	ctx := &kubecore.SecurityContext{
		RunAsUser:                s.RunAsUser,
		RunAsGroup:               s.RunAsGroup,
		RunAsNonRoot:             s.RunAsNonRoot,
		Privileged:               s.Privileged,
		AllowPrivilegeEscalation: s.AllowPrivilegeEscalation,
		ReadOnlyRootFilesystem:   s.ReadOnlyRootFilesystem,
	}
	if s.Capabilities != nil {
		caps := &kubecore.Capabilities{}
		for _, c := range s.Capabilities.Add {
			caps.Add = append(caps.Add, kubecore.Capability(c))
		}
		for _, c := range s.Capabilities.Drop {
			caps.Drop = append(caps.Drop, kubecore.Capability(c))
		}
		ctx.Capabilities = caps
	}
	return ctx
}

type podContextSpec struct {
	RunAsUser    *int64 `yaml:"runAsUser"`
	RunAsGroup   *int64 `yaml:"runAsGroup"`
	FSGroup      *int64 `yaml:"fsGroup"`
	RunAsNonRoot *bool  `yaml:"runAsNonRoot"`
}

func (s podContextSpec) toK8s() *kubecore.PodSecurityContext {
	return &kubecore.PodSecurityContext{
		RunAsUser:    s.RunAsUser,
		RunAsGroup:   s.RunAsGroup,
		FSGroup:      s.FSGroup,
		RunAsNonRoot: s.RunAsNonRoot,
	}
}

// SecurityContexts holds the parsed contexts for the two workload classes.
// Nil fields mean "disabled"; the builders then leave the pod and
// container security context fields unset.
type SecurityContexts struct {
	InfraPod          *kubecore.PodSecurityContext
	InfraContainer    *kubecore.SecurityContext
	ExecutorPod       *kubecore.PodSecurityContext
	ExecutorContainer *kubecore.SecurityContext
}

func readContextFile[T any](dir, file string, into *T) error {
	raw, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return xe.WrapWithNote("reading security context "+file, err)
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return xe.WrapWithNote("parsing security context "+file, err)
	}
	return nil
}

// LoadSecurityContexts reads the context files for every enabled workload
// class. An enabled class with no readable file is an error; a disabled
// class is skipped entirely.
func LoadSecurityContexts(conf config.SecurityContext) (SecurityContexts, error) {
	sc := SecurityContexts{}
	if !conf.InfrastructureEnabled && !conf.ExecutorEnabled {
		return sc, nil
	}
	if conf.Path == "" {
		return sc, xe.New("security context path is not set")
	}

	if conf.InfrastructureEnabled {
		var pod podContextSpec
		if err := readContextFile(conf.Path, infraPodContextFile, &pod); err != nil {
			return sc, err
		}
		sc.InfraPod = pod.toK8s()

		var container containerContextSpec
		if err := readContextFile(conf.Path, infraContainerContextFile, &container); err != nil {
			return sc, err
		}
		sc.InfraContainer = container.toK8s()
	}

	if conf.ExecutorEnabled {
		var pod podContextSpec
		if err := readContextFile(conf.Path, executorPodContextFile, &pod); err != nil {
			return sc, err
		}
		sc.ExecutorPod = pod.toK8s()

		var container containerContextSpec
		if err := readContextFile(conf.Path, executorContainerContextFile, &container); err != nil {
			return sc, err
		}
		sc.ExecutorContainer = container.toK8s()
	}

	return sc, nil
}
