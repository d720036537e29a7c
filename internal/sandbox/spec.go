package sandbox

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/zpdzap/drydock/internal/config"
)

// Spec is the resolved container configuration for one run. It is derived
// once at spawn time and never changes afterwards.
type Spec struct {
	Image            string              `json:"image"`
	CPUs             float64             `json:"cpus"`
	Memory           string              `json:"memory"`
	Parallelism      int                 `json:"parallelism"`
	SSHAgent         bool                `json:"ssh_agent"`
	DockerSocket     bool                `json:"docker_socket"`
	NetworkIsolation bool                `json:"network_isolation"`
	AllowedHosts     []string            `json:"allowed_hosts"`
	Caches           []config.CacheMount `json:"caches"`
	ParallelismEnv   []string            `json:"parallelism_env"`
	Env              map[string]string   `json:"env"`
	Mounts           []string            `json:"mounts"`
}

// Resolve derives a Spec from global defaults, optional repository
// overrides and the repository's detected toolchain.
func Resolve(defaults config.SandboxDefaults, repo *config.RepoConfig, det config.Detection) (Spec, error) {
	spec := Spec{
		Image:            defaults.Image,
		CPUs:             defaults.CPUs,
		Memory:           defaults.Memory,
		Parallelism:      defaults.Parallelism,
		SSHAgent:         defaults.SSHAgent,
		DockerSocket:     defaults.DockerSocket,
		NetworkIsolation: defaults.NetworkIsolation,
		AllowedHosts:     slices.Clone(defaults.AllowedHosts),
		Env:              maps.Clone(defaults.Env),
		Mounts:           slices.Clone(defaults.Mounts),
		ParallelismEnv:   slices.Clone(det.ParallelismEnv),
	}
	if defaults.Caches {
		spec.Caches = slices.Clone(det.Caches)
	}
	if spec.Env == nil {
		spec.Env = make(map[string]string)
	}

	if repo != nil {
		if repo.Image.Ref != "" {
			spec.Image = repo.Image.Ref
		}
		o := repo.Sandbox
		if o.CPUs != nil {
			spec.CPUs = *o.CPUs
		}
		if o.Memory != "" {
			spec.Memory = o.Memory
		}
		if o.Parallelism != nil {
			spec.Parallelism = *o.Parallelism
		}
		if o.SSHAgent != nil {
			spec.SSHAgent = *o.SSHAgent
		}
		if o.DockerSocket != nil {
			spec.DockerSocket = *o.DockerSocket
		}
		if o.NetworkIsolation != nil {
			spec.NetworkIsolation = *o.NetworkIsolation
		}
		if len(o.AllowedHosts) > 0 {
			spec.AllowedHosts = slices.Clone(o.AllowedHosts)
		}
		for k, v := range o.Env {
			spec.Env[k] = v
		}
		spec.Mounts = append(spec.Mounts, o.Mounts...)
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks the resource limits.
func (s Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("%w: no image configured", ErrInvalidLimits)
	}
	if s.CPUs < 0 {
		return fmt.Errorf("%w: cpus must not be negative, got %v", ErrInvalidLimits, s.CPUs)
	}
	if s.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must not be negative, got %d", ErrInvalidLimits, s.Parallelism)
	}
	if s.Memory != "" {
		if _, err := config.ParseMemory(s.Memory); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLimits, err)
		}
	}
	return nil
}

// parallelismEnv caps the toolchain's worker threads so that many
// sandboxes on one host do not oversubscribe it.
func (s Spec) parallelismEnv() []string {
	if s.Parallelism <= 0 {
		return nil
	}
	n := strconv.Itoa(s.Parallelism)
	env := make([]string, 0, len(s.ParallelismEnv)+1)
	env = append(env, "DRYDOCK_PARALLELISM="+n)
	for _, name := range s.ParallelismEnv {
		env = append(env, name+"="+n)
	}
	return env
}
