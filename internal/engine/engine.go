// Package engine is the boundary to the container engine: image queries and
// pulls, container and network primitives, and exec into running containers.
//
// The production implementation shells out to the docker CLI, the same way
// the rest of drydock shells out to git.
package engine

import (
	"context"
	"io"
	"time"
)

// Labels applied to every container drydock creates. Orphan reaping matches
// on LabelManaged.
const (
	LabelManaged = "drydock.managed"
	LabelRun     = "drydock.run"
	LabelRepo    = "drydock.repo"
	LabelRole    = "drydock.role"
)

// Engine is the subset of container-engine operations drydock depends on.
type Engine interface {
	// Ping reports whether the engine is reachable.
	Ping(ctx context.Context) error

	ImageExists(ctx context.Context, ref string) (bool, error)
	// PullImage pulls ref, reporting each progress line as it arrives.
	PullImage(ctx context.Context, ref string, progress func(PullProgress)) error
	BuildImage(ctx context.Context, opts BuildOptions) error

	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string, internal bool) error
	ConnectNetwork(ctx context.Context, network, container string) error

	// RunContainer creates and starts a detached container and returns its id.
	RunContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	KillContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	// ContainerState returns the engine's state string ("running",
	// "exited", ...) or "" when the container does not exist.
	ContainerState(ctx context.Context, name string) (string, error)
	ListContainers(ctx context.Context, labelFilter string) ([]Container, error)
	CopyTo(ctx context.Context, container, hostPath, containerPath string) error

	// Exec starts a command inside a running container.
	Exec(ctx context.Context, spec ExecSpec) (Process, error)
	// ExecOutput runs a command inside a container to completion.
	ExecOutput(ctx context.Context, spec ExecSpec) ([]byte, error)
}

// Mount is a bind mount from host to container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to run.
type ContainerSpec struct {
	Name       string
	Image      string
	Labels     map[string]string
	Env        []string
	Mounts     []Mount
	CPUs       float64
	Memory     string
	Network    string
	ExtraHosts []string
	// Ports are docker publish specs ("127.0.0.1:3129:3129").
	Ports   []string
	User    string
	WorkDir string
	Cmd     []string
}

// ExecSpec describes a command to run inside a container.
type ExecSpec struct {
	Container   string
	User        string
	WorkDir     string
	Env         []string
	Cmd         []string
	Interactive bool
}

// BuildOptions describes an image build from a Dockerfile.
type BuildOptions struct {
	Tag        string
	Dockerfile string
	ContextDir string
	Progress   func(PullProgress)
}

// Container is a listed container.
type Container struct {
	Name   string
	RunID  string
	Role   string
	State  string
	Labels map[string]string
}

// PullProgress is one line of pull or build progress.
type PullProgress struct {
	Ref     string `json:"ref"`
	Layer   string `json:"layer,omitempty"`
	Status  string `json:"status"`
	Current int64  `json:"current,omitempty"`
	Total   int64  `json:"total,omitempty"`
}

// Process is a command running inside a container.
type Process interface {
	// Stdin is nil unless the exec was interactive.
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Wait blocks until the command exits. It must be called after
	// Stdout has been read to completion.
	Wait() error
	// Kill terminates the exec client. The command inside the container
	// keeps running until the container stops.
	Kill() error
}
