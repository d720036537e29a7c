// Package sandbox turns a resolved Spec into a running, isolated container
// and tears it down again. It owns image availability, shared cache mounts,
// credential forwarding, network isolation through the shared egress proxy,
// and reaping of containers left behind by a crashed engine.
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrImageNotInstalled = errors.New("image not installed")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrInvalidLimits     = errors.New("invalid resource limits")
	ErrPullInFlight      = errors.New("an image pull or build is already in progress")
)

// ProvisionError is returned when a container could not be started. The
// run that requested it never leaves spawning.
type ProvisionError struct {
	Image string
	Err   error
}

func (e *ProvisionError) Error() string {
	if e.Image != "" && errors.Is(e.Err, ErrImageNotInstalled) {
		return fmt.Sprintf("provisioning: image %s is not installed; pull it first", e.Image)
	}
	return fmt.Sprintf("provisioning: %v", e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Status represents the current state of a sandbox container.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Sandbox is a started container bound to exactly one run.
type Sandbox struct {
	RunID       string    `json:"run_id"`
	Container   string    `json:"container"`
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	Worktree    string    `json:"worktree"`
	Isolated    bool      `json:"isolated"`
	StartedAt   time.Time `json:"started_at"`
}

// ContainerName is the engine name of the container for a run.
func ContainerName(runID string) string {
	return "drydock-" + runID
}

func dockerToStatus(dockerStatus string) Status {
	switch dockerStatus {
	case "running":
		return StatusRunning
	case "exited", "dead":
		return StatusStopped
	case "created", "restarting":
		return StatusCreating
	case "":
		return StatusStopped
	default:
		return StatusError
	}
}
