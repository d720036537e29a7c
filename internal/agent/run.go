// Package agent runs headless coding agents in sandboxes. A Manager owns
// the lifecycle of every run: it provisions the sandbox, drives the
// optional plan phase and the execution phase, folds the agent's event
// stream into run state, and tears everything down when the run ends.
package agent

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/stream"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunNotInteractive = errors.New("run is not interactive")
	ErrRunInFlight       = errors.New("another run holds this single-flight key")
	ErrInvalidRequest    = errors.New("invalid run request")
)

// State is a run's lifecycle state.
type State string

const (
	StateSpawning       State = "spawning"
	StatePlanning       State = "planning"
	StateExecuting      State = "executing"
	StateCompleted      State = "completed"
	StateReadyForReview State = "ready_for_review"
	StateFailed         State = "failed"
	StateStopped        State = "stopped"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateReadyForReview, StateFailed, StateStopped:
		return true
	}
	return false
}

// Succeeded reports whether the run ended without failure or stop.
func (s State) Succeeded() bool {
	return s == StateCompleted || s == StateReadyForReview
}

// Request asks for a new run.
type Request struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	// PlanPhase overrides the configured default when set.
	PlanPhase *bool `json:"plan_phase,omitempty"`
	// Loop keeps prompting the agent until it emits the completion marker
	// or MaxIterations is reached.
	Loop             bool   `json:"loop,omitempty"`
	MaxIterations    int    `json:"max_iterations,omitempty"`
	CompletionMarker string `json:"completion_marker,omitempty"`
	ParentID         string `json:"parent_id,omitempty"`
	// SingleFlightKey rejects the request while another run holds the key.
	SingleFlightKey string `json:"single_flight_key,omitempty"`
	Source          string `json:"source,omitempty"`
}

// Run is the persisted record of one agent execution.
type Run struct {
	ID               string    `json:"id"`
	Repo             string    `json:"repo"`
	Branch           string    `json:"branch"`
	// BaseBranch is set when Branch was forked off a branch another run
	// had checked out.
	BaseBranch       string    `json:"base_branch,omitempty"`
	Prompt           string    `json:"prompt"`
	Model            string    `json:"model"`
	ParentID         string    `json:"parent_id,omitempty"`
	Source           string    `json:"source"`
	PlanPhase        bool      `json:"plan_phase"`
	Loop             bool      `json:"loop"`
	MaxIterations    int       `json:"max_iterations"`
	CompletionMarker string    `json:"completion_marker,omitempty"`
	State            State     `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	Warning          string    `json:"warning,omitempty"`
	Plan             string    `json:"plan,omitempty"`
	PRURLs           []string  `json:"pr_urls,omitempty"`
	Iterations       int       `json:"iterations"`
	Container        string    `json:"container,omitempty"`
	Worktree         string    `json:"worktree,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
	LastSeq          int64     `json:"last_seq"`
}

// LatestPRURL is the most recently first-seen pull request link.
func (r Run) LatestPRURL() string {
	if len(r.PRURLs) == 0 {
		return ""
	}
	return r.PRURLs[len(r.PRURLs)-1]
}

func (r Run) clone() Run {
	r.PRURLs = slices.Clone(r.PRURLs)
	return r
}

// Snapshot is a point-in-time view of a run and its events.
type Snapshot struct {
	Run     Run             `json:"run"`
	Events  []stream.Record `json:"events"`
	// Sandbox is the container state of a live run.
	Sandbox sandbox.Status  `json:"sandbox,omitempty"`
}

// Store persists runs and their event streams.
type Store interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	AppendEvent(ctx context.Context, runID string, rec stream.Record) error
	Events(ctx context.Context, runID string) ([]stream.Record, error)
}

// Archiver is implemented by stores that keep compressed transcripts of
// finished runs.
type Archiver interface {
	ArchiveRun(ctx context.Context, runID string) error
}
