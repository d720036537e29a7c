package cron

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrJobNotFound     = errors.New("cron job not found")
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrJobRunning      = errors.New("job is already running")
)

// Status is the overall result of a job run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Trigger says what started a job run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Node is one step of a workflow: a single agent run. A node starts once
// every node it depends on has succeeded.
type Node struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Repo overrides the job's repository for this step.
	Repo          string `json:"repo,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Model         string `json:"model,omitempty"`
	PlanPhase     *bool  `json:"plan_phase,omitempty"`
	Loop          bool   `json:"loop,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Workflow is a dependency graph of steps.
type Workflow struct {
	Nodes []Node `json:"nodes"`
}

// Job is a scheduled workflow.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Repo      string    `json:"repo"`
	Workflow  Workflow  `json:"workflow"`
	Enabled   bool      `json:"enabled"`
	LastError string    `json:"last_error,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeResult is what one step produced.
type NodeResult struct {
	NodeID    string    `json:"node_id"`
	RunID     string    `json:"run_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	PRURL     string    `json:"pr_url,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Succeeded reports whether the step finished without error.
func (r NodeResult) Succeeded() bool { return r.Error == "" && r.RunID != "" }

// JobRun is one execution of a job. It is not modified after EndedAt is
// set.
type JobRun struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Trigger   Trigger      `json:"trigger"`
	Status    Status       `json:"status"`
	Error     string       `json:"error,omitempty"`
	Nodes     []NodeResult `json:"nodes"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
}

// Validate checks that the graph has uniquely named steps, known
// dependencies and no cycles.
func (w Workflow) Validate() error {
	_, err := w.levels()
	return err
}

// levels groups steps so that every step comes after all of its
// dependencies. Steps within a level may run concurrently.
func (w Workflow) levels() ([][]Node, error) {
	if len(w.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidWorkflow)
	}
	byID := make(map[string]Node, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: step without id", ErrInvalidWorkflow)
		}
		if strings.TrimSpace(n.Prompt) == "" {
			return nil, fmt.Errorf("%w: step %q has no prompt", ErrInvalidWorkflow, n.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step %q", ErrInvalidWorkflow, n.ID)
		}
		byID[n.ID] = n
	}

	indegree := make(map[string]int, len(w.Nodes))
	dependents := make(map[string][]string)
	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, fmt.Errorf("%w: step %q depends on itself", ErrInvalidWorkflow, n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidWorkflow, n.ID, dep)
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var out [][]Node
	var ready []string
	for _, n := range w.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	placed := 0
	for len(ready) > 0 {
		level := make([]Node, 0, len(ready))
		var next []string
		for _, id := range ready {
			level = append(level, byID[id])
			for _, d := range dependents[id] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		placed += len(level)
		out = append(out, level)
		slices.Sort(next)
		ready = next
	}
	if placed != len(w.Nodes) {
		return nil, fmt.Errorf("%w: dependency cycle", ErrInvalidWorkflow)
	}
	return out, nil
}

// Summarize derives the overall status from step results: success when
// no step failed, partial when some but not all failed, failed when no
// step succeeded.
func Summarize(results []NodeResult) Status {
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case succeeded == 0:
		return StatusFailed
	case failed == 0:
		return StatusSuccess
	default:
		return StatusPartial
	}
}

// failureSummary lists the steps that failed and why.
func failureSummary(results []NodeResult) string {
	var failed []string
	for _, r := range results {
		if !r.Succeeded() {
			failed = append(failed, r.NodeID+": "+r.Error)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d steps failed: %s", len(failed), len(results), strings.Join(failed, "; "))
}
