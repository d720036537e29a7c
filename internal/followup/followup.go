// Package followup starts runs that continue the work of a finished run.
// Everything it needs is read from the persisted run and its event
// history, so a follow-up works long after the parent's sandbox is gone.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/stream"
)

// ErrParentActive is returned for a parent run that has not finished.
var ErrParentActive = errors.New("parent run has not finished")

// maxReplyChars bounds how much of the parent's final reply is carried
// into the follow-up prompt.
const maxReplyChars = 2000

// Runs is the part of the lifecycle manager the coordinator needs.
type Runs interface {
	Get(ctx context.Context, id string) (agent.Run, error)
	Start(ctx context.Context, req agent.Request) (string, error)
}

// History reads a run's persisted events.
type History interface {
	Events(ctx context.Context, runID string) ([]stream.Record, error)
}

// Request asks for a follow-up of ParentID.
type Request struct {
	ParentID string `json:"-"`
	Prompt   string `json:"prompt"`
	// Model and PlanPhase override the parent's values when set.
	Model     string `json:"model,omitempty"`
	PlanPhase *bool  `json:"plan_phase,omitempty"`
}

type Coordinator struct {
	runs    Runs
	history History
	logger  *slog.Logger
}

func New(runs Runs, history History, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Coordinator{runs: runs, history: history, logger: logger}
}

// Build turns req into a run request on the parent's repository and
// branch.
func (c *Coordinator) Build(ctx context.Context, req Request) (agent.Request, error) {
	text := strings.TrimSpace(req.Prompt)
	if text == "" {
		return agent.Request{}, fmt.Errorf("%w: follow-up prompt is required", agent.ErrInvalidRequest)
	}
	parent, err := c.runs.Get(ctx, req.ParentID)
	if err != nil {
		return agent.Request{}, err
	}
	if !parent.State.Terminal() {
		return agent.Request{}, fmt.Errorf("%w: run %s is %s", ErrParentActive, parent.ID, parent.State)
	}
	records, err := c.history.Events(ctx, parent.ID)
	if err != nil {
		return agent.Request{}, fmt.Errorf("loading history of %s: %w", parent.ID, err)
	}
	reply, prs := summarize(c.logger, records)
	if len(prs) == 0 {
		prs = parent.PRURLs
	}

	model := req.Model
	if model == "" {
		model = parent.Model
	}
	plan := parent.PlanPhase
	if req.PlanPhase != nil {
		plan = *req.PlanPhase
	}
	return agent.Request{
		Repo:      parent.Repo,
		Branch:    parent.Branch,
		Prompt:    prompt(text, parent, reply, stream.LatestPRURL(prs)),
		Model:     model,
		PlanPhase: &plan,
		ParentID:  parent.ID,
		Source:    "followup",
	}, nil
}

// Start builds the follow-up and hands it to the lifecycle manager.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, error) {
	runReq, err := c.Build(ctx, req)
	if err != nil {
		return "", err
	}
	id, err := c.runs.Start(ctx, runReq)
	if err != nil {
		return "", err
	}
	c.logger.Info("follow-up started", "run_id", id, "parent_id", req.ParentID, "branch", runReq.Branch)
	return id, nil
}

// summarize returns the parent's last result text and every PR link in
// its history. Records that no longer decode are skipped.
func summarize(logger *slog.Logger, records []stream.Record) (string, []string) {
	events := make([]stream.Event, 0, len(records))
	var reply string
	for _, rec := range records {
		ev, err := rec.Decode()
		if err != nil {
			logger.Warn("skipping undecodable event", "seq", rec.Seq, "error", err)
			continue
		}
		events = append(events, ev)
		if result, ok := ev.(stream.Result); ok && strings.TrimSpace(result.Text) != "" {
			reply = strings.TrimSpace(result.Text)
		}
	}
	if len(reply) > maxReplyChars {
		cut := len(reply) - maxReplyChars
		for cut < len(reply) && !utf8.RuneStart(reply[cut]) {
			cut++
		}
		reply = "..." + reply[cut:]
	}
	return reply, stream.ExtractPRURLs(events)
}

func prompt(text string, parent agent.Run, reply, pr string) string {
	var b strings.Builder
	b.WriteString(text)
	fmt.Fprintf(&b, "\n\nThis continues earlier work on branch %s.", parent.Branch)
	b.WriteString("\n\nThe earlier task was:\n")
	b.WriteString(parent.Prompt)
	if pr != "" {
		fmt.Fprintf(&b, "\n\nIts pull request is %s. Push further commits to the same branch.", pr)
	}
	if reply != "" {
		b.WriteString("\n\nThe earlier run ended with:\n")
		b.WriteString(reply)
	}
	return b.String()
}
