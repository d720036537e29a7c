package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/stream"
	"github.com/zpdzap/drydock/internal/telemetry"
	"github.com/zpdzap/drydock/internal/toolproxy"
)

type phase int

const (
	phaseSetup phase = iota
	phasePlan
	phaseExecute
	phaseDone
)

const planInstructions = "Do not modify any files. Study the repository and reply with a concise, numbered implementation plan for the following task.\n\nTask:\n"

// handle is the live state of one run. mu guards everything below it;
// saveMu serializes writes of the run record.
type handle struct {
	keys   []string
	cancel context.CancelFunc
	done   chan struct{}
	saveMu sync.Mutex

	mu          sync.Mutex
	run         Run
	processor   *stream.Processor
	phase       phase
	sandbox     *sandbox.Sandbox
	hasWorktree bool
	proc        engine.Process
	inputOpen   bool
	// pending counts user messages the agent has not answered with a
	// result yet.
	pending  int
	iterBase int
	queued   []string
	stopping bool
}

type outcome struct {
	state  State
	reason string
}

func (h *handle) id() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.ID
}

func (h *handle) snapshot() Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.clone()
}

func (h *handle) isStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *handle) sendLocked(d Driver, text string) error {
	if h.proc == nil || !h.inputOpen {
		return fmt.Errorf("%w: run %s is finishing", ErrRunNotInteractive, h.run.ID)
	}
	msg, err := d.UserMessage(text)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if _, err := h.proc.Stdin().Write(msg); err != nil {
		h.inputOpen = false
		return fmt.Errorf("%w: writing to agent: %v", ErrRunNotInteractive, err)
	}
	h.pending++
	return nil
}

func (h *handle) closeInputLocked() {
	if h.inputOpen && h.proc != nil {
		h.proc.Stdin().Close()
	}
	h.inputOpen = false
}

func (h *handle) applyLocked(ev stream.Event, at time.Time) (stream.Record, stream.Update, error) {
	u := h.processor.Apply(ev)
	h.run.PRURLs = append(h.run.PRURLs, u.NewPRURLs...)
	h.run.LastSeq++
	rec, err := stream.Encode(h.run.LastSeq, at, ev)
	if err != nil {
		return stream.Record{}, u, fmt.Errorf("encoding %s event: %w", ev.Kind(), err)
	}
	return rec, u, nil
}

func (m *Manager) drive(ctx context.Context, h *handle) {
	defer close(h.done)
	run := h.snapshot()
	ctx, span := telemetry.Start(ctx, m.tracer, "agent.run", "run_id", run.ID, "repo", run.Repo, "source", run.Source)

	out := m.lifecycle(ctx, h)
	m.teardown(h, out)

	var err error
	if out.state == StateFailed {
		err = errors.New(out.reason)
	}
	telemetry.End(span, err)
}

func (m *Manager) lifecycle(ctx context.Context, h *handle) outcome {
	run := h.snapshot()

	spec, err := m.cfg.Spec(run.Repo)
	if err != nil {
		return m.failure(h, fmt.Sprintf("provisioning: %v", err))
	}
	if h.isStopping() {
		return outcome{StateStopped, stopReason}
	}

	path, branch, err := m.workspaces.Create(run.Repo, run.ID, run.Branch, run.BaseBranch)
	if err != nil {
		return m.failure(h, fmt.Sprintf("provisioning: creating worktree: %v", err))
	}
	h.mu.Lock()
	h.hasWorktree = true
	h.run.Worktree = path
	h.run.Branch = branch
	h.mu.Unlock()

	token := m.sessions.OpenSession(run.ID, path)
	sb, err := m.prov.Provision(ctx, sandbox.Request{
		RunID:       run.ID,
		Repo:        run.Repo,
		Worktree:    path,
		Spec:        spec,
		BridgeToken: token,
		Tools:       m.cfg.Tools(ctx),
	})
	if err != nil {
		return m.failure(h, err.Error())
	}
	h.mu.Lock()
	h.sandbox = sb
	h.run.Container = sb.Container
	h.run.StartedAt = sb.StartedAt
	stopping := h.stopping
	h.mu.Unlock()
	if stopping {
		return outcome{StateStopped, stopReason}
	}
	m.sync(h)

	if run.PlanPhase {
		m.setState(h, StatePlanning)
		m.plan(ctx, h, sb)
		if h.isStopping() {
			return outcome{StateStopped, stopReason}
		}
	}
	m.setState(h, StateExecuting)
	return m.execute(ctx, h, sb)
}

func (m *Manager) failure(h *handle, reason string) outcome {
	if h.isStopping() {
		return outcome{StateStopped, stopReason}
	}
	m.logger.Warn("run failed", "run_id", h.id(), "reason", reason)
	return outcome{StateFailed, reason}
}

// plan runs the agent read-only and records what it wrote as the plan.
// Running out of time keeps the partial plan and moves on.
func (m *Manager) plan(ctx context.Context, h *handle, sb *sandbox.Sandbox) {
	h.mu.Lock()
	h.phase = phasePlan
	h.processor.MarkPhase()
	run := h.run.clone()
	h.mu.Unlock()

	timeout := m.cfg.Agent.PlanTimeout
	proc, err := m.launch(ctx, h, sb, Invocation{Model: run.Model, PlanMode: true}, planInstructions+run.Prompt)
	if err != nil {
		m.warn(h, fmt.Sprintf("plan phase could not start: %v", err))
		return
	}

	type result struct{ readErr, exitErr error }
	done := make(chan result, 1)
	go func() {
		readErr, exitErr := m.consume(h, proc)
		done <- result{readErr, exitErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var warning string
	select {
	case r := <-done:
		if r.readErr != nil {
			warning = fmt.Sprintf("plan phase stream ended early: %v", r.readErr)
		}
	case <-timer.C:
		warning = fmt.Sprintf("plan phase timed out after %s; executing with a partial plan", timeout)
		proc.Kill()
		<-done
		m.killPlanner(sb)
	case <-ctx.Done():
		proc.Kill()
		<-done
	}

	h.mu.Lock()
	h.run.Plan = strings.TrimSpace(h.processor.PhaseText())
	if last := h.processor.Facts().LastResult; warning == "" && last != nil && last.IsError {
		warning = "plan phase ended with an error: " + resultMessage(last)
	}
	h.mu.Unlock()
	if warning != "" {
		m.warn(h, warning)
	}
}

// killPlanner ends a plan-mode agent whose exec client was killed; the
// process itself keeps running inside the container otherwise.
func (m *Manager) killPlanner(sb *sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.engine.ExecOutput(ctx, engine.ExecSpec{
		Container: sb.Container,
		User:      sandbox.AgentUser,
		Cmd:       []string{"pkill", "-f", "permission-mode plan"},
	})
	if err != nil {
		m.logger.Debug("killing plan-mode agent", "container", sb.Container, "error", err)
	}
}

func (m *Manager) warn(h *handle, warning string) {
	h.mu.Lock()
	h.run.Warning = warning
	h.mu.Unlock()
	m.logger.Warn("run warning", "run_id", h.id(), "warning", warning)
	m.sync(h)
}

func (m *Manager) execute(ctx context.Context, h *handle, sb *sandbox.Sandbox) outcome {
	h.mu.Lock()
	h.phase = phaseExecute
	h.processor.MarkPhase()
	h.iterBase = h.processor.Facts().Iterations
	run := h.run.clone()
	h.mu.Unlock()

	proc, err := m.launch(ctx, h, sb, Invocation{Model: run.Model}, executionPrompt(run))
	if err != nil {
		h.mu.Lock()
		h.phase = phaseDone
		h.mu.Unlock()
		return m.failure(h, fmt.Sprintf("starting agent: %v", err))
	}
	readErr, exitErr := m.consume(h, proc)
	return m.verdict(h, readErr, exitErr)
}

// launch starts the agent and writes its first message, followed by any
// nudges queued before execution began.
func (m *Manager) launch(ctx context.Context, h *handle, sb *sandbox.Sandbox, inv Invocation, prompt string) (engine.Process, error) {
	proc, err := m.engine.Exec(ctx, engine.ExecSpec{
		Container:   sb.Container,
		User:        sandbox.AgentUser,
		WorkDir:     toolproxy.ContainerWorkspace,
		Cmd:         m.driver.Command(inv),
		Interactive: true,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		proc.Kill()
		return nil, errors.New(stopReason)
	}
	h.proc = proc
	h.inputOpen = true
	h.pending = 0
	if err := h.sendLocked(m.driver, prompt); err != nil {
		h.proc = nil
		proc.Kill()
		return nil, err
	}
	if h.phase == phaseExecute {
		for _, text := range h.queued {
			if err := h.sendLocked(m.driver, text); err != nil {
				m.logger.Warn("delivering queued nudge", "run_id", h.run.ID, "error", err)
			}
		}
		h.queued = nil
	}
	return proc, nil
}

// consume reads the agent's stream until it exits.
func (m *Manager) consume(h *handle, proc engine.Process) (readErr, exitErr error) {
	logger := m.logger.With("run_id", h.id())
	readErr = stream.Read(proc.Stdout(), logger, func(_ []byte, events []stream.Event) {
		for _, ev := range events {
			m.record(h, ev)
		}
	})
	if readErr != nil {
		proc.Kill()
	}
	exitErr = proc.Wait()

	h.mu.Lock()
	u := h.processor.Flush()
	h.run.PRURLs = append(h.run.PRURLs, u.NewPRURLs...)
	h.closeInputLocked()
	h.proc = nil
	h.mu.Unlock()
	if len(u.NewPRURLs) > 0 {
		m.publishStatus(m.sync(h))
	}
	return readErr, exitErr
}

func (m *Manager) record(h *handle, ev stream.Event) {
	at := time.Now().UTC()
	h.mu.Lock()
	rec, u, err := h.applyLocked(ev, at)
	m.advanceLocked(h, u)
	h.mu.Unlock()
	if err != nil {
		m.logger.Warn("dropping event", "run_id", h.id(), "error", err)
		return
	}
	m.persistEvent(h, rec, u)
}

// advanceLocked decides what the agent hears next after an event: another
// loop prompt, nothing yet, or end of input.
func (m *Manager) advanceLocked(h *handle, u stream.Update) {
	if !u.IterationDone && !u.MarkerSeen {
		return
	}
	if u.IterationDone && h.pending > 0 {
		h.pending--
	}

	switch h.phase {
	case phasePlan:
		if h.pending == 0 {
			h.closeInputLocked()
		}
	case phaseExecute:
		facts := h.processor.Facts()
		h.run.Iterations = facts.Iterations - h.iterBase
		if h.run.Loop && facts.MarkerSeen {
			h.closeInputLocked()
			return
		}
		if !u.IterationDone || h.pending > 0 || !h.inputOpen {
			return
		}
		if h.run.Loop && h.run.Iterations < h.run.MaxIterations {
			if err := h.sendLocked(m.driver, continuePrompt(h.run.CompletionMarker)); err == nil {
				return
			}
		}
		h.closeInputLocked()
	}
}

func (m *Manager) verdict(h *handle, readErr, exitErr error) outcome {
	h.mu.Lock()
	h.phase = phaseDone
	if h.stopping {
		h.mu.Unlock()
		return outcome{StateStopped, stopReason}
	}
	facts := h.processor.Facts()
	h.run.Iterations = facts.Iterations - h.iterBase
	run := h.run.clone()
	h.mu.Unlock()

	switch {
	case readErr != nil:
		return m.failure(h, fmt.Sprintf("reading agent stream: %v", readErr))
	case facts.LastResult == nil && exitErr != nil:
		return m.failure(h, fmt.Sprintf("agent exited: %v", exitErr))
	case facts.LastResult == nil:
		return m.failure(h, "agent exited without a result")
	case facts.LastResult.IsError:
		return m.failure(h, "agent reported an error: "+resultMessage(facts.LastResult))
	}

	reason := "agent finished"
	if run.Loop {
		switch {
		case facts.MarkerSeen:
			reason = fmt.Sprintf("completion marker seen after %d iterations", run.Iterations)
		case run.Iterations >= run.MaxIterations:
			reason = fmt.Sprintf("iteration limit reached (%d)", run.MaxIterations)
		}
	}
	if url := run.LatestPRURL(); url != "" {
		return outcome{StateReadyForReview, reason + "; pull request " + url}
	}
	return outcome{StateCompleted, reason}
}

// teardown releases everything bound to the run and records its terminal
// state. The branch is kept; only the worktree checkout is removed.
func (m *Manager) teardown(h *handle, out outcome) {
	grace := m.cfg.Agent.StopGrace
	ctx, cancel := context.WithTimeout(context.Background(), grace+m.padding)
	defer cancel()

	h.mu.Lock()
	id := h.run.ID
	repo := h.run.Repo
	sb := h.sandbox
	hasWorktree := h.hasWorktree
	h.mu.Unlock()

	m.sessions.CancelSession(id)
	if sb != nil {
		if err := m.prov.Stop(ctx, sb, grace); err != nil {
			m.logger.Warn("stopping sandbox", "run_id", id, "container", sb.Container, "error", err)
		}
	}
	if hasWorktree {
		if err := m.workspaces.Remove(repo, id); err != nil {
			m.logger.Warn("removing worktree", "run_id", id, "error", err)
		}
	}

	h.mu.Lock()
	if !h.run.State.Terminal() {
		h.run.State = out.state
		h.run.Reason = out.reason
	}
	h.run.Container = ""
	if h.run.EndedAt.IsZero() {
		h.run.EndedAt = time.Now().UTC()
	}
	h.sandbox = nil
	h.mu.Unlock()

	run := m.sync(h)
	m.publishStatus(run)
	if archiver, ok := m.store.(Archiver); ok {
		if err := archiver.ArchiveRun(ctx, id); err != nil {
			m.logger.Warn("archiving run", "run_id", id, "error", err)
		}
	}
	m.forget(h)
	m.logger.Info("run finished", "run_id", id, "state", run.State, "reason", run.Reason, "iterations", run.Iterations)
}

func executionPrompt(run Run) string {
	var b strings.Builder
	b.WriteString(run.Prompt)
	if run.Plan != "" {
		b.WriteString("\n\nFollow this plan:\n")
		b.WriteString(run.Plan)
	}
	if run.Loop && run.CompletionMarker != "" {
		fmt.Fprintf(&b, "\n\nWhen the task is fully complete, reply with %s on its own line.", run.CompletionMarker)
	}
	return b.String()
}

func continuePrompt(marker string) string {
	if marker == "" {
		return "Continue with the task."
	}
	return fmt.Sprintf("Continue with the task. When it is fully complete, reply with %s on its own line.", marker)
}

func resultMessage(r *stream.Result) string {
	if text := strings.TrimSpace(r.Text); text != "" {
		return text
	}
	if r.Subtype != "" {
		return r.Subtype
	}
	return "unknown error"
}
