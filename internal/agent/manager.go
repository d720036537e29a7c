package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/stream"
	"github.com/zpdzap/drydock/internal/telemetry"
	"github.com/zpdzap/drydock/internal/worktree"
)

const (
	// teardownPadding is added to the stop grace for everything besides the
	// container stop itself: session cancel, worktree removal, persistence.
	teardownPadding = 15 * time.Second
	stopReason      = "stopped by operator"
)

// Provisioner starts and stops the sandbox bound to a run.
type Provisioner interface {
	Provision(ctx context.Context, req sandbox.Request) (*sandbox.Sandbox, error)
	Stop(ctx context.Context, sb *sandbox.Sandbox, grace time.Duration) error
}

// Inspector is implemented by provisioners that can report the container
// state behind a live run.
type Inspector interface {
	Inspect(ctx context.Context, runID string) sandbox.Status
}

// Sessions issues and revokes tool bridge credentials.
type Sessions interface {
	OpenSession(runID, worktree string) string
	CancelSession(runID string)
}

// Workspaces checks out the working copy a run's sandbox mounts.
type Workspaces interface {
	Validate(dir string) (string, error)
	// Create checks out branch, creating it from base when it is missing.
	Create(repo, runID, branch, base string) (path, branchName string, err error)
	Remove(repo, runID string) error
}

// Config carries the manager's collaborators that are not interfaces.
type Config struct {
	Agent config.AgentDefaults
	// Spec resolves the sandbox spec for a repository when a run starts.
	Spec func(repo string) (sandbox.Spec, error)
	// Tools lists the proxied tool ids to install shims for.
	Tools func(ctx context.Context) []string
	// Driver defaults to Claude with Agent.Binary.
	Driver Driver

	Publisher      notify.Publisher
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Manager owns every run's state machine. Runs proceed independently;
// the manager's own lock only guards the run index.
type Manager struct {
	engine     engine.Engine
	prov       Provisioner
	sessions   Sessions
	workspaces Workspaces
	store      Store
	cfg        Config
	driver     Driver
	publisher  notify.Publisher
	logger     *slog.Logger
	tracer     trace.Tracer

	padding  time.Duration
	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*handle
	flights map[string]string
}

func NewManager(eng engine.Engine, prov Provisioner, sessions Sessions, workspaces Workspaces, store Store, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Discard{}
	}
	if cfg.Driver == nil {
		cfg.Driver = Claude{Binary: cfg.Agent.Binary}
	}
	if cfg.Tools == nil {
		cfg.Tools = func(context.Context) []string { return nil }
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:     eng,
		prov:       prov,
		sessions:   sessions,
		workspaces: workspaces,
		store:      store,
		cfg:        cfg,
		driver:     cfg.Driver,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		tracer:     telemetry.Tracer(cfg.TracerProvider),
		padding:    teardownPadding,
		base:       base,
		shutdown:   cancel,
		active:     make(map[string]*handle),
		flights:    make(map[string]string),
	}
}

// Start validates req, records the run in spawning and returns its id.
// Everything after that happens in the background.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	run, err := m.prepare(req)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	keys, err := m.claim(&run, req.SingleFlightKey)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	runCtx, cancel := context.WithCancel(m.base)
	h := &handle{
		run:       run,
		keys:      keys,
		cancel:    cancel,
		done:      make(chan struct{}),
		processor: stream.NewProcessor(run.CompletionMarker),
	}
	m.active[run.ID] = h
	m.mu.Unlock()

	if err := m.store.SaveRun(ctx, run); err != nil {
		m.forget(h)
		cancel()
		return "", fmt.Errorf("saving run: %w", err)
	}
	m.publishStatus(run)
	m.logger.Info("run started", "run_id", run.ID, "repo", run.Repo, "branch", run.Branch, "source", run.Source)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drive(runCtx, h)
	}()
	return run.ID, nil
}

func (m *Manager) prepare(req Request) (Run, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Run{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if req.Repo == "" {
		return Run{}, fmt.Errorf("%w: repository is required", ErrInvalidRequest)
	}
	root, err := m.workspaces.Validate(req.Repo)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	d := m.cfg.Agent
	run := Run{
		ID:               uuid.NewString(),
		Repo:             root,
		Branch:           req.Branch,
		Prompt:           req.Prompt,
		Model:            req.Model,
		ParentID:         req.ParentID,
		Source:           req.Source,
		PlanPhase:        d.PlanPhase,
		Loop:             req.Loop,
		MaxIterations:    req.MaxIterations,
		CompletionMarker: req.CompletionMarker,
		State:            StateSpawning,
		CreatedAt:        time.Now().UTC(),
	}
	if run.Model == "" {
		run.Model = d.Model
	}
	if req.PlanPhase != nil {
		run.PlanPhase = *req.PlanPhase
	}
	if run.MaxIterations == 0 {
		run.MaxIterations = d.MaxIterations
	}
	if run.MaxIterations < config.MinMaxIterations || run.MaxIterations > config.MaxMaxIterations {
		return Run{}, fmt.Errorf("%w: max iterations must be between %d and %d", ErrInvalidRequest, config.MinMaxIterations, config.MaxMaxIterations)
	}
	if run.CompletionMarker == "" {
		run.CompletionMarker = d.CompletionMarker
	}
	if run.Source == "" {
		run.Source = "user"
	}
	if run.Branch == "" {
		run.Branch = worktree.DefaultBranch(run.ID)
	}
	return run, nil
}

// claim takes the single-flight keys for run: the caller's key, if any, and
// the key of the branch the run checks out. A busy branch rejects the run
// when branches are serialized; otherwise the run forks its own branch off
// it. m.mu must be held.
func (m *Manager) claim(run *Run, callerKey string) ([]string, error) {
	var keys []string
	if callerKey != "" {
		if other, busy := m.flights[callerKey]; busy {
			return nil, fmt.Errorf("%w: %s (run %s)", ErrRunInFlight, callerKey, other)
		}
		keys = append(keys, callerKey)
	}

	key := branchKey(run.Repo, run.Branch)
	if other, busy := m.flights[key]; busy {
		if m.cfg.Agent.SerializeBranches {
			return nil, fmt.Errorf("%w: branch %s (run %s)", ErrRunInFlight, run.Branch, other)
		}
		run.BaseBranch = run.Branch
		run.Branch = worktree.ForkBranch(run.Branch, run.ID)
		key = branchKey(run.Repo, run.Branch)
	}
	keys = append(keys, key)

	for _, k := range keys {
		m.flights[k] = run.ID
	}
	return keys, nil
}

func branchKey(repo, branch string) string {
	return repo + "#" + branch
}

// Stop cancels a run and waits for it to reach stopped. It is idempotent:
// stopping a finished run is a no-op. If teardown does not finish within
// the grace period the run is marked stopped and its container killed.
func (m *Manager) Stop(ctx context.Context, id string) error {
	h := m.lookup(id)
	if h == nil {
		_, ok, err := m.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil
	}

	h.mu.Lock()
	first := !h.stopping
	h.stopping = true
	proc := h.proc
	h.mu.Unlock()

	if first {
		m.logger.Info("stopping run", "run_id", id)
		m.sessions.CancelSession(id)
		h.cancel()
		if proc != nil {
			proc.Kill()
		}
	}

	timer := time.NewTimer(m.cfg.Agent.StopGrace + m.padding)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	m.forceStop(h)
	return nil
}

func (m *Manager) forceStop(h *handle) {
	h.mu.Lock()
	if !h.run.State.Terminal() {
		h.run.State = StateStopped
		h.run.Reason = stopReason + " (forced after grace period)"
		h.run.Container = ""
		h.run.EndedAt = time.Now().UTC()
	}
	sb := h.sandbox
	h.mu.Unlock()

	m.logger.Warn("run did not stop within grace period, killing container", "run_id", h.id())
	if sb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.padding)
		defer cancel()
		if err := m.engine.KillContainer(ctx, sb.Container); err != nil {
			m.logger.Warn("force kill failed", "run_id", h.id(), "container", sb.Container, "error", err)
		}
	}
	m.publishStatus(m.sync(h))
	m.forget(h)
}

// Nudge sends text into a live session. Nudges sent before execution
// starts are delivered right after the execution prompt.
func (m *Manager) Nudge(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: nudge text is required", ErrInvalidRequest)
	}
	h := m.lookup(id)
	if h == nil {
		run, ok, err := m.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return fmt.Errorf("%w: run %s is %s", ErrRunNotInteractive, id, run.State)
	}

	at := time.Now().UTC()
	h.mu.Lock()
	if h.stopping || h.run.State.Terminal() || h.phase == phaseDone {
		state := h.run.State
		h.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", ErrRunNotInteractive, id, state)
	}
	if h.phase == phaseExecute && h.proc != nil {
		if err := h.sendLocked(m.driver, text); err != nil {
			h.mu.Unlock()
			return err
		}
	} else {
		h.queued = append(h.queued, text)
	}
	ev := stream.Nudge{Text: text, At: at}
	rec, u, err := h.applyLocked(ev, at)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("nudge sent", "run_id", id)
	m.persistEvent(h, rec, u)
	return nil
}

// Get returns the current run record.
func (m *Manager) Get(ctx context.Context, id string) (Run, error) {
	if h := m.lookup(id); h != nil {
		return h.snapshot(), nil
	}
	run, ok, err := m.store.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// Status returns the run and the events persisted so far without waiting
// on the run.
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	run, err := m.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := m.store.Events(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading events: %w", err)
	}
	snap := Snapshot{Run: run, Events: events}
	if h := m.lookup(id); h != nil {
		snap.Sandbox = m.sandboxStatus(ctx, h)
	}
	return snap, nil
}

func (m *Manager) sandboxStatus(ctx context.Context, h *handle) sandbox.Status {
	h.mu.Lock()
	sb, stopping := h.sandbox, h.stopping
	h.mu.Unlock()
	if sb == nil {
		return sandbox.StatusCreating
	}
	if stopping {
		return sandbox.StatusStopping
	}
	inspector, ok := m.prov.(Inspector)
	if !ok {
		return ""
	}
	return inspector.Inspect(ctx, sb.RunID)
}

// Wait blocks until the run is terminal and returns its final record.
func (m *Manager) Wait(ctx context.Context, id string) (Run, error) {
	if h := m.lookup(id); h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
	return m.Get(ctx, id)
}

// List returns the most recent runs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]Run, error) {
	runs, err := m.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if h := m.lookup(runs[i].ID); h != nil {
			runs[i] = h.snapshot()
		}
	}
	return runs, nil
}

// IsActive reports whether id is a run this manager is still driving.
func (m *Manager) IsActive(id string) bool {
	return m.lookup(id) != nil
}

// Shutdown stops every active run and waits for their teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("stopping run on shutdown", "run_id", id, "error", err)
			}
		}()
	}
	wg.Wait()
	m.shutdown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *Manager) forget(h *handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := h.id()
	if m.active[id] == h {
		delete(m.active, id)
	}
	for _, key := range h.keys {
		if m.flights[key] == id {
			delete(m.flights, key)
		}
	}
}

// sync persists the handle's latest run record. Saves are serialized per
// run so an older snapshot never overwrites a newer one.
func (m *Manager) sync(h *handle) Run {
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	run := h.snapshot()
	if err := m.store.SaveRun(context.Background(), run); err != nil {
		m.logger.Warn("saving run", "run_id", run.ID, "error", err)
	}
	return run
}

func (m *Manager) setState(h *handle, state State) {
	h.mu.Lock()
	if h.run.State.Terminal() || h.run.State == state {
		h.mu.Unlock()
		return
	}
	h.run.State = state
	h.mu.Unlock()
	m.logger.Info("run state changed", "run_id", h.id(), "state", state)
	m.publishStatus(m.sync(h))
}

func (m *Manager) publishStatus(run Run) {
	m.publisher.Publish(notify.Message{
		Kind:   notify.RunStatus,
		RunID:  run.ID,
		State:  string(run.State),
		Reason: run.Reason,
		PRURL:  run.LatestPRURL(),
	})
}

func (m *Manager) persistEvent(h *handle, rec stream.Record, u stream.Update) {
	id := h.id()
	if err := m.store.AppendEvent(context.Background(), id, rec); err != nil {
		m.logger.Warn("appending event", "run_id", id, "seq", rec.Seq, "error", err)
	}
	m.publisher.Publish(notify.Message{Kind: notify.RunEvent, RunID: id, Event: &rec})
	if len(u.NewPRURLs) > 0 || u.IterationDone {
		run := m.sync(h)
		if len(u.NewPRURLs) > 0 {
			m.logger.Info("pull request detected", "run_id", id, "url", run.LatestPRURL())
			m.publishStatus(run)
		}
	}
}
