package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/engine/enginetest"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/stream"
	"github.com/zpdzap/drydock/internal/toolproxy"
	"github.com/zpdzap/drydock/internal/worktree"
)

const testImage = "ghcr.io/zpdzap/drydock-agent:test"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct {
	mu       sync.Mutex
	runs     map[string]Run
	events   map[string][]stream.Record
	archived []string
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]Run), events: make(map[string][]stream.Record)}
}

func (s *memStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.clone()
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run.clone(), ok, nil
}

func (s *memStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) AppendEvent(_ context.Context, runID string, rec stream.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], rec)
	return nil
}

func (s *memStore) Events(_ context.Context, runID string) ([]stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.events[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memStore) ArchiveRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, runID)
	return nil
}

func (s *memStore) kinds(runID string) []stream.Kind {
	events, _ := s.Events(context.Background(), runID)
	kinds := make([]stream.Kind, 0, len(events))
	for _, rec := range events {
		kinds = append(kinds, rec.Kind)
	}
	return kinds
}

type fakeWorkspaces struct {
	dir string

	mu      sync.Mutex
	removed []string
}

func (w *fakeWorkspaces) Validate(dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (w *fakeWorkspaces) Create(repo, runID, branch, base string) (string, string, error) {
	path := filepath.Join(w.dir, runID)
	return path, branch, os.MkdirAll(path, 0o755)
}

func (w *fakeWorkspaces) Remove(repo, runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, runID)
	return nil
}

// agentScript answers each user message the agent receives. A nil func
// never answers, leaving the agent running until it is stopped.
type agentScript struct {
	plan func(p *enginetest.Process, text string)
	exec func(p *enginetest.Process, text string)
	// holdSpawn keeps provisioning blocked until the run is cancelled.
	holdSpawn bool
	// holdTeardown keeps sandbox teardown blocked until it is closed.
	holdTeardown chan struct{}
}

type heldProvisioner struct {
	Provisioner
}

func (heldProvisioner) Provision(ctx context.Context, _ sandbox.Request) (*sandbox.Sandbox, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type stuckProvisioner struct {
	Provisioner
	release chan struct{}
}

func (p stuckProvisioner) Stop(_ context.Context, sb *sandbox.Sandbox, grace time.Duration) error {
	<-p.release
	return p.Provisioner.Stop(context.Background(), sb, grace)
}

type execRecord struct {
	plan bool
	proc *enginetest.Process
}

type harness struct {
	t     *testing.T
	eng   *enginetest.Fake
	store *memStore
	ws    *fakeWorkspaces
	bus   *notify.Bus
	mgr   *Manager
	repo  string

	mu    sync.Mutex
	execs []execRecord
}

func newHarness(t *testing.T, script agentScript, mutate ...func(*Config)) *harness {
	t.Helper()
	ws := &fakeWorkspaces{dir: t.TempDir()}
	h := buildHarness(t, script, ws, t.TempDir(), mutate...)
	h.ws = ws
	return h
}

// newGitHarness checks runs out into real git worktrees of a fresh
// repository.
func newGitHarness(t *testing.T, script agentScript, mutate ...func(*Config)) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"-c", "user.email=test@example.com", "-c", "user.name=test", "commit", "-q", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return buildHarness(t, script, worktree.Git{}, repo, mutate...)
}

func buildHarness(t *testing.T, script agentScript, ws Workspaces, repo string, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		eng:   enginetest.New(testImage),
		store: newMemStore(),
		bus:   notify.New(),
		repo:  repo,
	}
	h.eng.ExecFunc = func(ctx context.Context, spec engine.ExecSpec) (engine.Process, error) {
		plan := slices.Contains(spec.Cmd, "plan")
		respond := script.exec
		if plan {
			respond = script.plan
		}
		p := enginetest.NewScripted(ctx, func(p *enginetest.Process, line string) {
			if respond != nil {
				respond(p, messageText(t, line))
			}
		})
		h.mu.Lock()
		h.execs = append(h.execs, execRecord{plan: plan, proc: p})
		h.mu.Unlock()
		return p, nil
	}

	prov := sandbox.NewProvisioner(h.eng, sandbox.Options{
		Home:      t.TempDir(),
		HostHome:  t.TempDir(),
		BridgeURL: "http://host.docker.internal:7457",
		Logger:    quiet,
		Getenv:    func(string) string { return "" },
		GOOS:      "linux",
	})
	var provisioner Provisioner = prov
	if script.holdSpawn {
		provisioner = heldProvisioner{prov}
	}
	if script.holdTeardown != nil {
		provisioner = stuckProvisioner{provisioner, script.holdTeardown}
	}
	bridge := toolproxy.New(toolproxy.NewMemoryRegistry(), toolproxy.Options{Logger: quiet})

	cfg := Config{
		Agent: config.AgentDefaults{
			Model:             "sonnet",
			PlanTimeout:       5 * time.Second,
			CompletionMarker:  "<promise>COMPLETE</promise>",
			MaxIterations:     20,
			StopGrace:         time.Second,
			SerializeBranches: true,
		},
		Spec: func(string) (sandbox.Spec, error) {
			return sandbox.Spec{Image: testImage, CPUs: 1, Memory: "1g"}, nil
		},
		Publisher: h.bus,
		Logger:    quiet,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.mgr = NewManager(h.eng, provisioner, bridge, ws, h.store, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(req Request) string {
	h.t.Helper()
	if req.Repo == "" {
		req.Repo = h.repo
	}
	id, err := h.mgr.Start(context.Background(), req)
	require.NoError(h.t, err)
	return id
}

func (h *harness) wait(id string) Run {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.mgr.Wait(ctx, id)
	require.NoError(h.t, err)
	return run
}

func (h *harness) waitState(id string, state State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		run, err := h.mgr.Get(context.Background(), id)
		return err == nil && run.State == state
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s", state)
}

func (h *harness) waitEvent(id string, kind stream.Kind) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return slices.Contains(h.store.kinds(id), kind)
	}, 5*time.Second, 5*time.Millisecond, "run never recorded a %s event", kind)
}

func (h *harness) processes(plan bool) []*enginetest.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*enginetest.Process
	for _, rec := range h.execs {
		if rec.plan == plan {
			out = append(out, rec.proc)
		}
	}
	return out
}

func messageText(t *testing.T, line string) string {
	var msg userMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || len(msg.Message.Content) == 0 {
		t.Errorf("agent received a malformed message %q: %v", line, err)
		return ""
	}
	return msg.Message.Content[0].Text
}

func mustLine(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func assistantLine(text string) string {
	return mustLine(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"model":   "sonnet",
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	})
}

func resultLine(text string) string {
	return mustLine(map[string]any{"type": "result", "subtype": "success", "result": text})
}

func errorResultLine(text string) string {
	return mustLine(map[string]any{"type": "result", "subtype": "error_during_execution", "is_error": true, "result": text})
}

func toolResultLine(content string) string {
	return mustLine(map[string]any{"type": "tool_result", "tool_use_id": "toolu_1", "content": content})
}

// emit writes lines to the agent's stdout, ignoring a process that was
// already killed.
func emit(p *enginetest.Process, lines ...string) {
	for _, line := range lines {
		if err := p.Emit(line); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

// answer replies to every message with some text and a successful result.
func answer(text string) func(p *enginetest.Process, _ string) {
	return func(p *enginetest.Process, _ string) {
		emit(p, assistantLine(text), resultLine(text))
	}
}
