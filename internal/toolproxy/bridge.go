package toolproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zpdzap/drydock/internal/telemetry"
)

// ContainerWorkspace is where a run's worktree is mounted in its sandbox.
const ContainerWorkspace = "/workspace"

// Request is one tool call issued from inside a sandbox.
type Request struct {
	Tool string   `json:"tool"`
	Args []string `json:"args"`
	// Dir is the working directory inside the container. It must be under
	// /workspace; empty means the workspace root.
	Dir string `json:"dir,omitempty"`
}

// Bridge executes tool calls for sandboxes. Calls from different sessions,
// and concurrent calls within one session, run in parallel.
type Bridge struct {
	registry Registry
	auth     *AuthCache
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*session
	byRun    map[string]string
}

type Options struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Auth           *AuthCache
}

type session struct {
	token    string
	runID    string
	worktree string
	ctx      context.Context
	cancel   context.CancelFunc
	active   atomic.Int64
}

func New(registry Registry, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthCache(0)
	}
	return &Bridge{
		registry: registry,
		auth:     auth,
		logger:   logger,
		tracer:   telemetry.Tracer(opts.TracerProvider),
		sessions: make(map[string]*session),
		byRun:    make(map[string]string),
	}
}

// Auth exposes the bridge's auth cache for check and re-auth commands.
func (b *Bridge) Auth() *AuthCache { return b.auth }

// OpenSession issues the token a run's sandbox presents on every call.
// Opening a second session for the same run replaces the first.
func (b *Bridge) OpenSession(runID, worktree string) string {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		token:    uuid.NewString(),
		runID:    runID,
		worktree: worktree,
		ctx:      ctx,
		cancel:   cancel,
	}

	b.mu.Lock()
	if old, ok := b.byRun[runID]; ok {
		if prev := b.sessions[old]; prev != nil {
			prev.cancel()
		}
		delete(b.sessions, old)
	}
	b.sessions[s.token] = s
	b.byRun[runID] = s.token
	b.mu.Unlock()
	return s.token
}

// CancelSession revokes the run's token and terminates every tool process
// still running on its behalf. It is safe to call more than once.
func (b *Bridge) CancelSession(runID string) {
	b.mu.Lock()
	token, ok := b.byRun[runID]
	var s *session
	if ok {
		s = b.sessions[token]
		delete(b.sessions, token)
		delete(b.byRun, runID)
	}
	b.mu.Unlock()

	if s != nil {
		s.cancel()
		if n := s.active.Load(); n > 0 {
			b.logger.Info("cancelled in-flight tool calls", "run_id", runID, "count", n)
		}
	}
}

// ActiveCalls reports how many tool processes are running for a run.
func (b *Bridge) ActiveCalls(runID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.sessions[b.byRun[runID]]; s != nil {
		return s.active.Load()
	}
	return 0
}

func (b *Bridge) lookupSession(token string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[token]
	if !ok || s.ctx.Err() != nil {
		return nil, ErrInvalidSession
	}
	return s, nil
}

// Invocation is a validated tool call that has not started yet.
type Invocation struct {
	bridge  *Bridge
	session *session
	tool    Tool
	args    []string
	dir     string
	auth    AuthResult
}

// Prepare validates a call: the session token, the tool's presence and
// enabled flag, argument policy and working directory. Nothing is spawned.
func (b *Bridge) Prepare(ctx context.Context, token string, req Request) (*Invocation, error) {
	s, err := b.lookupSession(token)
	if err != nil {
		return nil, err
	}

	tool, ok, err := b.registry.LookupTool(ctx, req.Tool)
	if err != nil {
		return nil, fmt.Errorf("looking up tool %s: %w", req.Tool, err)
	}
	if !ok || !tool.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAvailable, req.Tool)
	}
	if err := tool.CheckArgs(req.Args); err != nil {
		return nil, err
	}
	dir, err := hostDir(s.worktree, req.Dir)
	if err != nil {
		return nil, err
	}

	auth := b.auth.Status(tool)
	if auth.Status == AuthUnknown && len(tool.AuthCheck) > 0 {
		b.auth.RefreshAsync(tool)
	}

	return &Invocation{bridge: b, session: s, tool: tool, args: req.Args, dir: dir, auth: auth}, nil
}

// Auth is the tool's cached auth status at the time of the call.
func (inv *Invocation) Auth() AuthResult { return inv.auth }

// Tool returns the resolved tool.
func (inv *Invocation) Tool() Tool { return inv.tool }

// Run executes the call, streaming output to stdout and stderr as it is
// produced. A non-zero exit is reported through the exit code, not the
// error; the error is set only when the process could not run or was
// cancelled.
func (inv *Invocation) Run(ctx context.Context, stdout, stderr io.Writer) (int, error) {
	b := inv.bridge
	ctx, span := telemetry.Start(ctx, b.tracer, "toolproxy.invoke",
		"drydock.run.id", inv.session.runID, "drydock.tool.id", inv.tool.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(inv.session.ctx, cancel)
	defer stop()

	inv.session.active.Add(1)
	defer inv.session.active.Add(-1)

	start := time.Now()
	cmd := hostCommand(ctx, inv.tool.HostPath, inv.args, inv.dir)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("tool %s cancelled: %w", inv.tool.ID, context.Canceled)
			code = -1
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
			err = nil
		default:
			err = fmt.Errorf("running tool %s: %w", inv.tool.ID, err)
			code = -1
		}
	}
	telemetry.End(span, err)

	b.logger.Info("proxied tool call",
		"run_id", inv.session.runID,
		"tool", inv.tool.ID,
		"args", len(inv.args),
		"exit_code", code,
		"duration", time.Since(start),
	)
	return code, err
}

// Invoke is Prepare followed by Run.
func (b *Bridge) Invoke(ctx context.Context, token string, req Request, stdout, stderr io.Writer) (int, error) {
	inv, err := b.Prepare(ctx, token, req)
	if err != nil {
		return -1, err
	}
	return inv.Run(ctx, stdout, stderr)
}

// hostDir maps a container working directory onto the run's worktree.
func hostDir(worktree, dir string) (string, error) {
	if dir == "" {
		return worktree, nil
	}
	clean := path.Clean(dir)
	if clean == ContainerWorkspace {
		return worktree, nil
	}
	rel, ok := strings.CutPrefix(clean, ContainerWorkspace+"/")
	if !ok {
		return "", fmt.Errorf("working directory %s is outside %s", dir, ContainerWorkspace)
	}
	return filepath.Join(worktree, filepath.FromSlash(rel)), nil
}
