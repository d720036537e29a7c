package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/telemetry"
	"github.com/zpdzap/drydock/internal/toolproxy"
)

// Container-side locations of forwarded sockets.
const (
	sshAgentSocket       = "/run/ssh-agent.sock"
	dockerSocket         = "/var/run/docker.sock"
	desktopSSHAgentPath  = "/run/host-services/ssh-auth.sock"
	containerWorkspace   = toolproxy.ContainerWorkspace
	removeTimeoutPadding = 5 * time.Second
)

// forwardedEnv are host variables passed through by name, so their values
// never appear on the engine command line.
var forwardedEnv = []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"}

// Options configures a Provisioner.
type Options struct {
	// Home is the drydock data directory; shared caches live under it.
	Home string
	// HostHome is the user's home, the source of agent settings.
	HostHome string
	// BridgeURL is the tool bridge address as seen from a sandbox.
	BridgeURL string
	// Egress is required for sandboxes with network isolation.
	Egress *Egress

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider

	// Getenv and GOOS default to the running process.
	Getenv func(string) string
	GOOS   string
}

// Provisioner starts and stops sandbox containers.
type Provisioner struct {
	engine engine.Engine
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

func NewProvisioner(eng engine.Engine, opts Options) *Provisioner {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	return &Provisioner{
		engine: eng,
		opts:   opts,
		logger: opts.Logger,
		tracer: telemetry.Tracer(opts.TracerProvider),
	}
}

// Request asks for a sandbox for one run.
type Request struct {
	RunID    string
	Repo     string
	Worktree string
	Spec     Spec
	// BridgeToken is the run's tool bridge session token.
	BridgeToken string
	// Tools are the proxied tool ids to install shims for.
	Tools []string
}

// Provision starts a container for req. Image availability is checked
// first and never triggers a pull; a missing image fails with a
// *ProvisionError wrapping ErrImageNotInstalled before any container is
// created. Any failure after the container started removes it again.
func (p *Provisioner) Provision(ctx context.Context, req Request) (sb *Sandbox, err error) {
	ctx, span := telemetry.Start(ctx, p.tracer, "sandbox.provision", "run_id", req.RunID, "image", req.Spec.Image)
	defer func() { telemetry.End(span, err) }()

	if err := req.Spec.Validate(); err != nil {
		return nil, &ProvisionError{Image: req.Spec.Image, Err: err}
	}
	if err := p.engine.Ping(ctx); err != nil {
		return nil, &ProvisionError{Err: fmt.Errorf("%w: %v", ErrEngineUnavailable, err)}
	}
	ok, err := p.engine.ImageExists(ctx, req.Spec.Image)
	if err != nil {
		return nil, &ProvisionError{Image: req.Spec.Image, Err: fmt.Errorf("%w: %v", ErrEngineUnavailable, err)}
	}
	if !ok {
		return nil, &ProvisionError{Image: req.Spec.Image, Err: ErrImageNotInstalled}
	}

	name := ContainerName(req.RunID)
	spec, err := p.containerSpec(ctx, name, req)
	if err != nil {
		return nil, &ProvisionError{Image: req.Spec.Image, Err: err}
	}

	p.logger.Info("starting sandbox", "run_id", req.RunID, "container", name, "image", req.Spec.Image, "isolated", req.Spec.NetworkIsolation)
	id, err := p.engine.RunContainer(ctx, spec)
	if err != nil {
		p.unregister(req.RunID, req.Spec.NetworkIsolation)
		return nil, &ProvisionError{Image: req.Spec.Image, Err: fmt.Errorf("starting container: %w", err)}
	}

	sb = &Sandbox{
		RunID:       req.RunID,
		Container:   name,
		ContainerID: id,
		Image:       req.Spec.Image,
		Worktree:    req.Worktree,
		Isolated:    req.Spec.NetworkIsolation,
		StartedAt:   time.Now().UTC(),
	}

	if err := p.configure(ctx, name, req.Tools); err != nil {
		p.remove(sb)
		return nil, &ProvisionError{Image: req.Spec.Image, Err: err}
	}
	return sb, nil
}

func (p *Provisioner) containerSpec(ctx context.Context, name string, req Request) (engine.ContainerSpec, error) {
	spec := engine.ContainerSpec{
		Name:  name,
		Image: req.Spec.Image,
		Labels: map[string]string{
			engine.LabelManaged: "true",
			engine.LabelRun:     req.RunID,
			engine.LabelRepo:    req.Repo,
			engine.LabelRole:    "agent",
		},
		CPUs:    req.Spec.CPUs,
		Memory:  req.Spec.Memory,
		User:    AgentUser,
		WorkDir: containerWorkspace,
		Cmd:     []string{"sleep", "infinity"},
		Mounts:  []engine.Mount{{Source: req.Worktree, Target: containerWorkspace}},
	}

	for _, key := range forwardedEnv {
		if p.opts.Getenv(key) != "" {
			spec.Env = append(spec.Env, key)
		}
	}
	spec.Env = append(spec.Env, req.Spec.parallelismEnv()...)
	for _, k := range sortedKeys(req.Spec.Env) {
		spec.Env = append(spec.Env, k+"="+req.Spec.Env[k])
	}
	if p.opts.BridgeURL != "" && req.BridgeToken != "" {
		spec.Env = append(spec.Env,
			toolproxy.EnvBridgeURL+"="+p.opts.BridgeURL,
			toolproxy.EnvBridgeToken+"="+req.BridgeToken)
	}

	caches, err := cacheMounts(p.opts.Home, req.Repo, req.Spec.Caches)
	if err != nil {
		return spec, err
	}
	spec.Mounts = append(spec.Mounts, caches...)

	if req.Spec.SSHAgent {
		if source := p.sshAgentSource(); source != "" {
			spec.Mounts = append(spec.Mounts, engine.Mount{Source: source, Target: sshAgentSocket})
			spec.Env = append(spec.Env, "SSH_AUTH_SOCK="+sshAgentSocket)
		} else {
			p.logger.Warn("ssh agent forwarding enabled but no agent socket found", "run_id", req.RunID)
		}
	}
	if req.Spec.DockerSocket {
		spec.Mounts = append(spec.Mounts, engine.Mount{Source: dockerSocket, Target: dockerSocket})
		if p.opts.GOOS != "linux" {
			// Containers started through the socket are reached via the VM host.
			spec.Env = append(spec.Env, "TESTCONTAINERS_HOST_OVERRIDE=host.docker.internal")
		}
	}
	for _, m := range req.Spec.Mounts {
		mount, err := parseMount(m)
		if err != nil {
			return spec, err
		}
		spec.Mounts = append(spec.Mounts, mount)
	}

	if req.Spec.NetworkIsolation {
		if p.opts.Egress == nil {
			return spec, errors.New("network isolation requested but no egress proxy is configured")
		}
		if err := p.opts.Egress.Ensure(ctx); err != nil {
			return spec, err
		}
		proxyEnv, err := p.opts.Egress.Register(ctx, req.RunID, req.Spec.AllowedHosts)
		if err != nil {
			return spec, fmt.Errorf("registering egress policy: %w", err)
		}
		spec.Network = p.opts.Egress.Network()
		spec.Env = append(spec.Env, proxyEnv...)
	} else if p.opts.GOOS == "linux" {
		spec.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}
	return spec, nil
}

func (p *Provisioner) sshAgentSource() string {
	if p.opts.GOOS == "darwin" {
		return desktopSSHAgentPath
	}
	return p.opts.Getenv("SSH_AUTH_SOCK")
}

// configure seeds agent settings and tool shims into a started container.
func (p *Provisioner) configure(ctx context.Context, container string, tools []string) error {
	if p.opts.HostHome != "" {
		if err := seedAgentConfig(ctx, p.engine, container, p.opts.HostHome); err != nil {
			return err
		}
	}
	return installShims(ctx, p.engine, container, tools)
}

func installShims(ctx context.Context, eng engine.Engine, container string, tools []string) error {
	if len(tools) == 0 {
		return nil
	}
	staging, err := os.MkdirTemp("", "drydock-shims-")
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if _, err := eng.ExecOutput(ctx, engine.ExecSpec{Container: container, User: "root", Cmd: []string{"mkdir", "-p", toolproxy.ShimDir}}); err != nil {
		return fmt.Errorf("creating shim dir: %w", err)
	}
	installed := make([]string, 0, len(tools))
	for _, id := range tools {
		path := filepath.Join(staging, id)
		if err := os.WriteFile(path, []byte(toolproxy.Shim(id)), 0o755); err != nil {
			return fmt.Errorf("writing shim for %s: %w", id, err)
		}
		target := toolproxy.ShimDir + "/" + id
		if err := eng.CopyTo(ctx, container, path, target); err != nil {
			return fmt.Errorf("installing shim for %s: %w", id, err)
		}
		installed = append(installed, target)
	}
	chmod := append([]string{"chmod", "0755"}, installed...)
	if _, err := eng.ExecOutput(ctx, engine.ExecSpec{Container: container, User: "root", Cmd: chmod}); err != nil {
		return fmt.Errorf("making shims executable: %w", err)
	}
	return nil
}

// Stop shuts a sandbox down: graceful stop bounded by grace, then a kill,
// then removal. It is safe to call more than once.
func (p *Provisioner) Stop(ctx context.Context, sb *Sandbox, grace time.Duration) error {
	ctx, span := telemetry.Start(ctx, p.tracer, "sandbox.stop", "run_id", sb.RunID, "container", sb.Container)
	defer span.End()

	state, err := p.engine.ContainerState(ctx, sb.Container)
	if err != nil {
		p.logger.Warn("inspecting sandbox", "container", sb.Container, "error", err)
	}
	if state == "running" || state == "restarting" || state == "paused" {
		stopCtx, cancel := context.WithTimeout(ctx, grace+removeTimeoutPadding)
		err := p.engine.StopContainer(stopCtx, sb.Container, grace)
		cancel()
		if err != nil {
			p.logger.Warn("graceful stop failed, killing", "container", sb.Container, "error", err)
			if err := p.engine.KillContainer(ctx, sb.Container); err != nil {
				p.logger.Warn("kill failed", "container", sb.Container, "error", err)
			}
		}
	}
	var removeErr error
	if state != "" {
		if err := p.engine.RemoveContainer(ctx, sb.Container); err != nil {
			removeErr = fmt.Errorf("removing %s: %w", sb.Container, err)
		}
	}
	p.unregister(sb.RunID, sb.Isolated)
	return removeErr
}

// Kill force-removes a sandbox without a graceful stop.
func (p *Provisioner) Kill(ctx context.Context, sb *Sandbox) error {
	p.engine.KillContainer(ctx, sb.Container)
	return p.Stop(ctx, sb, 0)
}

func (p *Provisioner) remove(sb *Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.engine.KillContainer(ctx, sb.Container)
	if err := p.engine.RemoveContainer(ctx, sb.Container); err != nil {
		p.logger.Warn("removing failed sandbox", "container", sb.Container, "error", err)
	}
	p.unregister(sb.RunID, sb.Isolated)
}

func (p *Provisioner) unregister(runID string, isolated bool) {
	if !isolated || p.opts.Egress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.opts.Egress.Unregister(ctx, runID); err != nil {
		p.logger.Warn("revoking egress policy", "run_id", runID, "error", err)
	}
}

// Inspect returns the container status for a run.
func (p *Provisioner) Inspect(ctx context.Context, runID string) Status {
	state, err := p.engine.ContainerState(ctx, ContainerName(runID))
	if err != nil {
		return StatusError
	}
	return dockerToStatus(state)
}

// ReapOrphans removes agent containers whose run is not active. It is
// called once at startup to clean up after a crash.
func (p *Provisioner) ReapOrphans(ctx context.Context, active func(runID string) bool) ([]string, error) {
	containers, err := p.engine.ListContainers(ctx, engine.LabelManaged+"=true")
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var reaped []string
	for _, c := range containers {
		if c.Role != "agent" || (c.RunID != "" && active(c.RunID)) {
			continue
		}
		p.logger.Info("reaping orphaned sandbox", "container", c.Name, "run_id", c.RunID, "state", c.State)
		p.engine.KillContainer(ctx, c.Name)
		if err := p.engine.RemoveContainer(ctx, c.Name); err != nil {
			p.logger.Warn("removing orphan", "container", c.Name, "error", err)
			continue
		}
		reaped = append(reaped, c.Name)
	}
	return reaped, nil
}

// parseMount parses a docker-style "src:dst[:ro]" mount.
func parseMount(s string) (engine.Mount, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2:
		return engine.Mount{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && (parts[2] == "ro" || parts[2] == "rw"):
		return engine.Mount{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}, nil
	}
	return engine.Mount{}, fmt.Errorf("invalid mount %q, want src:dst[:ro]", s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
