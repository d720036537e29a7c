package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/egress"
	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/engine/enginetest"
	"github.com/zpdzap/drydock/internal/notify"
)

const testImage = "ghcr.io/zpdzap/drydock-agent:test"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testSpec() Spec {
	return Spec{
		Image:       testImage,
		CPUs:        2,
		Memory:      "4g",
		Parallelism: 3,
		Caches: []config.CacheMount{
			{Name: "gomod", ContainerPath: "/home/agent/go/pkg/mod"},
			{Name: "gobuild", ContainerPath: "/home/agent/.cache/go-build"},
		},
		ParallelismEnv: []string{"GOMAXPROCS"},
		Env:            map[string]string{"FOO": "bar"},
	}
}

func newProvisioner(t *testing.T, eng engine.Engine, opts Options) *Provisioner {
	t.Helper()
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}
	if opts.Getenv == nil {
		env := map[string]string{"ANTHROPIC_API_KEY": "sk-test", "SSH_AUTH_SOCK": "/tmp/ssh-agent.sock"}
		opts.Getenv = func(k string) string { return env[k] }
	}
	if opts.GOOS == "" {
		opts.GOOS = "linux"
	}
	opts.Logger = quiet
	return NewProvisioner(eng, opts)
}

func TestResolve(t *testing.T) {
	defaults := config.DefaultSettings().Sandbox
	det := config.Detect(t.TempDir())
	det.Caches = []config.CacheMount{{Name: "npm", ContainerPath: "/home/agent/.npm"}}
	det.ParallelismEnv = []string{"UV_THREADPOOL_SIZE"}

	spec, err := Resolve(defaults, nil, det)
	require.NoError(t, err)
	assert.Equal(t, defaults.Image, spec.Image)
	assert.Equal(t, defaults.AllowedHosts, spec.AllowedHosts)
	assert.Equal(t, det.Caches, spec.Caches)

	spec.AllowedHosts[0] = "mutated"
	assert.NotEqual(t, "mutated", defaults.AllowedHosts[0], "resolved spec must not alias settings")

	cpus, isolate := 1.5, true
	repo := &config.RepoConfig{
		Image: config.Image{Ref: "example/custom:1"},
		Sandbox: config.Overrides{
			CPUs:             &cpus,
			Memory:           "2g",
			NetworkIsolation: &isolate,
			AllowedHosts:     []string{"proxy.golang.org"},
			Env:              map[string]string{"CI": "1"},
		},
	}
	spec, err = Resolve(defaults, repo, det)
	require.NoError(t, err)
	assert.Equal(t, "example/custom:1", spec.Image)
	assert.Equal(t, 1.5, spec.CPUs)
	assert.Equal(t, "2g", spec.Memory)
	assert.True(t, spec.NetworkIsolation)
	assert.Equal(t, []string{"proxy.golang.org"}, spec.AllowedHosts)
	assert.Equal(t, "1", spec.Env["CI"])

	defaults.Caches = false
	spec, err = Resolve(defaults, nil, det)
	require.NoError(t, err)
	assert.Empty(t, spec.Caches)

	repo.Sandbox.Memory = "lots"
	_, err = Resolve(config.DefaultSettings().Sandbox, repo, det)
	assert.ErrorIs(t, err, ErrInvalidLimits)
}

func TestProvisionMissingImage(t *testing.T) {
	eng := enginetest.New()
	p := newProvisioner(t, eng, Options{})

	_, err := p.Provision(context.Background(), Request{RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: testSpec()})
	require.Error(t, err)

	var perr *ProvisionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, testImage, perr.Image)
	assert.ErrorIs(t, err, ErrImageNotInstalled)
	assert.Contains(t, err.Error(), testImage)
	assert.Zero(t, eng.RunCount(), "no container may be created for a missing image")
	assert.Empty(t, eng.Pulls, "provisioning never pulls")
}

func TestProvisionEngineUnavailable(t *testing.T) {
	eng := enginetest.New(testImage)
	eng.PingErr = errors.New("cannot connect to the docker daemon")
	p := newProvisioner(t, eng, Options{})

	_, err := p.Provision(context.Background(), Request{RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: testSpec()})
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Zero(t, eng.RunCount())
}

func TestProvisionContainerSpec(t *testing.T) {
	eng := enginetest.New(testImage)
	home := t.TempDir()
	p := newProvisioner(t, eng, Options{Home: home, BridgeURL: "http://host.docker.internal:7457"})

	spec := testSpec()
	spec.SSHAgent = true
	spec.DockerSocket = true
	spec.Mounts = []string{"/data/fixtures:/fixtures:ro"}
	repo, worktree := t.TempDir(), t.TempDir()

	sb, err := p.Provision(context.Background(), Request{
		RunID:       "r1",
		Repo:        repo,
		Worktree:    worktree,
		Spec:        spec,
		BridgeToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "drydock-r1", sb.Container)
	assert.False(t, sb.Isolated)

	run := eng.LastRun()
	assert.Equal(t, testImage, run.Image)
	assert.Equal(t, 2.0, run.CPUs)
	assert.Equal(t, "4g", run.Memory)
	assert.Equal(t, "true", run.Labels[engine.LabelManaged])
	assert.Equal(t, "r1", run.Labels[engine.LabelRun])
	assert.Equal(t, "agent", run.Labels[engine.LabelRole])
	assert.Equal(t, []string{"host.docker.internal:host-gateway"}, run.ExtraHosts)
	assert.Empty(t, run.Network)

	assert.Contains(t, run.Env, "ANTHROPIC_API_KEY")
	assert.NotContains(t, run.Env, "CLAUDE_CODE_OAUTH_TOKEN")
	assert.Contains(t, run.Env, "GOMAXPROCS=3")
	assert.Contains(t, run.Env, "FOO=bar")
	assert.Contains(t, run.Env, "DRYDOCK_BRIDGE_URL=http://host.docker.internal:7457")
	assert.Contains(t, run.Env, "DRYDOCK_BRIDGE_TOKEN=tok")
	assert.Contains(t, run.Env, "SSH_AUTH_SOCK="+sshAgentSocket)
	assert.NotContains(t, run.Env, "TESTCONTAINERS_HOST_OVERRIDE=host.docker.internal")

	assert.Contains(t, run.Mounts, engine.Mount{Source: worktree, Target: "/workspace"})
	assert.Contains(t, run.Mounts, engine.Mount{Source: "/tmp/ssh-agent.sock", Target: sshAgentSocket})
	assert.Contains(t, run.Mounts, engine.Mount{Source: dockerSocket, Target: dockerSocket})
	assert.Contains(t, run.Mounts, engine.Mount{Source: "/data/fixtures", Target: "/fixtures", ReadOnly: true})
	root := CacheRoot(home, repo)
	assert.Contains(t, run.Mounts, engine.Mount{Source: filepath.Join(root, "gomod"), Target: "/home/agent/go/pkg/mod"})
}

func TestDockerSocketHostOverrideOffLinux(t *testing.T) {
	eng := enginetest.New(testImage)
	p := newProvisioner(t, eng, Options{GOOS: "darwin"})
	spec := testSpec()
	spec.DockerSocket = true
	spec.SSHAgent = true

	_, err := p.Provision(context.Background(), Request{RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: spec})
	require.NoError(t, err)
	run := eng.LastRun()
	assert.Contains(t, run.Env, "TESTCONTAINERS_HOST_OVERRIDE=host.docker.internal")
	assert.Contains(t, run.Mounts, engine.Mount{Source: desktopSSHAgentPath, Target: sshAgentSocket})
	assert.Empty(t, run.ExtraHosts)
}

func TestSharedCachesArePerRepositoryAndUnlocked(t *testing.T) {
	eng := enginetest.New(testImage)
	home := t.TempDir()
	p := newProvisioner(t, eng, Options{Home: home})
	repoA, repoB := t.TempDir(), t.TempDir()

	cacheSources := func(runID, repo string) []string {
		_, err := p.Provision(context.Background(), Request{RunID: runID, Repo: repo, Worktree: t.TempDir(), Spec: testSpec()})
		require.NoError(t, err)
		var sources []string
		for _, m := range eng.LastRun().Mounts {
			if strings.HasPrefix(m.Source, filepath.Join(home, config.CacheDir)) {
				assert.False(t, m.ReadOnly, "caches are mounted read-write")
				sources = append(sources, m.Source)
			}
		}
		return sources
	}

	first := cacheSources("r1", repoA)
	second := cacheSources("r2", repoA)
	other := cacheSources("r3", repoB)
	require.Len(t, first, 2)
	assert.Equal(t, first, second, "runs on one repository share its caches")
	assert.NotEqual(t, first, other)

	for _, dir := range append(first, other...) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "no lock files are added to cache directories")
	}
}

func TestProvisionSeedsAgentConfigAndShims(t *testing.T) {
	eng := enginetest.New(testImage)
	hostHome := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(hostHome, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hostHome, ".claude", "settings.json"), []byte("{\n  // comment\n  \"model\": \"opus\",\n}\n"), 0o644))

	p := newProvisioner(t, eng, Options{HostHome: hostHome})
	_, err := p.Provision(context.Background(), Request{
		RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: testSpec(), Tools: []string{"gh"},
	})
	require.NoError(t, err)

	copies := strings.Join(eng.Copies, "\n")
	assert.Contains(t, copies, "drydock-r1:/home/agent/.claude/settings.json")
	assert.Contains(t, copies, "drydock-r1:/home/agent/.claude.json")
	assert.NotContains(t, copies, ".credentials.json", "absent credentials are skipped")
	assert.Contains(t, copies, "drydock-r1:/opt/drydock/bin/gh")
}

func TestProvisionRemovesContainerOnSetupFailure(t *testing.T) {
	eng := enginetest.New(testImage)
	hostHome := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(hostHome, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hostHome, ".claude", "settings.json"), []byte("not json"), 0o644))

	p := newProvisioner(t, eng, Options{HostHome: hostHome})
	_, err := p.Provision(context.Background(), Request{RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: testSpec()})
	require.Error(t, err)
	var perr *ProvisionError
	assert.True(t, errors.As(err, &perr))
	assert.False(t, eng.HasContainer("drydock-r1"))
}

func TestPatchAgentConfig(t *testing.T) {
	out, err := PatchAgentSettings([]byte(`{
		// user settings
		"permissions": {"allow": ["Bash(ls)"]},
	}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"defaultMode": "bypassPermissions"`)
	assert.Contains(t, string(out), `"Bash(ls)"`)

	out, err = PatchAgentState(nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"hasCompletedOnboarding": true`)
	assert.Contains(t, string(out), `"/workspace"`)
	assert.Contains(t, string(out), `"hasTrustDialogAccepted": true`)
}

func TestProvisionIsolated(t *testing.T) {
	eng := enginetest.New(testImage)
	policies, err := egress.NewPolicies([]string{"host.docker.internal"})
	require.NoError(t, err)

	cfg := config.DefaultSettings().Egress
	gateway := NewEgress(eng, cfg, EgressOptions{BridgeHost: "host.docker.internal", Logger: quiet})
	admin := httptest.NewServer(egress.NewAdmin(policies, gateway.client.Token))
	defer admin.Close()
	gateway.client.BaseURL = admin.URL

	p := newProvisioner(t, eng, Options{Egress: gateway})
	spec := testSpec()
	spec.NetworkIsolation = true
	spec.AllowedHosts = []string{"github.com", "*.github.com"}

	sb, err := p.Provision(context.Background(), Request{RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: spec})
	require.NoError(t, err)
	assert.True(t, sb.Isolated)

	run := eng.LastRun()
	assert.Equal(t, cfg.Network, run.Network)
	assert.Empty(t, run.ExtraHosts)

	var proxy string
	for _, env := range run.Env {
		if v, ok := strings.CutPrefix(env, "HTTPS_PROXY="); ok {
			proxy = v
		}
	}
	require.NotEmpty(t, proxy)
	u, err := url.Parse(proxy)
	require.NoError(t, err)
	assert.Equal(t, "drydock-egress:3128", u.Host)
	token, _ := u.User.Password()
	assert.True(t, policies.Allowed("r1", token, "api.github.com:443"))
	assert.True(t, policies.Allowed("r1", token, "host.docker.internal:7457"))
	assert.False(t, policies.Allowed("r1", token, "example.com:443"))

	// One shared proxy for every isolated sandbox.
	_, err = p.Provision(context.Background(), Request{RunID: "r2", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: spec})
	require.NoError(t, err)
	egressRuns := 0
	for _, r := range eng.Runs {
		if r.Name == EgressContainer {
			egressRuns++
			assert.Equal(t, []string{"127.0.0.1:3129:3129"}, r.Ports)
			assert.Contains(t, r.Env, egress.EnvAdminToken+"="+gateway.client.Token)
		}
	}
	assert.Equal(t, 1, egressRuns)
	assert.Contains(t, eng.Connect, cfg.Network+"/"+EgressContainer)

	require.NoError(t, p.Stop(context.Background(), sb, time.Second))
	assert.False(t, policies.Allowed("r1", token, "api.github.com:443"), "stopping revokes the sandbox credential")
}

func TestStopIsIdempotent(t *testing.T) {
	eng := enginetest.New(testImage)
	p := newProvisioner(t, eng, Options{})
	sb, err := p.Provision(context.Background(), Request{RunID: "r1", Repo: t.TempDir(), Worktree: t.TempDir(), Spec: testSpec()})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, p.Inspect(context.Background(), "r1"))

	require.NoError(t, p.Stop(context.Background(), sb, time.Second))
	require.NoError(t, p.Stop(context.Background(), sb, time.Second))
	assert.False(t, eng.HasContainer("drydock-r1"))
	assert.Equal(t, []string{"drydock-r1"}, eng.Stops)
	assert.Equal(t, StatusStopped, p.Inspect(context.Background(), "r1"))
}

func TestReapOrphans(t *testing.T) {
	eng := enginetest.New(testImage)
	managed := func(run, role string) map[string]string {
		return map[string]string{engine.LabelManaged: "true", engine.LabelRun: run, engine.LabelRole: role}
	}
	eng.AddContainer("drydock-old", managed("old", "agent"), "running")
	eng.AddContainer("drydock-live", managed("live", "agent"), "running")
	eng.AddContainer(EgressContainer, managed("", "egress"), "running")
	eng.AddContainer("someone-else", map[string]string{"app": "db"}, "running")

	p := newProvisioner(t, eng, Options{})
	reaped, err := p.ReapOrphans(context.Background(), func(runID string) bool { return runID == "live" })
	require.NoError(t, err)
	assert.Equal(t, []string{"drydock-old"}, reaped)
	assert.True(t, eng.HasContainer("drydock-live"))
	assert.True(t, eng.HasContainer(EgressContainer))
	assert.True(t, eng.HasContainer("someone-else"))
}

func TestImagesSingleFlight(t *testing.T) {
	eng := enginetest.New()
	release := make(chan struct{})
	eng.PullFunc = func(ctx context.Context, ref string, progress func(engine.PullProgress)) error {
		progress(engine.PullProgress{Ref: ref, Status: "Downloading", Current: 1, Total: 2})
		<-release
		return nil
	}
	bus := notify.New()
	events, cancel := bus.Subscribe(16)
	defer cancel()
	images := NewImages(eng, bus, quiet)
	ctx := context.Background()

	status, err := images.Status(ctx, testImage)
	require.NoError(t, err)
	assert.Equal(t, ImageNotFound, status)

	require.NoError(t, images.StartPull(ctx, testImage))
	assert.ErrorIs(t, images.Pull(ctx, "other:latest"), ErrPullInFlight)
	assert.ErrorIs(t, images.Build(ctx, engine.BuildOptions{Tag: "built:latest"}), ErrPullInFlight)
	status, _ = images.Status(ctx, testImage)
	assert.Equal(t, ImagePulling, status)

	close(release)
	require.Eventually(t, func() bool { return images.Active() == "" }, 5*time.Second, 10*time.Millisecond)
	status, _ = images.Status(ctx, testImage)
	assert.Equal(t, ImageInstalled, status)

	var statuses []string
	for len(events) > 0 {
		msg := <-events
		assert.Equal(t, notify.ImagePullProgress, msg.Kind)
		statuses = append(statuses, msg.Progress.Status)
	}
	assert.Equal(t, []string{"Downloading", "done"}, statuses)

	require.NoError(t, images.Build(ctx, engine.BuildOptions{Tag: "built:latest", Dockerfile: "Dockerfile", ContextDir: "."}))
	status, _ = images.Status(ctx, "built:latest")
	assert.Equal(t, ImageInstalled, status)
}
