package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/engine/enginetest"
	"github.com/zpdzap/drydock/internal/store"
	"github.com/zpdzap/drydock/internal/toolproxy"
	"github.com/zpdzap/drydock/internal/worktree"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.Home = t.TempDir()
	s.Bridge.Listen = "127.0.0.1:0"
	s.Bridge.HostAddress = "127.0.0.1"
	s.API.Listen = "127.0.0.1:0"
	s.Sandbox.Image = "ghcr.io/acme/agent:local"
	s.Tools = []config.ToolSeed{{ID: "gh", Name: "GitHub CLI", HostPath: "/usr/bin/gh", Enabled: true}}
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedInterruptedRun(t *testing.T, home, repo string) {
	t.Helper()
	st, err := store.Open(filepath.Join(home, config.DatabaseFile), store.Options{})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SaveRun(context.Background(), agent.Run{
		ID:        "crashed",
		Repo:      repo,
		Branch:    "drydock/crashed",
		State:     agent.StateExecuting,
		Container: "drydock-crashed",
		CreatedAt: time.Now().Add(-time.Hour),
	}))
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStartRecoversAndServes(t *testing.T) {
	settings := testSettings(t)
	seedInterruptedRun(t, settings.Home, "/src/app")

	fake := enginetest.New(settings.Sandbox.Image)
	fake.AddContainer("drydock-crashed", map[string]string{
		engine.LabelManaged: "true",
		engine.LabelRole:    "agent",
		engine.LabelRun:     "crashed",
	}, "running")

	d, err := New(settings, Options{Engine: fake, HostHome: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	base := "http://" + d.APIAddr().String()
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/health", nil))

	var snap agent.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/runs/crashed", &snap))
	assert.Equal(t, agent.StateFailed, snap.Run.State)
	assert.Equal(t, store.RestartReason, snap.Run.Reason)
	assert.Empty(t, snap.Run.Container)

	assert.False(t, fake.HasContainer("drydock-crashed"), "orphaned sandbox should be reaped")

	var tools []toolproxy.Tool
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/tools", &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "gh", tools[0].ID)

	var images []struct {
		Ref      string `json:"ref"`
		Selected bool   `json:"selected"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/images", &images))
	require.Len(t, images, 1)
	assert.Equal(t, settings.Sandbox.Image, images[0].Ref)
	assert.True(t, images[0].Selected)

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	require.NoError(t, d.Shutdown(shutdownCtx))

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "api should stop listening after shutdown")
}

func TestStartPrunesInterruptedWorktrees(t *testing.T) {
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
	wt, _, err := worktree.Create(repo, "crashed", "drydock/crashed", "")
	require.NoError(t, err)
	require.DirExists(t, wt)

	settings := testSettings(t)
	seedInterruptedRun(t, settings.Home, repo)

	d, err := New(settings, Options{Engine: enginetest.New(settings.Sandbox.Image), HostHome: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		d.Shutdown(shutdownCtx)
	})

	assert.NoDirExists(t, wt)
	ids, err := worktree.List(repo)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.True(t, worktree.BranchExists(repo, "drydock/crashed"), "the run's branch is kept")
}

func TestToolSeedsApplyOnlyOnce(t *testing.T) {
	settings := testSettings(t)

	start := func() {
		d, err := New(settings, Options{Engine: enginetest.New(), HostHome: t.TempDir(), Logger: quietLogger()})
		require.NoError(t, err)
		require.NoError(t, d.Start(context.Background()))
		require.NoError(t, d.Shutdown(context.Background()))
	}
	start()

	st, err := store.Open(filepath.Join(settings.Home, config.DatabaseFile), store.Options{})
	require.NoError(t, err)
	_, err = st.SetToolEnabled(context.Background(), "gh", false)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	start()

	st, err = store.Open(filepath.Join(settings.Home, config.DatabaseFile), store.Options{})
	require.NoError(t, err)
	defer st.Close()
	tool, ok, err := st.LookupTool(context.Background(), "gh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, tool.Enabled, "a restart must not re-enable a disabled tool")
}

func TestEnabledToolsSkipsDisabled(t *testing.T) {
	settings := testSettings(t)
	d, err := New(settings, Options{Engine: enginetest.New(), HostHome: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, d.store.PutTool(ctx, toolproxy.Tool{ID: "gh", HostPath: "/usr/bin/gh", Enabled: true}))
	require.NoError(t, d.store.PutTool(ctx, toolproxy.Tool{ID: "aws", HostPath: "/usr/bin/aws"}))

	assert.Equal(t, []string{"gh"}, d.enabledTools(ctx))
}

func TestResolveSpecUsesLiveDefaults(t *testing.T) {
	settings := testSettings(t)
	d, err := New(settings, Options{Engine: enginetest.New(), HostHome: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	require.NoError(t, d.live.UpdateSandbox(func(sb *config.SandboxDefaults) { sb.CPUs = 1.5 }))

	spec, err := d.resolveSpec(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1.5, spec.CPUs)
	assert.Equal(t, settings.Sandbox.Image, spec.Image)
}
