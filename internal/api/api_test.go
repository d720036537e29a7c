package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/cron"
	"github.com/zpdzap/drydock/internal/followup"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/store"
	"github.com/zpdzap/drydock/internal/toolproxy"
)

type fakeRuns struct {
	mu      sync.Mutex
	started []agent.Request
	nudges  []string
	runs    map[string]agent.Run
}

func (f *fakeRuns) Start(_ context.Context, req agent.Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", agent.ErrInvalidRequest)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return fmt.Sprintf("run-%d", len(f.started)), nil
}

func (f *fakeRuns) Stop(_ context.Context, id string) error {
	if _, ok := f.runs[id]; !ok {
		return agent.ErrRunNotFound
	}
	return nil
}

func (f *fakeRuns) Nudge(_ context.Context, id, text string) error {
	run, ok := f.runs[id]
	if !ok {
		return agent.ErrRunNotFound
	}
	if run.State.Terminal() {
		return agent.ErrRunNotInteractive
	}
	f.mu.Lock()
	f.nudges = append(f.nudges, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuns) Status(_ context.Context, id string) (agent.Snapshot, error) {
	run, ok := f.runs[id]
	if !ok {
		return agent.Snapshot{}, fmt.Errorf("%w: %s", agent.ErrRunNotFound, id)
	}
	return agent.Snapshot{Run: run}, nil
}

func (f *fakeRuns) List(context.Context, int) ([]agent.Run, error) {
	var out []agent.Run
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

type fakeFollowups struct{ got followup.Request }

func (f *fakeFollowups) Start(_ context.Context, req followup.Request) (string, error) {
	if req.ParentID == "busy" {
		return "", followup.ErrParentActive
	}
	f.got = req
	return "child", nil
}

type fakeJobs struct {
	jobs map[string]cron.Job
}

func (f *fakeJobs) Add(_ context.Context, job cron.Job) (cron.Job, error) {
	if _, err := cron.Parse(job.Schedule); err != nil {
		return cron.Job{}, fmt.Errorf("%w: %v", cron.ErrInvalidSchedule, err)
	}
	job.ID = "j-new"
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Update(ctx context.Context, id string, job cron.Job) (cron.Job, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return cron.Job{}, err
	}
	job.ID = id
	f.jobs[id] = job
	return job, nil
}

func (f *fakeJobs) Delete(ctx context.Context, id string) error {
	if _, err := f.Get(ctx, id); err != nil {
		return err
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (cron.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return cron.Job{}, fmt.Errorf("%w: %s", cron.ErrJobNotFound, id)
	}
	return job, nil
}

func (f *fakeJobs) List(context.Context) ([]cron.Job, error) {
	var out []cron.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) History(ctx context.Context, id string, _ int) ([]cron.JobRun, error) {
	if _, err := f.Get(ctx, id); err != nil {
		return nil, err
	}
	return []cron.JobRun{{ID: "jr1", JobID: id, Status: cron.StatusSuccess}}, nil
}

func (f *fakeJobs) RunNow(ctx context.Context, id string) (string, error) {
	if id == "busy" {
		return "", fmt.Errorf("%w: busy", cron.ErrJobRunning)
	}
	if _, err := f.Get(ctx, id); err != nil {
		return "", err
	}
	return "jr2", nil
}

type fakeImages struct {
	mu      sync.Mutex
	pulling string
	pulled  []string
}

func (f *fakeImages) Status(_ context.Context, ref string) (sandbox.ImageStatus, error) {
	if strings.HasSuffix(ref, ":local") {
		return sandbox.ImageInstalled, nil
	}
	return sandbox.ImageNotFound, nil
}

func (f *fakeImages) StartPull(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pulling != "" {
		return fmt.Errorf("%w (%s)", sandbox.ErrPullInFlight, f.pulling)
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

type fakeAuth struct{}

func (fakeAuth) Status(tool toolproxy.Tool) toolproxy.AuthResult {
	return toolproxy.AuthResult{ToolID: tool.ID, Status: toolproxy.AuthUnknown}
}

func (fakeAuth) Refresh(_ context.Context, tool toolproxy.Tool) toolproxy.AuthResult {
	return toolproxy.AuthResult{ToolID: tool.ID, Status: toolproxy.AuthValid}
}

func (fakeAuth) RefreshAsync(toolproxy.Tool) {}

func (fakeAuth) Reauth(_ context.Context, tool toolproxy.Tool) (toolproxy.AuthResult, error) {
	if len(tool.ReauthCommand) == 0 {
		return toolproxy.AuthResult{ToolID: tool.ID, Status: toolproxy.AuthNeedsReauth}, fmt.Errorf("tool %s has no re-auth command", tool.ID)
	}
	return toolproxy.AuthResult{ToolID: tool.ID, Status: toolproxy.AuthValid}, nil
}

type fixture struct {
	srv       *httptest.Server
	runs      *fakeRuns
	followups *fakeFollowups
	images    *fakeImages
	settings  *config.Live
	bus       *notify.Bus
	store     *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, config.DatabaseFile), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	settings := config.DefaultSettings()
	settings.Sandbox.Image = "ghcr.io/acme/agent:local"

	f := &fixture{
		runs: &fakeRuns{runs: map[string]agent.Run{
			"live": {ID: "live", State: agent.StateExecuting},
			"done": {ID: "done", State: agent.StateCompleted},
		}},
		followups: &fakeFollowups{},
		images:    &fakeImages{},
		settings:  config.NewLive(settings, false),
		bus:       notify.New(),
		store:     st,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHandler(ctx, Deps{
		Runs:      f.runs,
		Followups: f.followups,
		Jobs:      &fakeJobs{jobs: map[string]cron.Job{"j1": {ID: "j1", Name: "nightly", Schedule: "@daily"}}},
		Catalog:   st,
		Images:    f.images,
		Auth:      fakeAuth{},
		Settings:  f.settings,
		Bus:       f.bus,
	})
	f.srv = httptest.NewServer(NewServer(h))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartRun(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"repo":              "/src/app",
		"prompt":            "fix it",
		"single_flight_key": "sneaky",
		"source":            "cron",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var started startResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, "run-1", started.ID)
	require.Len(t, f.runs.started, 1)
	assert.Empty(t, f.runs.started[0].SingleFlightKey)
	assert.Empty(t, f.runs.started[0].Source)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs", map[string]any{"repo": "/src/app"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/missing/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/done/nudge", nudgeRequest{Text: "hi"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/live/nudge", nudgeRequest{Text: "also add tests"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"also add tests"}, f.runs.nudges)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/live/stop", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFollowUpTakesParentFromPath(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/runs/done/followup", map[string]any{"prompt": "now the docs"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Equal(t, "done", f.followups.got.ParentID)
	assert.Equal(t, "now the docs", f.followups.got.Prompt)

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/busy/followup", map[string]any{"prompt": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCronRoutes(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/cron/jobs", cron.Job{Name: "bad", Schedule: "every day"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/cron/jobs", cron.Job{Name: "hourly", Schedule: "0 * * * *"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = f.do(t, http.MethodPost, "/v1/cron/jobs/j1/run", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/cron/jobs/busy/run", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/cron/jobs/j1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []cron.JobRun
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Len(t, history, 1)

	resp, _ = f.do(t, http.MethodPut, "/v1/cron/jobs/nope", cron.Job{Name: "x", Schedule: "@daily"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/v1/cron/jobs/j1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/cron/jobs/j1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImages(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/images", imageRequest{Ref: "ghcr.io/acme/agent:next"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/images", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var images []imageView
	require.NoError(t, json.Unmarshal(body, &images))
	assert.Equal(t, []imageView{
		{Ref: "ghcr.io/acme/agent:local", Status: sandbox.ImageInstalled, Selected: true},
		{Ref: "ghcr.io/acme/agent:next", Status: sandbox.ImageNotFound},
	}, images)

	resp, _ = f.do(t, http.MethodDelete, "/v1/images?ref=ghcr.io/acme/agent:local", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/images/select", imageRequest{Ref: "ghcr.io/acme/agent:next"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "ghcr.io/acme/agent:next", f.settings.Sandbox().Image)

	resp, _ = f.do(t, http.MethodPost, "/v1/images/pull", imageRequest{})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"ghcr.io/acme/agent:next"}, f.images.pulled)

	f.images.pulling = "ghcr.io/acme/agent:next"
	resp, _ = f.do(t, http.MethodPost, "/v1/images/pull", imageRequest{Ref: "ghcr.io/acme/other:1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/v1/images?ref=ghcr.io/acme/unknown:1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSettingsUpdates(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/v1/settings/resources", map[string]any{"cpus": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/v1/settings/resources", map[string]any{"memory": "lots"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/v1/settings/resources", map[string]any{"cpus": 2.5, "memory": "4g"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sb := f.settings.Sandbox()
	assert.Equal(t, 2.5, sb.CPUs)
	assert.Equal(t, "4g", sb.Memory)
	assert.Equal(t, 2, sb.Parallelism, "unset fields are kept")

	resp, _ = f.do(t, http.MethodPut, "/v1/settings/sandbox", map[string]any{
		"network_isolation": true,
		"allowed_hosts":     []string{"github.com", "*.npmjs.org"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sb = f.settings.Sandbox()
	assert.True(t, sb.NetworkIsolation)
	assert.Equal(t, []string{"github.com", "*.npmjs.org"}, sb.AllowedHosts)

	resp, _ = f.do(t, http.MethodPut, "/v1/settings/sandbox", map[string]any{"allowed_hosts": []string{"[unclosed"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTools(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/tools", toolproxy.Tool{ID: "gh"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/tools", toolproxy.Tool{ID: "gh", HostPath: "/usr/bin/gh", Enabled: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodPost, "/v1/tools/gh/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view toolView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.False(t, view.Enabled)

	tool, _, err := f.store.LookupTool(context.Background(), "gh")
	require.NoError(t, err)
	assert.False(t, tool.Enabled)

	resp, body = f.do(t, http.MethodPost, "/v1/tools/gh/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var auth toolproxy.AuthResult
	require.NoError(t, json.Unmarshal(body, &auth))
	assert.Equal(t, toolproxy.AuthValid, auth.Status)

	resp, _ = f.do(t, http.MethodPost, "/v1/tools/gh/auth/reauth", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/tools/missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/tools/missing/auth/check", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tools []toolView
	require.NoError(t, json.Unmarshal(body, &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, toolproxy.AuthUnknown, tools[0].Auth.Status)
}

func TestEventsFiltersByRun(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events?run_id=r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is set up after the handshake, so keep publishing
	// until something arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.bus.Publish(notify.Message{Kind: notify.RunStatus, RunID: "r2", State: "executing"})
				f.bus.Publish(notify.Message{Kind: notify.RunStatus, RunID: "r1", State: "completed"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "r1", msg.RunID)
	assert.Equal(t, notify.RunStatus, msg.Kind)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{agent.ErrRunNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", cron.ErrJobNotFound), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{agent.ErrInvalidRequest, http.StatusBadRequest},
		{cron.ErrInvalidWorkflow, http.StatusBadRequest},
		{agent.ErrRunInFlight, http.StatusConflict},
		{sandbox.ErrPullInFlight, http.StatusConflict},
		{sandbox.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusOf(tc.err), tc.err.Error())
	}
}
