// Package daemon assembles the engine from settings and serves the command
// API and the tool bridge until its context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/api"
	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/cron"
	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/followup"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/store"
	"github.com/zpdzap/drydock/internal/toolproxy"
	"github.com/zpdzap/drydock/internal/worktree"
)

const (
	// runRetention is how many finished runs are kept across restarts.
	runRetention    = 500
	shutdownTimeout = 30 * time.Second
)

type Options struct {
	// Engine defaults to the docker CLI.
	Engine engine.Engine
	// HostHome is the user's home directory; defaults to os.UserHomeDir.
	HostHome string
	// PersistSettings writes runtime settings changes back to config.yaml.
	PersistSettings bool

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Daemon owns every long-lived component. Build it with New, then call
// Start and Shutdown, or Run.
type Daemon struct {
	settings *config.Settings
	live     *config.Live
	logger   *slog.Logger

	engine    engine.Engine
	store     *store.Store
	bus       *notify.Bus
	images    *sandbox.Images
	prov      *sandbox.Provisioner
	bridge    *toolproxy.Bridge
	manager   *agent.Manager
	followups *followup.Coordinator
	scheduler *cron.Scheduler
	tracer    trace.TracerProvider

	apiListener    net.Listener
	bridgeListener net.Listener
	apiServer      *http.Server
	bridgeServer   *http.Server

	cancel context.CancelFunc
	done   chan struct{}
}

// New opens the store, binds both listeners and wires the components. No
// container work happens until Start.
func New(settings *config.Settings, opts Options) (d *Daemon, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if settings.Home == "" {
		return nil, errors.New("settings home is not set")
	}
	hostHome := opts.HostHome
	if hostHome == "" {
		if hostHome, err = os.UserHomeDir(); err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
	}
	eng := opts.Engine
	if eng == nil {
		eng = engine.NewDocker("docker", logger)
	}

	st, err := store.Open(filepath.Join(settings.Home, config.DatabaseFile), store.Options{
		ArchiveDir: filepath.Join(settings.Home, config.ArchiveDir),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	bridgeListener, err := net.Listen("tcp", settings.Bridge.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening for tool bridge on %s: %w", settings.Bridge.Listen, err)
	}
	defer func() {
		if err != nil {
			bridgeListener.Close()
		}
	}()
	apiListener, err := net.Listen("tcp", settings.API.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening for api on %s: %w", settings.API.Listen, err)
	}

	d = &Daemon{
		settings:       settings,
		live:           config.NewLive(settings, opts.PersistSettings),
		logger:         logger,
		engine:         eng,
		store:          st,
		bus:            notify.New(),
		tracer:         opts.TracerProvider,
		apiListener:    apiListener,
		bridgeListener: bridgeListener,
		done:           make(chan struct{}),
	}
	d.wire(hostHome)
	return d, nil
}

func (d *Daemon) wire(hostHome string) {
	bridgeURL := "http://" + net.JoinHostPort(d.settings.Bridge.HostAddress, port(d.bridgeListener.Addr()))

	d.images = sandbox.NewImages(d.engine, d.bus, d.logger)
	egress := sandbox.NewEgress(d.engine, d.settings.Egress, sandbox.EgressOptions{
		BridgeHost: d.settings.Bridge.HostAddress,
		Logger:     d.logger,
	})
	d.prov = sandbox.NewProvisioner(d.engine, sandbox.Options{
		Home:           d.settings.Home,
		HostHome:       hostHome,
		BridgeURL:      bridgeURL,
		Egress:         egress,
		Logger:         d.logger,
		TracerProvider: d.tracer,
	})
	d.bridge = toolproxy.New(d.store, toolproxy.Options{Logger: d.logger, TracerProvider: d.tracer})
	d.manager = agent.NewManager(d.engine, d.prov, d.bridge, worktree.Git{}, d.store, agent.Config{
		Agent:          d.settings.Agent,
		Spec:           d.resolveSpec,
		Tools:          d.enabledTools,
		Publisher:      d.bus,
		Logger:         d.logger,
		TracerProvider: d.tracer,
	})
	d.followups = followup.New(d.manager, d.store, d.logger)
	d.scheduler = cron.New(d.store, d.manager, cron.Options{
		HistoryLimit:   d.settings.Cron.HistoryLimit,
		TickInterval:   d.settings.Cron.TickInterval,
		Publisher:      d.bus,
		Logger:         d.logger,
		TracerProvider: d.tracer,
	})
}

// resolveSpec reads the repository's overrides on every spawn, so edits
// apply to the next run.
func (d *Daemon) resolveSpec(repo string) (sandbox.Spec, error) {
	overrides, err := config.LoadOptional(repo)
	if err != nil {
		return sandbox.Spec{}, err
	}
	return sandbox.Resolve(d.live.Sandbox(), overrides, config.Detect(repo))
}

func (d *Daemon) enabledTools(ctx context.Context) []string {
	tools, err := d.store.ListTools(ctx)
	if err != nil {
		d.logger.Warn("listing tools for shims", "error", err)
		return nil
	}
	var ids []string
	for _, t := range tools {
		if t.Enabled {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// APIAddr is the bound address of the command API.
func (d *Daemon) APIAddr() net.Addr { return d.apiListener.Addr() }

// BridgeAddr is the bound address of the tool bridge.
func (d *Daemon) BridgeAddr() net.Addr { return d.bridgeListener.Addr() }

// Start reconciles state left by an earlier process and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	handler := api.NewHandler(ctx, api.Deps{
		Runs:      d.manager,
		Followups: d.followups,
		Jobs:      d.scheduler,
		Catalog:   d.store,
		Images:    d.images,
		Auth:      d.bridge.Auth(),
		Settings:  d.live,
		Bus:       d.bus,
		Logger:    d.logger,
	})
	d.apiServer = &http.Server{Handler: api.NewServer(handler), ReadHeaderTimeout: 10 * time.Second}
	d.bridgeServer = &http.Server{Handler: d.bridgeRouter(), ReadHeaderTimeout: 10 * time.Second}

	go d.serve("api", d.apiServer, d.apiListener)
	go d.serve("tool bridge", d.bridgeServer, d.bridgeListener)
	go func() {
		defer close(d.done)
		if err := d.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("cron scheduler stopped", "error", err)
		}
	}()

	d.logger.Info("drydock started", "api", d.APIAddr().String(), "bridge", d.BridgeAddr().String(), "home", d.settings.Home)
	return nil
}

func (d *Daemon) bridgeRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	d.bridge.RegisterRoutes(e)
	return e
}

func (d *Daemon) serve(name string, srv *http.Server, l net.Listener) {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("server stopped", "server", name, "error", err)
	}
}

// recover marks runs cut off by a crash as failed, removes their
// containers and seeds the catalogs on first use.
// pruneWorktrees removes the worktrees left in the repositories of runs
// the previous process did not tear down. Branches are kept.
func (d *Daemon) pruneWorktrees(ctx context.Context, interrupted []string) {
	repos := make(map[string]bool)
	for _, id := range interrupted {
		run, ok, err := d.store.GetRun(ctx, id)
		if err != nil || !ok || run.Repo == "" {
			continue
		}
		if _, err := os.Stat(run.Repo); err != nil {
			continue
		}
		repos[run.Repo] = true
	}
	for repo := range repos {
		pruned, err := worktree.Prune(repo, d.manager.IsActive)
		if err != nil {
			d.logger.Warn("pruning worktrees", "repo", repo, "error", err)
		}
		if len(pruned) > 0 {
			d.logger.Info("pruned stale worktrees", "repo", repo, "runs", pruned)
		}
	}
}

func (d *Daemon) recover(ctx context.Context) error {
	if err := d.engine.Ping(ctx); err != nil {
		d.logger.Warn("container engine unavailable; runs will fail until it is reachable", "error", err)
	}

	failed, err := d.store.RecoverInterrupted(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		d.logger.Info("marked interrupted runs failed", "count", len(failed), "runs", failed)
		d.pruneWorktrees(ctx, failed)
	}

	reaped, err := d.prov.ReapOrphans(ctx, d.manager.IsActive)
	if err != nil {
		d.logger.Warn("reaping orphaned sandboxes", "error", err)
	} else if len(reaped) > 0 {
		d.logger.Info("reaped orphaned sandboxes", "containers", reaped)
	}

	seeded, err := d.store.SeedTools(ctx, d.settings.Tools)
	if err != nil {
		return err
	}
	if seeded {
		d.logger.Info("seeded tool registry", "tools", len(d.settings.Tools))
	}

	if image := d.live.Sandbox().Image; image != "" {
		if err := d.store.AddImage(ctx, image); err != nil {
			return err
		}
	}

	pruned, err := d.store.PruneRuns(ctx, runRetention)
	if err != nil {
		d.logger.Warn("pruning old runs", "error", err)
	} else if pruned > 0 {
		d.logger.Info("pruned old runs", "count", pruned)
	}
	return nil
}

// Shutdown stops accepting commands, ends every active run and closes the
// store. Calling it before Start only releases resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.apiServer != nil {
		if err := d.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	} else {
		d.apiListener.Close()
	}

	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	d.scheduler.Close()
	if err := d.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping runs: %w", err))
	}

	if d.bridgeServer != nil {
		if err := d.bridgeServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bridge shutdown: %w", err))
		}
	} else {
		d.bridgeListener.Close()
	}

	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	d.logger.Info("drydock stopped")
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

func port(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return strconv.Itoa(tcp.Port)
	}
	_, p, _ := net.SplitHostPort(addr.String())
	return p
}
