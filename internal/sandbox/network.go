package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/egress"
	"github.com/zpdzap/drydock/internal/engine"
)

// EgressContainer is the single proxy container shared by every isolated
// sandbox.
const EgressContainer = "drydock-egress"

const egressHealthTimeout = 30 * time.Second

// Egress manages the internal network and the shared egress proxy
// container, and registers per-sandbox allow-lists with it.
type Egress struct {
	engine     engine.Engine
	cfg        config.EgressConfig
	bridgeHost string
	client     *egress.Client
	logger     *slog.Logger

	mu    sync.Mutex
	ready bool
}

type EgressOptions struct {
	// BridgeHost is always reachable through the proxy.
	BridgeHost string
	// AdminURL overrides the admin endpoint published on host loopback.
	AdminURL string
	Logger   *slog.Logger
}

func NewEgress(eng engine.Engine, cfg config.EgressConfig, opts EgressOptions) *Egress {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	adminURL := opts.AdminURL
	if adminURL == "" {
		adminURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.AdminPort)
	}
	return &Egress{
		engine:     eng,
		cfg:        cfg,
		bridgeHost: opts.BridgeHost,
		client:     &egress.Client{BaseURL: adminURL, Token: uuid.NewString()},
		logger:     logger,
	}
}

// Ensure creates the internal network and (re)creates the proxy container
// once per engine process. The admin token is new on every start, so a
// proxy left over from an earlier process is replaced.
func (e *Egress) Ensure(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	exists, err := e.engine.NetworkExists(ctx, e.cfg.Network)
	if err != nil {
		return fmt.Errorf("checking network %s: %w", e.cfg.Network, err)
	}
	if !exists {
		if err := e.engine.CreateNetwork(ctx, e.cfg.Network, true); err != nil {
			return fmt.Errorf("creating network %s: %w", e.cfg.Network, err)
		}
	}

	if state, _ := e.engine.ContainerState(ctx, EgressContainer); state != "" {
		e.engine.RemoveContainer(ctx, EgressContainer)
	}

	proxyPort := strconv.Itoa(e.cfg.Port)
	adminPort := strconv.Itoa(e.cfg.AdminPort)
	cmd := []string{"drydock", "egress", "--listen", ":" + proxyPort, "--admin", ":" + adminPort}
	if e.bridgeHost != "" {
		cmd = append(cmd, "--allow", e.bridgeHost)
	}
	_, err = e.engine.RunContainer(ctx, engine.ContainerSpec{
		Name:  EgressContainer,
		Image: e.cfg.Image,
		Labels: map[string]string{
			engine.LabelManaged: "true",
			engine.LabelRole:    "egress",
		},
		Env:        []string{egress.EnvAdminToken + "=" + e.client.Token},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Ports:      []string{"127.0.0.1:" + adminPort + ":" + adminPort},
		Cmd:        cmd,
	})
	if err != nil {
		return fmt.Errorf("starting egress proxy: %w", err)
	}
	if err := e.engine.ConnectNetwork(ctx, e.cfg.Network, EgressContainer); err != nil {
		return fmt.Errorf("attaching egress proxy to %s: %w", e.cfg.Network, err)
	}
	if err := e.waitHealthy(ctx); err != nil {
		return err
	}
	e.ready = true
	e.logger.Info("egress proxy ready", "network", e.cfg.Network)
	return nil
}

func (e *Egress) waitHealthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, egressHealthTimeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.client.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("egress proxy did not become healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Register installs runID's allow-list and returns the proxy environment
// for its container.
func (e *Egress) Register(ctx context.Context, runID string, hosts []string) ([]string, error) {
	token := uuid.NewString()
	if err := e.client.Register(ctx, egress.Policy{ID: runID, Token: token, Hosts: hosts}); err != nil {
		return nil, err
	}
	proxy := egress.ProxyURL(EgressContainer, e.cfg.Port, runID, token)
	return []string{
		"HTTP_PROXY=" + proxy,
		"HTTPS_PROXY=" + proxy,
		"http_proxy=" + proxy,
		"https_proxy=" + proxy,
		"NO_PROXY=localhost,127.0.0.1",
		"no_proxy=localhost,127.0.0.1",
	}, nil
}

// Unregister revokes runID's credential.
func (e *Egress) Unregister(ctx context.Context, runID string) error {
	return e.client.Unregister(ctx, runID)
}

// Network is the internal network isolated sandboxes join.
func (e *Egress) Network() string {
	return e.cfg.Network
}
