package egress

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// EnvAdminToken carries the admin API token into the egress container.
const EnvAdminToken = "DRYDOCK_EGRESS_ADMIN_TOKEN"

type putPolicyRequest struct {
	Token string   `json:"token"`
	Hosts []string `json:"hosts"`
}

type apiError struct {
	Error string `json:"error"`
}

// NewAdmin returns the admin API handler. Every route except /health
// requires "Authorization: Bearer <adminToken>".
func NewAdmin(policies *Policies, adminToken string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/v1", requireToken(adminToken))
	v1.GET("/policies", func(c echo.Context) error {
		ids := policies.IDs()
		sort.Strings(ids)
		return c.JSON(http.StatusOK, map[string][]string{"ids": ids})
	})
	v1.PUT("/policies/:id", func(c echo.Context) error {
		var req putPolicyRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, apiError{Error: "invalid request body"})
		}
		if err := policies.Put(Policy{ID: c.Param("id"), Token: req.Token, Hosts: req.Hosts}); err != nil {
			return c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	})
	v1.DELETE("/policies/:id", func(c echo.Context) error {
		policies.Delete(c.Param("id"))
		return c.NoContent(http.StatusNoContent)
	})
	return e
}

func requireToken(adminToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) != 1 {
				return c.JSON(http.StatusUnauthorized, apiError{Error: "invalid admin token"})
			}
			return next(c)
		}
	}
}

// ServerConfig configures Serve.
type ServerConfig struct {
	ProxyAddr     string
	AdminAddr     string
	AdminToken    string
	AlwaysAllowed []string
	Logger        *slog.Logger
}

// Serve runs the proxy and admin listeners until ctx is cancelled.
func Serve(ctx context.Context, cfg ServerConfig) error {
	if cfg.AdminToken == "" {
		return errors.New("egress admin token is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policies, err := NewPolicies(cfg.AlwaysAllowed)
	if err != nil {
		return err
	}

	proxySrv := &http.Server{Addr: cfg.ProxyAddr, Handler: NewProxy(policies, logger)}
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: NewAdmin(policies, cfg.AdminToken)}

	errc := make(chan error, 2)
	for _, srv := range []*http.Server{proxySrv, adminSrv} {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}
	logger.Info("egress proxy listening", "proxy", cfg.ProxyAddr, "admin", cfg.AdminAddr)

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proxySrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
	return err
}
