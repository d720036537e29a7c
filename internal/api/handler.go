// Package api exposes the engine's command surface over HTTP and pushes
// notifications to observers over a websocket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/cron"
	"github.com/zpdzap/drydock/internal/followup"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/sandbox"
	"github.com/zpdzap/drydock/internal/store"
	"github.com/zpdzap/drydock/internal/toolproxy"
)

// Runs is the lifecycle manager as the API sees it.
type Runs interface {
	Start(ctx context.Context, req agent.Request) (string, error)
	Stop(ctx context.Context, id string) error
	Nudge(ctx context.Context, id, text string) error
	Status(ctx context.Context, id string) (agent.Snapshot, error)
	List(ctx context.Context, limit int) ([]agent.Run, error)
}

type Followups interface {
	Start(ctx context.Context, req followup.Request) (string, error)
}

type Jobs interface {
	Add(ctx context.Context, job cron.Job) (cron.Job, error)
	Update(ctx context.Context, id string, job cron.Job) (cron.Job, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (cron.Job, error)
	List(ctx context.Context) ([]cron.Job, error)
	History(ctx context.Context, id string, limit int) ([]cron.JobRun, error)
	RunNow(ctx context.Context, id string) (string, error)
}

// Catalog holds the managed image list and the tool registry.
type Catalog interface {
	AddImage(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
	ListImages(ctx context.Context) ([]string, error)

	LookupTool(ctx context.Context, id string) (toolproxy.Tool, bool, error)
	PutTool(ctx context.Context, tool toolproxy.Tool) error
	SetToolEnabled(ctx context.Context, id string, enabled bool) (toolproxy.Tool, error)
	ListTools(ctx context.Context) ([]toolproxy.Tool, error)
}

type Images interface {
	Status(ctx context.Context, ref string) (sandbox.ImageStatus, error)
	StartPull(ctx context.Context, ref string) error
}

type Auth interface {
	Status(tool toolproxy.Tool) toolproxy.AuthResult
	Refresh(ctx context.Context, tool toolproxy.Tool) toolproxy.AuthResult
	RefreshAsync(tool toolproxy.Tool)
	Reauth(ctx context.Context, tool toolproxy.Tool) (toolproxy.AuthResult, error)
}

type Subscriber interface {
	Subscribe(buffer int) (<-chan notify.Message, func())
}

type Deps struct {
	Runs      Runs
	Followups Followups
	Jobs      Jobs
	Catalog   Catalog
	Images    Images
	Auth      Auth
	Settings  *config.Live
	Bus       Subscriber
	Logger    *slog.Logger
}

// Handler serves the command surface.
type Handler struct {
	Deps
	// background is the context for work that outlives a request, such as
	// image pulls.
	background context.Context
}

func NewHandler(background context.Context, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Handler{Deps: deps, background: background}
}

// NewServer returns an echo instance with every route mounted.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.Logger.Debug("api request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	h.RegisterRoutes(e)
	return e
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:id", h.GetRun)
	e.POST("/v1/runs/:id/stop", h.StopRun)
	e.POST("/v1/runs/:id/nudge", h.NudgeRun)
	e.POST("/v1/runs/:id/followup", h.FollowUp)

	e.GET("/v1/cron/jobs", h.ListJobs)
	e.POST("/v1/cron/jobs", h.AddJob)
	e.GET("/v1/cron/jobs/:id", h.GetJob)
	e.PUT("/v1/cron/jobs/:id", h.UpdateJob)
	e.DELETE("/v1/cron/jobs/:id", h.DeleteJob)
	e.POST("/v1/cron/jobs/:id/run", h.RunJob)
	e.GET("/v1/cron/jobs/:id/runs", h.JobHistory)

	e.GET("/v1/images", h.ListImages)
	e.POST("/v1/images", h.AddImage)
	e.DELETE("/v1/images", h.RemoveImage)
	e.POST("/v1/images/select", h.SelectImage)
	e.POST("/v1/images/pull", h.PullImage)

	e.GET("/v1/settings", h.GetSettings)
	e.PUT("/v1/settings/resources", h.UpdateResources)
	e.PUT("/v1/settings/sandbox", h.UpdateSandbox)

	e.GET("/v1/tools", h.ListTools)
	e.POST("/v1/tools", h.AddTool)
	e.POST("/v1/tools/:id/enable", h.EnableTool)
	e.POST("/v1/tools/:id/disable", h.DisableTool)
	e.POST("/v1/tools/:id/auth/check", h.CheckToolAuth)
	e.POST("/v1/tools/:id/auth/reauth", h.ReauthTool)

	e.GET("/v1/events", h.Events)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type apiError struct {
	Error string `json:"error"`
}

// fail writes err with the status its sentinel maps to.
func (h *Handler) fail(c echo.Context, err error) error {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("api request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(status, apiError{Error: err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, apiError{Error: msg})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, agent.ErrRunNotFound),
		errors.Is(err, cron.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrInvalidRequest),
		errors.Is(err, cron.ErrInvalidWorkflow),
		errors.Is(err, cron.ErrInvalidSchedule),
		errors.Is(err, sandbox.ErrInvalidLimits),
		errors.Is(err, errInvalidTool),
		errors.Is(err, errInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrRunInFlight),
		errors.Is(err, agent.ErrRunNotInteractive),
		errors.Is(err, followup.ErrParentActive),
		errors.Is(err, cron.ErrJobRunning),
		errors.Is(err, sandbox.ErrPullInFlight),
		errors.Is(err, errImageSelected):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
