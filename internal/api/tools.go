package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zpdzap/drydock/internal/store"
	"github.com/zpdzap/drydock/internal/toolproxy"
)

var errInvalidTool = errors.New("invalid tool")

type toolView struct {
	toolproxy.Tool
	Auth toolproxy.AuthResult `json:"auth"`
}

type reauthResponse struct {
	Auth  toolproxy.AuthResult `json:"auth"`
	Error string               `json:"error,omitempty"`
}

// ListTools returns the registry with each tool's cached auth status.
// Listing never runs an auth check.
func (h *Handler) ListTools(c echo.Context) error {
	tools, err := h.Catalog.ListTools(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	views := make([]toolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, toolView{Tool: t, Auth: h.Auth.Status(t)})
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) AddTool(c echo.Context) error {
	var tool toolproxy.Tool
	if err := c.Bind(&tool); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := tool.Validate(); err != nil {
		return h.fail(c, fmt.Errorf("%w: %v", errInvalidTool, err))
	}
	if err := h.Catalog.PutTool(c.Request().Context(), tool); err != nil {
		return h.fail(c, err)
	}
	if tool.Enabled {
		h.Auth.RefreshAsync(tool)
	}
	h.Logger.Info("tool registered", "tool", tool.ID, "host_path", tool.HostPath, "enabled", tool.Enabled)
	return c.JSON(http.StatusCreated, toolView{Tool: tool, Auth: h.Auth.Status(tool)})
}

func (h *Handler) EnableTool(c echo.Context) error  { return h.setToolEnabled(c, true) }
func (h *Handler) DisableTool(c echo.Context) error { return h.setToolEnabled(c, false) }

// setToolEnabled takes effect for the next invocation from any sandbox;
// the bridge looks tools up on every call.
func (h *Handler) setToolEnabled(c echo.Context, enabled bool) error {
	tool, err := h.Catalog.SetToolEnabled(c.Request().Context(), c.Param("id"), enabled)
	if err != nil {
		return h.fail(c, err)
	}
	if enabled {
		h.Auth.RefreshAsync(tool)
	}
	h.Logger.Info("tool toggled", "tool", tool.ID, "enabled", enabled)
	return c.JSON(http.StatusOK, toolView{Tool: tool, Auth: h.Auth.Status(tool)})
}

func (h *Handler) CheckToolAuth(c echo.Context) error {
	tool, err := h.tool(c)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, h.Auth.Refresh(c.Request().Context(), tool))
}

// ReauthTool runs the tool's re-auth command on the host. A failing
// command still reports the refreshed status.
func (h *Handler) ReauthTool(c echo.Context) error {
	tool, err := h.tool(c)
	if err != nil {
		return h.fail(c, err)
	}
	result, err := h.Auth.Reauth(c.Request().Context(), tool)
	if err != nil {
		return c.JSON(http.StatusBadGateway, reauthResponse{Auth: result, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, reauthResponse{Auth: result})
}

func (h *Handler) tool(c echo.Context) (toolproxy.Tool, error) {
	id := c.Param("id")
	tool, ok, err := h.Catalog.LookupTool(c.Request().Context(), id)
	if err != nil {
		return toolproxy.Tool{}, err
	}
	if !ok {
		return toolproxy.Tool{}, fmt.Errorf("tool %s: %w", id, store.ErrNotFound)
	}
	return tool, nil
}
