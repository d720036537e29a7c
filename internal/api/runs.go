package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/followup"
)

type startResponse struct {
	ID string `json:"id"`
}

type nudgeRequest struct {
	Text string `json:"text"`
}

func (h *Handler) StartRun(c echo.Context) error {
	var req agent.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	// Single-flight keys and sources are set by internal callers only.
	req.SingleFlightKey = ""
	req.Source = ""
	id, err := h.Runs.Start(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, startResponse{ID: id})
}

func (h *Handler) ListRuns(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, "limit must be a number")
	}
	runs, err := h.Runs.List(c.Request().Context(), limit)
	if err != nil {
		return h.fail(c, err)
	}
	if runs == nil {
		runs = []agent.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns the run with its full event history.
func (h *Handler) GetRun(c echo.Context) error {
	snap, err := h.Runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) StopRun(c echo.Context) error {
	if err := h.Runs.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) NudgeRun(c echo.Context) error {
	var req nudgeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.Runs.Nudge(c.Request().Context(), c.Param("id"), req.Text); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) FollowUp(c echo.Context) error {
	var req followup.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.ParentID = c.Param("id")
	id, err := h.Followups.Start(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, startResponse{ID: id})
}

func queryInt(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
