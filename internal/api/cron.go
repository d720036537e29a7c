package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zpdzap/drydock/internal/cron"
)

type runJobResponse struct {
	JobRunID string `json:"job_run_id"`
}

func (h *Handler) ListJobs(c echo.Context) error {
	jobs, err := h.Jobs.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	if jobs == nil {
		jobs = []cron.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.Jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) AddJob(c echo.Context) error {
	var job cron.Job
	if err := c.Bind(&job); err != nil {
		return badRequest(c, "invalid request body")
	}
	job, err := h.Jobs.Add(c.Request().Context(), job)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

func (h *Handler) UpdateJob(c echo.Context) error {
	var job cron.Job
	if err := c.Bind(&job); err != nil {
		return badRequest(c, "invalid request body")
	}
	job, err := h.Jobs.Update(c.Request().Context(), c.Param("id"), job)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) DeleteJob(c echo.Context) error {
	if err := h.Jobs.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RunJob(c echo.Context) error {
	id, err := h.Jobs.RunNow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, runJobResponse{JobRunID: id})
}

func (h *Handler) JobHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, "limit must be a number")
	}
	runs, err := h.Jobs.History(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return h.fail(c, err)
	}
	if runs == nil {
		runs = []cron.JobRun{}
	}
	return c.JSON(http.StatusOK, runs)
}
