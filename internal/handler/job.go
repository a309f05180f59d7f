package handler

import (
	"errors"
	"net/url"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/nfabilling/api/internal/artifact"
	"github.com/nfabilling/api/internal/engine"
	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/store"
	"github.com/nfabilling/api/internal/timewindow"
	"github.com/nfabilling/api/pkg/response"
)

type JobHandler struct {
	store      *store.Store
	dispatcher *engine.Dispatcher
	artifacts  *artifact.Store
	validator  *validator.Validate
}

func NewJobHandler(st *store.Store, disp *engine.Dispatcher, artifacts *artifact.Store, v *validator.Validate) *JobHandler {
	return &JobHandler{
		store:      st,
		dispatcher: disp,
		artifacts:  artifacts,
		validator:  v,
	}
}

// Create handles POST /api/jobs for ad-hoc computations.
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.JobCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if req.Params.Direction == "" {
		req.Params.Direction = model.DirectionBoth
	}
	if req.Params.Mode == "" {
		req.Params.Mode = model.ModePerEntity
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.dispatcher.CreateAdHoc(c.Context(), req)
	if err != nil {
		if errors.Is(err, timewindow.ErrInvalidWindow) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}
	return response.Accepted(c, model.JobCreateResponse{
		JobID:  job.ID,
		Status: job.Status,
		Window: job.Window,
	})
}

// List handles GET /api/jobs with optional status and taskId filters.
func (h *JobHandler) List(c *fiber.Ctx) error {
	var filter store.JobFilter
	if s := c.Query("status"); s != "" {
		status := model.JobStatus(s)
		switch status {
		case model.JobStatusPending, model.JobStatusRunning, model.JobStatusSucceeded, model.JobStatusFailed:
			filter.Status = status
		default:
			return response.ValidationError(c, "Unknown status filter", s)
		}
	}
	if s := c.Query("task_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return response.ValidationError(c, "Invalid task_id filter", s)
		}
		filter.TaskID = &id
	}

	jobs, err := h.store.ListJobs(c.Context(), filter)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	items := make([]model.JobListItem, len(jobs))
	for i, j := range jobs {
		items[i] = model.JobListItem{
			ID:           j.ID,
			TaskID:       j.TaskID,
			Status:       j.Status,
			CreatedAt:    j.CreatedAt,
			FinishedAt:   j.FinishedAt,
			WindowLabel:  j.Window.Label,
			ErrorMessage: j.ErrorMessage,
		}
	}
	return response.OK(c, items)
}

// Get handles GET /api/jobs/:id
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, job)
}

// Download handles GET /api/jobs/:id/artifacts/:filename
func (h *JobHandler) Download(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	filename, err := url.PathUnescape(c.Params("filename"))
	if err != nil {
		return response.ValidationError(c, "Invalid artifact name", nil)
	}
	path := h.artifacts.Resolve(job.ID, filename)
	if _, err := os.Stat(path); err != nil {
		return response.NotFound(c, "Artifact not found")
	}
	return c.Download(path)
}

// Log handles GET /api/jobs/:id/log
func (h *JobHandler) Log(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	if job.LogPath == "" {
		return response.NotFound(c, "Job has no log")
	}
	if _, err := os.Stat(job.LogPath); err != nil {
		return response.NotFound(c, "Job log not found")
	}
	return c.SendFile(job.LogPath)
}

// Delete handles DELETE /api/jobs/:id. Running jobs are refused.
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	err := h.dispatcher.Delete(c.Context(), c.Params("id"))
	switch {
	case err == nil:
		return response.NoContent(c)
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, store.ErrJobRunning):
		return response.Conflict(c, "Job is running and cannot be deleted")
	default:
		return response.ServiceError(c, err.Error())
	}
}
