package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/nfabilling/api/internal/engine"
	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/scheduler"
	"github.com/nfabilling/api/internal/store"
	"github.com/nfabilling/api/internal/timewindow"
	"github.com/nfabilling/api/pkg/response"
)

type TaskHandler struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	dispatcher *engine.Dispatcher
	validator  *validator.Validate
}

func NewTaskHandler(st *store.Store, sched *scheduler.Scheduler, disp *engine.Dispatcher, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		store:      st,
		scheduler:  sched,
		dispatcher: disp,
		validator:  v,
	}
}

func taskFromRequest(req *model.TaskCreateRequest) model.Task {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return model.Task{
		Name:           req.Name,
		Active:         active,
		Kind:           req.Kind,
		Schedule:       req.Schedule,
		Timezone:       req.Timezone,
		WindowSelector: req.WindowSelector,
		WindowParams:   req.WindowParams,
		Params:         req.Params,
	}
}

// errRejected marks a request whose 400 response has already been written.
// fiber's JSON helpers return nil on a successful write, so a rejection must
// carry its own signal back to the caller.
var errRejected = errors.New("request rejected")

func rejected(c *fiber.Ctx, message string, details interface{}) error {
	if err := response.ValidationError(c, message, details); err != nil {
		return err
	}
	return errRejected
}

func (h *TaskHandler) parseBody(c *fiber.Ctx) (*model.Task, error) {
	var req model.TaskCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, rejected(c, "Invalid request body", nil)
	}
	// Default before validating so omitted fields pass their oneof checks.
	if req.Params.Direction == "" {
		req.Params.Direction = model.DirectionBoth
	}
	if req.Params.Mode == "" {
		req.Params.Mode = model.ModePerEntity
	}
	task := taskFromRequest(&req)
	if err := h.validator.Struct(&req); err != nil {
		return nil, rejected(c, "Validation failed", formatValidationErrors(err))
	}
	if task.Timezone != "" {
		if _, err := time.LoadLocation(task.Timezone); err != nil {
			return nil, rejected(c, "Unknown timezone", task.Timezone)
		}
	}
	if err := scheduler.ValidateSchedule(task); err != nil {
		return nil, rejected(c, err.Error(), nil)
	}
	// Dry-run the window so an unresolvable definition fails at save time,
	// not on its first trigger.
	loc := time.UTC
	if task.Timezone != "" {
		loc, _ = time.LoadLocation(task.Timezone)
	}
	if _, err := timewindow.Resolve(task.WindowSelector, task.WindowParams, loc, time.Now()); err != nil {
		return nil, rejected(c, err.Error(), nil)
	}
	if task.Kind == model.TaskKindPeriodic && task.Schedule == nil {
		return nil, rejected(c, "Periodic task requires a schedule", nil)
	}
	return &task, nil
}

func (h *TaskHandler) taskResponse(t model.Task) model.TaskResponse {
	return model.TaskResponse{Task: t, NextRunTime: h.scheduler.NextRun(t.ID)}
}

// Create handles POST /api/tasks
func (h *TaskHandler) Create(c *fiber.Ctx) error {
	task, err := h.parseBody(c)
	if err != nil {
		if errors.Is(err, errRejected) {
			return nil
		}
		return err
	}
	if err := h.store.CreateTask(c.Context(), task); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return response.Conflict(c, "Task name already in use")
		}
		return response.ServiceError(c, err.Error())
	}
	if err := h.scheduler.RegisterTask(*task); err != nil {
		// Validated above; a failure here is a programming error, not client
		// input.
		return response.ServiceError(c, err.Error())
	}
	return response.Created(c, h.taskResponse(*task))
}

// Update handles PUT /api/tasks/:id with a full replacement definition.
func (h *TaskHandler) Update(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.ValidationError(c, "Invalid task id", nil)
	}
	task, err := h.parseBody(c)
	if err != nil {
		if errors.Is(err, errRejected) {
			return nil
		}
		return err
	}
	task.ID = id
	if err := h.store.UpdateTask(c.Context(), task); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Task not found")
		case errors.Is(err, store.ErrDuplicateName):
			return response.Conflict(c, "Task name already in use")
		default:
			return response.ServiceError(c, err.Error())
		}
	}
	if err := h.scheduler.RegisterTask(*task); err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, h.taskResponse(*task))
}

// List handles GET /api/tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	tasks, err := h.store.ListTasks(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	out := make([]model.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = h.taskResponse(t)
	}
	return response.OK(c, out)
}

// Get handles GET /api/tasks/:id
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.ValidationError(c, "Invalid task id", nil)
	}
	task, err := h.store.GetTask(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, h.taskResponse(task))
}

// Delete handles DELETE /api/tasks/:id. Jobs the task already produced are
// kept; they carry their own frozen snapshots.
func (h *TaskHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.ValidationError(c, "Invalid task id", nil)
	}
	h.scheduler.UnregisterTask(id)
	if err := h.store.DeleteTask(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.NoContent(c)
}

// Run handles POST /api/tasks/:id/run, creating a job from the task's current
// definition immediately.
func (h *TaskHandler) Run(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return response.ValidationError(c, "Invalid task id", nil)
	}
	task, err := h.store.GetTask(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}
	job, err := h.dispatcher.CreateFromTask(c.Context(), task)
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

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
