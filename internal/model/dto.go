package model

import "time"

// TaskCreateRequest creates a task definition.
type TaskCreateRequest struct {
	Name           string         `json:"name" validate:"required,max=200"`
	Active         *bool          `json:"active"`
	Kind           TaskKind       `json:"kind" validate:"required,oneof=one_off periodic"`
	Schedule       *Schedule      `json:"schedule" validate:"omitempty"`
	Timezone       string         `json:"timezone"`
	WindowSelector WindowSelector `json:"windowSelector" validate:"required,oneof=custom last_week last_n_days"`
	WindowParams   WindowParams   `json:"windowParams"`
	Params         ComputeParams  `json:"params" validate:"required"`
}

// TaskUpdateRequest carries the full replacement definition; absent optional
// sections clear the corresponding fields.
type TaskUpdateRequest = TaskCreateRequest

// TaskResponse is a task plus scheduler-derived metadata.
type TaskResponse struct {
	Task
	NextRunTime *time.Time `json:"nextRunTime,omitempty"`
}

// JobCreateRequest submits an ad-hoc job carrying its own window and
// parameter payload.
type JobCreateRequest struct {
	WindowSelector WindowSelector `json:"windowSelector" validate:"required,oneof=custom last_week last_n_days"`
	WindowParams   WindowParams   `json:"windowParams"`
	Timezone       string         `json:"timezone"`
	Params         ComputeParams  `json:"params" validate:"required"`
}

// JobCreateResponse acknowledges an accepted job.
type JobCreateResponse struct {
	JobID  string     `json:"jobId"`
	Status JobStatus  `json:"status"`
	Window TimeWindow `json:"window"`
}

// JobListItem is the listing projection of a job.
type JobListItem struct {
	ID           string     `json:"id"`
	TaskID       *int64     `json:"taskId,omitempty"`
	Status       JobStatus  `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	WindowLabel  string     `json:"windowLabel"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}
