package model

import "time"

// Schedule describes how a periodic task fires.
type Schedule struct {
	Type ScheduleType `json:"type" validate:"required,oneof=cron interval weekly"`
	// Expr carries the cron expression for cron schedules and the interval
	// seconds (decimal string) for interval schedules.
	Expr string `json:"expr,omitempty"`
	// Weekday and TimeOfDay (HH:MM or HH:MM:SS) apply to weekly schedules.
	Weekday   time.Weekday `json:"weekday,omitempty" validate:"omitempty,min=0,max=6"`
	TimeOfDay string       `json:"timeOfDay,omitempty"`
}

// WindowParams are the selector-specific parameters of a window selector.
type WindowParams struct {
	// StartTime/EndTime ("2006-01-02 15:04:05", task timezone) apply to the
	// custom selector; the end instant is exclusive.
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
	// N is the trailing day count for last_n_days; 0 means the default 7.
	N int `json:"n,omitempty"`
}

// Task is a named, reusable definition that produces jobs, optionally on a
// recurring trigger. Editing a task never touches jobs it already produced.
type Task struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Active         bool           `json:"active"`
	Kind           TaskKind       `json:"kind"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
	Timezone       string         `json:"timezone"`
	WindowSelector WindowSelector `json:"windowSelector"`
	WindowParams   WindowParams   `json:"windowParams"`
	Params         ComputeParams  `json:"params"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
