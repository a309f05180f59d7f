package model

// Job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further status transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Traffic direction policies
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
	DirectionBoth Direction = "both"
)

// Window selectors
type WindowSelector string

const (
	SelectorCustom    WindowSelector = "custom"
	SelectorLastWeek  WindowSelector = "last_week"
	SelectorLastNDays WindowSelector = "last_n_days"
)

// Computation modes
type ComputeMode string

const (
	// ModePerEntity computes one value per monitored group.
	ModePerEntity ComputeMode = "per_entity"
	// ModeAggregateAll sums all groups per timestamp, then computes once.
	ModeAggregateAll ComputeMode = "aggregate_all"
	// ModeSplit computes the excluded subset per entity and the remaining
	// subset as an aggregate, as two independent outputs.
	ModeSplit ComputeMode = "split"
)

// Task kinds
type TaskKind string

const (
	TaskKindOneOff   TaskKind = "one_off"
	TaskKindPeriodic TaskKind = "periodic"
)

// Schedule types
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleWeekly   ScheduleType = "weekly"
)

// Export formats
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

// Sort orders for result rows
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)
