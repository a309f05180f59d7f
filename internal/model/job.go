package model

import "time"

// TimeWindow is a half-open historical interval [Start, End) with a stable
// human-readable label derived from the selector that produced it.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

// ComputeParams is the frozen parameter snapshot of one computation. It is
// validated at job creation; the engine never interprets loose maps.
type ComputeParams struct {
	Region      string      `json:"region" validate:"required"`
	PartnerCode string      `json:"partnerCode" validate:"required"`
	Direction   Direction   `json:"direction" validate:"required,oneof=send recv both"`
	Mode        ComputeMode `json:"mode" validate:"required,oneof=per_entity aggregate_all split"`

	// IncludeNames narrows the group selection; ExcludeNames defines the
	// excluded subset of the split mode.
	IncludeNames []string `json:"includeNames,omitempty"`
	ExcludeNames []string `json:"excludeNames,omitempty"`

	// DailyExport emits one row per calendar day instead of one per period.
	DailyExport bool `json:"dailyExport,omitempty"`
	// DailySettlement reports the mean of per-day percentiles as the single
	// period value. Distinct from the default whole-period percentile.
	DailySettlement bool `json:"dailySettlement,omitempty"`

	SortBy    string    `json:"sortBy,omitempty" validate:"omitempty,oneof=name date value sample_count"`
	SortOrder SortOrder `json:"sortOrder,omitempty" validate:"omitempty,oneof=asc desc"`

	// BatchSize, IntervalSeconds and UnitBase fall back to configured
	// defaults when zero.
	BatchSize       int `json:"batchSize,omitempty" validate:"omitempty,min=1"`
	IntervalSeconds int `json:"intervalSeconds,omitempty" validate:"omitempty,min=1"`
	UnitBase        int `json:"unitBase,omitempty" validate:"omitempty,oneof=1000 1024"`

	ExportFormats    []ExportFormat `json:"exportFormats,omitempty" validate:"omitempty,dive,oneof=csv xlsx"`
	FilenameTemplate string         `json:"filenameTemplate,omitempty"`
}

// Artifact is one exported result file of a job.
type Artifact struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
}

// Job is one persisted execution of the computation pipeline. Window and
// Params are snapshotted at creation and never rewritten, so a job's result
// stays reproducible from its own stored state even after its task is edited.
type Job struct {
	ID           string        `json:"id"`
	TaskID       *int64        `json:"taskId,omitempty"`
	Status       JobStatus     `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	Window       TimeWindow    `json:"window"`
	Params       ComputeParams `json:"params"`
	Artifacts    []Artifact    `json:"artifacts"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	LogPath      string        `json:"logPath,omitempty"`
}

// ResultRow is one computed billing value, per entity, per day, or per
// aggregate depending on the partition mode.
type ResultRow struct {
	GroupID         string    `json:"groupId"`
	GroupName       string    `json:"groupName"`
	CorrelationID   string    `json:"correlationId"`
	InstitutionID   string    `json:"institutionId"`
	InstitutionName string    `json:"institutionName"`
	Date            string    `json:"date,omitempty"` // YYYY-MM-DD, daily rows only
	ValueMbps       float64   `json:"valueMbps"`
	SampleCount     int       `json:"sampleCount"`
	Direction       Direction `json:"direction"`
}
