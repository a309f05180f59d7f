// Package store persists task definitions and job records in an embedded
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nfabilling/api/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a guarded status update matches
	// no row: the job is gone or not in the required source status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobRunning blocks deletion of a job whose work is in flight.
	ErrJobRunning = errors.New("job is running")
	// ErrDuplicateName rejects a second task with an existing name.
	ErrDuplicateName = errors.New("task name already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	active INTEGER NOT NULL DEFAULT 1,
	kind TEXT NOT NULL DEFAULT 'one_off',
	schedule TEXT,
	timezone TEXT NOT NULL,
	window_selector TEXT NOT NULL,
	window_params TEXT NOT NULL,
	params TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	task_id INTEGER,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	window TEXT NOT NULL,
	params TEXT NOT NULL,
	artifacts TEXT,
	error_message TEXT,
	log_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
`

// Store wraps the embedded database. Job status updates are per-record
// guarded UPDATEs, so concurrent actors (scheduler, API, sweeper) cannot
// lose updates or take illegal transitions.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing handle; tests pass ":memory:".
func NewWithDB(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type taskRow struct {
	ID             int64          `db:"id"`
	Name           string         `db:"name"`
	Active         bool           `db:"active"`
	Kind           string         `db:"kind"`
	Schedule       sql.NullString `db:"schedule"`
	Timezone       string         `db:"timezone"`
	WindowSelector string         `db:"window_selector"`
	WindowParams   string         `db:"window_params"`
	Params         string         `db:"params"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r taskRow) toTask() (model.Task, error) {
	t := model.Task{
		ID:             r.ID,
		Name:           r.Name,
		Active:         r.Active,
		Kind:           model.TaskKind(r.Kind),
		Timezone:       r.Timezone,
		WindowSelector: model.WindowSelector(r.WindowSelector),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Schedule.Valid && r.Schedule.String != "" {
		var sched model.Schedule
		if err := json.Unmarshal([]byte(r.Schedule.String), &sched); err != nil {
			return t, fmt.Errorf("decode schedule: %w", err)
		}
		t.Schedule = &sched
	}
	if err := json.Unmarshal([]byte(r.WindowParams), &t.WindowParams); err != nil {
		return t, fmt.Errorf("decode window params: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Params), &t.Params); err != nil {
		return t, fmt.Errorf("decode params: %w", err)
	}
	return t, nil
}

func encodeTask(t *model.Task) (schedule sql.NullString, windowParams, params string, err error) {
	if t.Schedule != nil {
		b, err := json.Marshal(t.Schedule)
		if err != nil {
			return schedule, "", "", err
		}
		schedule = sql.NullString{String: string(b), Valid: true}
	}
	wp, err := json.Marshal(t.WindowParams)
	if err != nil {
		return schedule, "", "", err
	}
	p, err := json.Marshal(t.Params)
	if err != nil {
		return schedule, "", "", err
	}
	return schedule, string(wp), string(p), nil
}

// CreateTask inserts a task and fills in its ID and timestamps.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	schedule, wp, p, err := encodeTask(t)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (name, active, kind, schedule, timezone, window_selector, window_params, params, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Active, t.Kind, schedule, t.Timezone, t.WindowSelector, wp, p, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// UpdateTask replaces the definition of an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	schedule, wp, p, err := encodeTask(t)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, active=?, kind=?, schedule=?, timezone=?, window_selector=?, window_params=?, params=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Active, t.Kind, schedule, t.Timezone, t.WindowSelector, wp, p, t.UpdatedAt, t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return err
	}
	return requireRow(res)
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id=?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, err
	}
	return row.toTask()
}

func (s *Store) ListTasks(ctx context.Context) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks ORDER BY id DESC`); err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DeleteTask removes a task definition. Jobs it already produced keep their
// snapshots and stay queryable.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type jobRow struct {
	ID           string         `db:"id"`
	TaskID       sql.NullInt64  `db:"task_id"`
	Status       string         `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	Window       string         `db:"window"`
	Params       string         `db:"params"`
	Artifacts    sql.NullString `db:"artifacts"`
	ErrorMessage sql.NullString `db:"error_message"`
	LogPath      sql.NullString `db:"log_path"`
}

func (r jobRow) toJob() (model.Job, error) {
	j := model.Job{
		ID:           r.ID,
		Status:       model.JobStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		ErrorMessage: r.ErrorMessage.String,
		LogPath:      r.LogPath.String,
	}
	if r.TaskID.Valid {
		id := r.TaskID.Int64
		j.TaskID = &id
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		j.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(r.Window), &j.Window); err != nil {
		return j, fmt.Errorf("decode window: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Params), &j.Params); err != nil {
		return j, fmt.Errorf("decode params: %w", err)
	}
	if r.Artifacts.Valid && r.Artifacts.String != "" {
		if err := json.Unmarshal([]byte(r.Artifacts.String), &j.Artifacts); err != nil {
			return j, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return j, nil
}

// CreateJob durably writes a pending job with its frozen window and
// parameter snapshot.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	window, err := json.Marshal(j.Window)
	if err != nil {
		return err
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}
	j.Status = model.JobStatusPending
	j.CreatedAt = time.Now().UTC()
	var taskID sql.NullInt64
	if j.TaskID != nil {
		taskID = sql.NullInt64{Int64: *j.TaskID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, task_id, status, created_at, window, params, log_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, taskID, j.Status, j.CreatedAt, string(window), string(params), j.LogPath)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id=?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, err
	}
	return row.toJob()
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status model.JobStatus
	TaskID *int64
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	query := `SELECT * FROM jobs`
	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.TaskID != nil {
		conds = append(conds, "task_id = ?")
		args = append(args, *f.TaskID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	jobs := make([]model.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// MarkRunning transitions pending → running. Any other source status fails
// with ErrInvalidTransition.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, started_at=? WHERE id=? AND status=?`,
		model.JobStatusRunning, at.UTC(), id, model.JobStatusPending)
	if err != nil {
		return err
	}
	return requireTransition(res)
}

// MarkSucceeded transitions running → succeeded and records the artifacts.
func (s *Store) MarkSucceeded(ctx context.Context, id string, at time.Time, artifacts []model.Artifact) error {
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, finished_at=?, artifacts=? WHERE id=? AND status=?`,
		model.JobStatusSucceeded, at.UTC(), string(encoded), id, model.JobStatusRunning)
	if err != nil {
		return err
	}
	return requireTransition(res)
}

// MarkFailed transitions running → failed with the captured error message.
func (s *Store) MarkFailed(ctx context.Context, id string, at time.Time, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, finished_at=?, error_message=? WHERE id=? AND status=?`,
		model.JobStatusFailed, at.UTC(), message, id, model.JobStatusRunning)
	if err != nil {
		return err
	}
	return requireTransition(res)
}

// DeleteJob removes a job record. A running job cannot be deleted; its work
// would keep going with nowhere to record the outcome.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id=? AND status != ?`, id, model.JobStatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, id); err == nil {
			return ErrJobRunning
		}
		return ErrNotFound
	}
	return nil
}

// ListFinishedBefore returns terminal jobs whose finish time predates the
// cutoff. Pending and running jobs are never returned regardless of age.
func (s *Store) ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	jobs := make([]model.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func requireRow(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func requireTransition(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
