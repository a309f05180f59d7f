// Package engine runs percentile computations as managed, concurrency-bounded,
// persisted jobs.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/samplestore"
	"github.com/nfabilling/api/internal/timewindow"
)

// DefaultConcurrency is the slot count when none is configured.
const DefaultConcurrency = 3

// Runner executes the fetch/compute/export work of one job.
type Runner interface {
	Run(ctx context.Context, job model.Job, jobLog zerolog.Logger) ([]model.Artifact, error)
}

// JobStore is the slice of the persistence layer the dispatcher drives.
type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkSucceeded(ctx context.Context, id string, at time.Time, artifacts []model.Artifact) error
	MarkFailed(ctx context.Context, id string, at time.Time, message string) error
	DeleteJob(ctx context.Context, id string) error
}

// ArtifactCleaner removes a job's files and names its log file.
type ArtifactCleaner interface {
	LogPath(jobID string) (string, error)
	Delete(jobID string) error
}

// Defaults are filled into parameter snapshots where the caller left zeros.
type Defaults struct {
	BatchSize       int
	UnitBase        int
	IntervalSeconds int
	Timezone        *time.Location
}

// Dispatcher owns the process-wide concurrency slots and moves jobs through
// pending → running → {succeeded | failed}. It is constructed explicitly and
// injected wherever jobs are created; there is no ambient global state.
type Dispatcher struct {
	store     JobStore
	runner    Runner
	artifacts ArtifactCleaner
	sem       *semaphore.Weighted
	validate  *validator.Validate
	defaults  Defaults
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher with concurrency slots. concurrency <= 0
// selects the default.
func NewDispatcher(st JobStore, runner Runner, artifacts ArtifactCleaner, concurrency int, defaults Defaults, log zerolog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = samplestore.DefaultBatchSize
	}
	if defaults.UnitBase == 0 {
		defaults.UnitBase = 1024
	}
	if defaults.IntervalSeconds <= 0 {
		defaults.IntervalSeconds = 300
	}
	if defaults.Timezone == nil {
		defaults.Timezone = time.UTC
	}
	return &Dispatcher{
		store:     st,
		runner:    runner,
		artifacts: artifacts,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		validate:  validator.New(),
		defaults:  defaults,
		log:       log,
		pending:   make(map[string]context.CancelFunc),
	}
}

func (d *Dispatcher) normalize(p model.ComputeParams) model.ComputeParams {
	if p.Direction == "" {
		p.Direction = model.DirectionBoth
	}
	if p.Mode == "" {
		p.Mode = model.ModePerEntity
	}
	if p.BatchSize <= 0 {
		p.BatchSize = d.defaults.BatchSize
	}
	if p.UnitBase == 0 {
		p.UnitBase = d.defaults.UnitBase
	}
	if p.IntervalSeconds <= 0 {
		p.IntervalSeconds = d.defaults.IntervalSeconds
	}
	if p.SortBy != "" && p.SortOrder == "" {
		p.SortOrder = model.SortDesc
	}
	if len(p.ExportFormats) == 0 {
		p.ExportFormats = []model.ExportFormat{model.ExportCSV}
	}
	return p
}

func (d *Dispatcher) location(tz string) (*time.Location, error) {
	if tz == "" {
		return d.defaults.Timezone, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", timewindow.ErrInvalidWindow, tz, err)
	}
	return loc, nil
}

// create resolves the window, validates the parameter snapshot, writes the
// pending row and enqueues it. Validation failures are synchronous; no job
// row is created from them.
func (d *Dispatcher) create(ctx context.Context, taskID *int64, selector model.WindowSelector, wp model.WindowParams, tz string, params model.ComputeParams) (model.Job, error) {
	loc, err := d.location(tz)
	if err != nil {
		return model.Job{}, err
	}
	window, err := timewindow.Resolve(selector, wp, loc, time.Now())
	if err != nil {
		return model.Job{}, err
	}
	params = d.normalize(params)
	if err := d.validate.Struct(params); err != nil {
		return model.Job{}, fmt.Errorf("invalid computation parameters: %w", err)
	}

	job := model.Job{
		ID:     uuid.New().String(),
		TaskID: taskID,
		Window: window,
		Params: params,
	}
	if logPath, err := d.artifacts.LogPath(job.ID); err == nil {
		job.LogPath = logPath
	} else {
		d.log.Warn().Err(err).Str("job", job.ID).Msg("job log path unavailable")
	}
	if err := d.store.CreateJob(ctx, &job); err != nil {
		return model.Job{}, fmt.Errorf("persist job: %w", err)
	}
	d.submit(job)
	d.log.Info().Str("job", job.ID).Str("window", window.Label).Msg("job created")
	return job, nil
}

// CreateFromTask snapshots a task's current definition into a new job. The
// window is re-resolved at creation time, then frozen.
func (d *Dispatcher) CreateFromTask(ctx context.Context, task model.Task) (model.Job, error) {
	id := task.ID
	return d.create(ctx, &id, task.WindowSelector, task.WindowParams, task.Timezone, task.Params)
}

// CreateAdHoc creates a job from a request carrying its own window and
// parameter payload.
func (d *Dispatcher) CreateAdHoc(ctx context.Context, req model.JobCreateRequest) (model.Job, error) {
	return d.create(ctx, nil, req.WindowSelector, req.WindowParams, req.Timezone, req.Params)
}

// submit queues the job for a concurrency slot. The wait is the sole
// backpressure mechanism; nothing orders jobs racing for the last slot.
func (d *Dispatcher) submit(job model.Job) {
	queueCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.pending[job.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(queueCtx, 1); err != nil {
			// Canceled while queued; the delete path already removed the row.
			return
		}
		defer d.sem.Release(1)

		d.mu.Lock()
		delete(d.pending, job.ID)
		d.mu.Unlock()
		if queueCtx.Err() != nil {
			return
		}
		d.execute(job)
	}()
}

// execute drives one job through its running phase. Once a slot is held the
// work is not interruptible; it runs to completion or failure.
func (d *Dispatcher) execute(job model.Job) {
	ctx := context.Background()
	if err := d.store.MarkRunning(ctx, job.ID, time.Now()); err != nil {
		// Lost the race against a delete; nothing to run.
		d.log.Warn().Err(err).Str("job", job.ID).Msg("job not startable")
		return
	}

	jobLog, closeLog := d.openJobLog(job)
	defer closeLog()
	jobLog.Info().Str("window", job.Window.Label).Str("mode", string(job.Params.Mode)).Msg("job started")

	artifacts, err := d.runner.Run(ctx, job, jobLog)
	if err != nil {
		jobLog.Error().Err(err).Msg("job failed")
		if mErr := d.store.MarkFailed(ctx, job.ID, time.Now(), err.Error()); mErr != nil {
			d.log.Error().Err(mErr).Str("job", job.ID).Msg("failed status not persisted")
		}
		return
	}
	if err := d.store.MarkSucceeded(ctx, job.ID, time.Now(), artifacts); err != nil {
		d.log.Error().Err(err).Str("job", job.ID).Msg("succeeded status not persisted")
		return
	}
	jobLog.Info().Int("artifacts", len(artifacts)).Msg("job succeeded")
}

func (d *Dispatcher) openJobLog(job model.Job) (zerolog.Logger, func()) {
	if job.LogPath == "" {
		return d.log.With().Str("job", job.ID).Logger(), func() {}
	}
	f, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.log.Warn().Err(err).Str("job", job.ID).Msg("job log file unavailable")
		return d.log.With().Str("job", job.ID).Logger(), func() {}
	}
	logger := zerolog.New(f).With().Timestamp().Str("job", job.ID).Logger()
	return logger, func() { f.Close() }
}

// Delete removes a job. Pending jobs are withdrawn from the queue first;
// running jobs are refused — there is no cancellation signal that reaches
// in-flight work. Artifact cleanup failures are logged and do not undo the
// record deletion.
func (d *Dispatcher) Delete(ctx context.Context, jobID string) error {
	d.mu.Lock()
	cancel, queued := d.pending[jobID]
	if queued {
		delete(d.pending, jobID)
	}
	d.mu.Unlock()
	if queued {
		cancel()
	}

	if err := d.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if err := d.artifacts.Delete(jobID); err != nil {
		d.log.Warn().Err(err).Str("job", jobID).Msg("artifact cleanup incomplete")
	}
	return nil
}

// Wait blocks until all submitted jobs have drained. Used on shutdown and in
// tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
