// Package scheduler fires periodic tasks and the retention sweep on the
// process-local cron runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nfabilling/api/internal/model"
)

// ErrInvalidSchedule marks a schedule definition the cron runner cannot parse.
var ErrInvalidSchedule = errors.New("invalid schedule")

// JobCreator turns a due task into a job. The scheduler never runs work
// itself; creation hands off to the dispatcher's queue.
type JobCreator interface {
	CreateFromTask(ctx context.Context, task model.Task) (model.Job, error)
}

// TaskLister reloads the registered task set at startup.
type TaskLister interface {
	ListTasks(ctx context.Context) ([]model.Task, error)
}

// Scheduler maps active periodic tasks onto cron entries. One instance per
// process; entries live only in memory and are rebuilt from the store on
// startup.
type Scheduler struct {
	cron *cron.Cron
	jobs JobCreator
	loc  *time.Location
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New builds a stopped scheduler. loc is the default timezone for schedules
// whose task has none.
func New(jobs JobCreator, loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		jobs:    jobs,
		loc:     loc,
		log:     log,
		entries: make(map[int64]cron.EntryID),
	}
}

// Start launches the cron runner.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts triggering and waits for in-flight trigger callbacks. Jobs
// already handed to the dispatcher keep running.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// parseTimeOfDay reads HH:MM or HH:MM:SS wall-clock times. Cron fires at
// minute granularity, so a seconds component is accepted and dropped. Trailing
// text is an error.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		t, err = time.Parse("15:04", s)
	}
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// cronSpec renders a task schedule as a cron spec string.
func cronSpec(t model.Task) (string, error) {
	if t.Schedule == nil {
		return "", fmt.Errorf("%w: periodic task %q has no schedule", ErrInvalidSchedule, t.Name)
	}
	var spec string
	switch t.Schedule.Type {
	case model.ScheduleCron:
		spec = t.Schedule.Expr
	case model.ScheduleInterval:
		secs, err := strconv.Atoi(t.Schedule.Expr)
		if err != nil || secs < 1 {
			return "", fmt.Errorf("%w: interval %q", ErrInvalidSchedule, t.Schedule.Expr)
		}
		return fmt.Sprintf("@every %ds", secs), nil
	case model.ScheduleWeekly:
		hour, minute, err := parseTimeOfDay(t.Schedule.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("%w: time of day %q", ErrInvalidSchedule, t.Schedule.TimeOfDay)
		}
		spec = fmt.Sprintf("%d %d * * %d", minute, hour, int(t.Schedule.Weekday))
	default:
		return "", fmt.Errorf("%w: type %q", ErrInvalidSchedule, t.Schedule.Type)
	}
	if t.Timezone != "" {
		spec = "CRON_TZ=" + t.Timezone + " " + spec
	}
	return spec, nil
}

// ValidateSchedule checks a task's schedule without installing it. Tasks that
// would not be registered pass trivially.
func ValidateSchedule(t model.Task) error {
	if !t.Active || t.Kind != model.TaskKindPeriodic {
		return nil
	}
	spec, err := cronSpec(t)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

// RegisterTask installs or replaces the cron entry of a task. Inactive or
// one-off tasks are simply unregistered.
func (s *Scheduler) RegisterTask(t model.Task) error {
	s.UnregisterTask(t.ID)
	if !t.Active || t.Kind != model.TaskKindPeriodic {
		return nil
	}
	spec, err := cronSpec(t)
	if err != nil {
		return err
	}
	task := t
	id, err := s.cron.AddFunc(spec, func() { s.fire(task) })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	s.mu.Lock()
	s.entries[t.ID] = id
	s.mu.Unlock()
	s.log.Info().Int64("task", t.ID).Str("spec", spec).Msg("task scheduled")
	return nil
}

// UnregisterTask drops a task's cron entry if present.
func (s *Scheduler) UnregisterTask(taskID int64) {
	s.mu.Lock()
	id, ok := s.entries[taskID]
	if ok {
		delete(s.entries, taskID)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

// NextRun returns the next trigger time of a registered task, or nil when the
// task has no entry.
func (s *Scheduler) NextRun(taskID int64) *time.Time {
	s.mu.Lock()
	id, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

// LoadAll registers every stored task; unparseable schedules are logged and
// skipped so one bad definition does not block startup.
func (s *Scheduler) LoadAll(ctx context.Context, tasks TaskLister) error {
	all, err := tasks.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range all {
		if err := s.RegisterTask(t); err != nil {
			s.log.Error().Err(err).Int64("task", t.ID).Str("name", t.Name).Msg("task not schedulable")
		}
	}
	return nil
}

func (s *Scheduler) fire(t model.Task) {
	job, err := s.jobs.CreateFromTask(context.Background(), t)
	if err != nil {
		s.log.Error().Err(err).Int64("task", t.ID).Msg("scheduled job creation failed")
		return
	}
	s.log.Info().Int64("task", t.ID).Str("job", job.ID).Msg("scheduled job created")
}

// RegisterSweep installs a daily maintenance function at the given HH:MM.
func (s *Scheduler) RegisterSweep(at string, fn func()) error {
	hour, minute, err := parseTimeOfDay(at)
	if err != nil {
		return fmt.Errorf("%w: sweep time %q", ErrInvalidSchedule, at)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), fn); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}
