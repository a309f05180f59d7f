package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nfabilling/api/internal/model"
)

// RetentionStore is the persistence surface the sweeper needs.
type RetentionStore interface {
	ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// ArtifactDeleter removes a job's result files and log.
type ArtifactDeleter interface {
	Delete(jobID string) error
}

// Sweeper deletes terminal jobs older than the retention period, records and
// files both. Pending and running jobs are never retention candidates.
type Sweeper struct {
	store     RetentionStore
	artifacts ArtifactDeleter
	days      int
	log       zerolog.Logger
}

// NewSweeper builds a sweeper keeping the last days of finished jobs.
// days <= 0 disables sweeping.
func NewSweeper(store RetentionStore, artifacts ArtifactDeleter, days int, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: store, artifacts: artifacts, days: days, log: log}
}

// Sweep removes every job that finished before now minus the retention
// period. Per-job failures are logged and the sweep continues; the next run
// picks up whatever was left behind.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	if s.days <= 0 {
		return
	}
	// Calendar days, not 24h multiples, so the horizon stays put across DST
	// transitions.
	cutoff := now.AddDate(0, 0, -s.days)
	jobs, err := s.store.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("retention sweep aborted")
		return
	}
	removed := 0
	for _, j := range jobs {
		if err := s.artifacts.Delete(j.ID); err != nil {
			s.log.Warn().Err(err).Str("job", j.ID).Msg("artifact removal incomplete")
		}
		if err := s.store.DeleteJob(ctx, j.ID); err != nil {
			s.log.Warn().Err(err).Str("job", j.ID).Msg("job record not removed")
			continue
		}
		removed++
	}
	if len(jobs) > 0 {
		s.log.Info().Int("candidates", len(jobs)).Int("removed", removed).Time("cutoff", cutoff).Msg("retention sweep done")
	}
}
