package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/store"
	"github.com/nfabilling/api/internal/timewindow"
)

// fakeRunner counts concurrent executions and can block or fail on demand.
type fakeRunner struct {
	mu      sync.Mutex
	running int32
	maxSeen int32
	ran     []string
	block   chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, job model.Job, _ zerolog.Logger) ([]model.Artifact, error) {
	cur := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	f.mu.Lock()
	if cur > f.maxSeen {
		f.maxSeen = cur
	}
	f.ran = append(f.ran, job.ID)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return []model.Artifact{{Filename: "out.csv", Size: 42}}, nil
}

func (f *fakeRunner) ranJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fakeCleaner struct {
	mu      sync.Mutex
	deleted []string
	logDir  string
}

func (f *fakeCleaner) LogPath(jobID string) (string, error) {
	return filepath.Join(f.logDir, jobID+".log"), nil
}

func (f *fakeCleaner) Delete(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobID)
	return nil
}

func newTestDispatcher(t *testing.T, runner Runner, concurrency int) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := NewDispatcher(st, runner, &fakeCleaner{logDir: t.TempDir()}, concurrency, Defaults{}, zerolog.Nop())
	return d, st
}

func adHocRequest() model.JobCreateRequest {
	return model.JobCreateRequest{
		WindowSelector: model.SelectorCustom,
		WindowParams: model.WindowParams{
			StartTime: "2024-05-06 00:00:00",
			EndTime:   "2024-05-13 00:00:00",
		},
		Timezone: "UTC",
		Params: model.ComputeParams{
			Region:      "east",
			PartnerCode: "edu",
		},
	}
}

func waitForStatus(t *testing.T, st *store.Store, id string, want model.JobStatus) model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return model.Job{}
}

func TestJobLifecycleSucceeds(t *testing.T) {
	runner := &fakeRunner{}
	d, st := newTestDispatcher(t, runner, 2)

	job, err := d.CreateAdHoc(context.Background(), adHocRequest())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, "20240506-20240513", job.Window.Label)
	// Defaults were filled into the frozen snapshot.
	assert.Equal(t, model.DirectionBoth, job.Params.Direction)
	assert.Equal(t, model.ModePerEntity, job.Params.Mode)
	assert.Equal(t, 1024, job.Params.UnitBase)

	d.Wait()
	done := waitForStatus(t, st, job.ID, model.JobStatusSucceeded)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	require.Len(t, done.Artifacts, 1)
	assert.Equal(t, "out.csv", done.Artifacts[0].Filename)
	assert.Empty(t, done.ErrorMessage)
}

func TestJobLifecycleFails(t *testing.T) {
	runner := &fakeRunner{err: errors.New("sample fetch failed: store unreachable")}
	d, st := newTestDispatcher(t, runner, 2)

	job, err := d.CreateAdHoc(context.Background(), adHocRequest())
	require.NoError(t, err)

	d.Wait()
	done := waitForStatus(t, st, job.ID, model.JobStatusFailed)
	require.NotNil(t, done.FinishedAt)
	assert.Contains(t, done.ErrorMessage, "store unreachable")
	assert.Empty(t, done.Artifacts)
}

func TestInvalidWindowCreatesNoJob(t *testing.T) {
	d, st := newTestDispatcher(t, &fakeRunner{}, 2)

	req := adHocRequest()
	req.WindowParams.EndTime = ""
	_, err := d.CreateAdHoc(context.Background(), req)
	require.ErrorIs(t, err, timewindow.ErrInvalidWindow)

	jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestInvalidParamsCreateNoJob(t *testing.T) {
	d, st := newTestDispatcher(t, &fakeRunner{}, 2)

	req := adHocRequest()
	req.Params.UnitBase = 512
	_, err := d.CreateAdHoc(context.Background(), req)
	require.Error(t, err)

	jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestConcurrencyNeverExceedsSlots(t *testing.T) {
	const slots = 3
	runner := &fakeRunner{block: make(chan struct{})}
	d, st := newTestDispatcher(t, runner, slots)

	var ids []string
	for i := 0; i < slots+5; i++ {
		job, err := d.CreateAdHoc(context.Background(), adHocRequest())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// Wait until the slots are saturated, then release everything.
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&runner.running) < slots && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.EqualValues(t, slots, atomic.LoadInt32(&runner.running))
	close(runner.block)
	d.Wait()

	runner.mu.Lock()
	maxSeen := runner.maxSeen
	runner.mu.Unlock()
	assert.EqualValues(t, slots, maxSeen)
	for _, id := range ids {
		waitForStatus(t, st, id, model.JobStatusSucceeded)
	}
}

func TestDeletePendingJobNeverRuns(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d, st := newTestDispatcher(t, runner, 1)

	blocker, err := d.CreateAdHoc(context.Background(), adHocRequest())
	require.NoError(t, err)
	waitForStatus(t, st, blocker.ID, model.JobStatusRunning)

	queued, err := d.CreateAdHoc(context.Background(), adHocRequest())
	require.NoError(t, err)
	require.NoError(t, d.Delete(context.Background(), queued.ID))

	close(runner.block)
	d.Wait()

	_, err = st.GetJob(context.Background(), queued.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotContains(t, runner.ranJobs(), queued.ID)
	waitForStatus(t, st, blocker.ID, model.JobStatusSucceeded)
}

func TestDeleteRunningJobRefused(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d, st := newTestDispatcher(t, runner, 1)

	job, err := d.CreateAdHoc(context.Background(), adHocRequest())
	require.NoError(t, err)
	waitForStatus(t, st, job.ID, model.JobStatusRunning)

	err = d.Delete(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrJobRunning)

	close(runner.block)
	d.Wait()
	waitForStatus(t, st, job.ID, model.JobStatusSucceeded)
}

func TestDeleteFinishedJobCleansArtifacts(t *testing.T) {
	runner := &fakeRunner{}
	cleaner := &fakeCleaner{logDir: t.TempDir()}
	st, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := NewDispatcher(st, runner, cleaner, 1, Defaults{}, zerolog.Nop())

	job, err := d.CreateAdHoc(context.Background(), adHocRequest())
	require.NoError(t, err)
	d.Wait()
	waitForStatus(t, st, job.ID, model.JobStatusSucceeded)

	require.NoError(t, d.Delete(context.Background(), job.ID))
	_, err = st.GetJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	assert.Contains(t, cleaner.deleted, job.ID)
}

func TestCreateFromTaskSnapshotsWindow(t *testing.T) {
	runner := &fakeRunner{}
	d, st := newTestDispatcher(t, runner, 2)

	task := model.Task{
		ID:             7,
		Name:           "weekly",
		Kind:           model.TaskKindPeriodic,
		Timezone:       "UTC",
		WindowSelector: model.SelectorLastWeek,
		Params: model.ComputeParams{
			Region:      "east",
			PartnerCode: "edu",
		},
	}
	job, err := d.CreateFromTask(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, job.TaskID)
	assert.EqualValues(t, 7, *job.TaskID)
	assert.True(t, job.Window.End.After(job.Window.Start))
	assert.Equal(t, 7*24*time.Hour, job.Window.End.Sub(job.Window.Start))

	d.Wait()
	waitForStatus(t, st, job.ID, model.JobStatusSucceeded)
}
