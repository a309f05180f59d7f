package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfabilling/api/internal/artifact"
	"github.com/nfabilling/api/internal/config"
	"github.com/nfabilling/api/internal/engine"
	"github.com/nfabilling/api/internal/middleware"
	"github.com/nfabilling/api/internal/model"
	"github.com/nfabilling/api/internal/scheduler"
	"github.com/nfabilling/api/internal/store"
)

// stubRunner writes one text artifact per job so download routes have real
// files to serve. A non-nil block channel holds jobs in the running state.
type stubRunner struct {
	artifacts *artifact.Store
	block     chan struct{}
}

func (r *stubRunner) Run(_ context.Context, job model.Job, _ zerolog.Logger) ([]model.Artifact, error) {
	if r.block != nil {
		<-r.block
	}
	a, err := r.artifacts.WriteText(job.ID, "result.txt", []string{"value 1.5"})
	if err != nil {
		return nil, err
	}
	return []model.Artifact{a}, nil
}

type testEnv struct {
	app        *fiber.App
	store      *store.Store
	dispatcher *engine.Dispatcher
	runner     *stubRunner
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	artifacts := artifact.NewStore(t.TempDir())
	runner := &stubRunner{artifacts: artifacts}
	dispatcher := engine.NewDispatcher(st, runner, artifacts, 1, engine.Defaults{}, zerolog.Nop())
	sched := scheduler.New(dispatcher, time.UTC, zerolog.Nop())
	sched.Start()
	t.Cleanup(sched.Stop)

	validate := validator.New()
	taskHandler := NewTaskHandler(st, sched, dispatcher, validate)
	jobHandler := NewJobHandler(st, dispatcher, artifacts, validate)
	auth := middleware.NewAuthMiddleware(apiKey)

	app := fiber.New()
	api := app.Group("/api", auth.Authenticate())

	tasks := api.Group("/tasks")
	tasks.Post("/", taskHandler.Create)
	tasks.Get("/", taskHandler.List)
	tasks.Get("/:id", taskHandler.Get)
	tasks.Put("/:id", taskHandler.Update)
	tasks.Delete("/:id", taskHandler.Delete)
	tasks.Post("/:id/run", taskHandler.Run)

	jobs := api.Group("/jobs")
	jobs.Post("/", jobHandler.Create)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:id", jobHandler.Get)
	jobs.Get("/:id/log", jobHandler.Log)
	jobs.Get("/:id/artifacts/:filename", jobHandler.Download)
	jobs.Delete("/:id", jobHandler.Delete)

	return &testEnv{app: app, store: st, dispatcher: dispatcher, runner: runner}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, 10000)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func taskBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":           name,
		"kind":           "periodic",
		"schedule":       map[string]interface{}{"type": "cron", "expr": "30 2 * * 1"},
		"timezone":       "UTC",
		"windowSelector": "last_week",
		"params": map[string]interface{}{
			"region":      "east",
			"partnerCode": "edu",
		},
	}
}

func adHocBody() map[string]interface{} {
	return map[string]interface{}{
		"windowSelector": "custom",
		"windowParams": map[string]interface{}{
			"startTime": "2024-05-06 00:00:00",
			"endTime":   "2024-05-13 00:00:00",
		},
		"timezone": "UTC",
		"params": map[string]interface{}{
			"region":      "east",
			"partnerCode": "edu",
		},
	}
}

func (e *testEnv) waitForStatus(t *testing.T, id string, want model.JobStatus) model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return model.Job{}
}

func TestTaskCreateAndList(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/tasks", taskBody("weekly-east"))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created model.TaskResponse
	decode(t, resp, &created)
	assert.NotZero(t, created.ID)
	assert.Equal(t, model.DirectionBoth, created.Params.Direction)
	require.NotNil(t, created.NextRunTime)
	assert.Equal(t, time.Monday, created.NextRunTime.Weekday())

	resp = env.request(t, "GET", "/api/tasks", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var list []model.TaskResponse
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "weekly-east", list[0].Name)
}

func TestTaskCreateValidation(t *testing.T) {
	env := newTestEnv(t, "")

	body := taskBody("bad")
	body["params"] = map[string]interface{}{"partnerCode": "edu"} // region missing
	resp := env.request(t, "POST", "/api/tasks", body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body = taskBody("bad-schedule")
	body["schedule"] = map[string]interface{}{"type": "cron", "expr": "whenever"}
	resp = env.request(t, "POST", "/api/tasks", body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body = taskBody("bad-window")
	body["windowSelector"] = "custom"
	body["windowParams"] = map[string]interface{}{"startTime": "2024-05-06 00:00:00"}
	resp = env.request(t, "POST", "/api/tasks", body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Rejected definitions must not reach the store.
	resp = env.request(t, "GET", "/api/tasks", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var tasks []model.TaskResponse
	decode(t, resp, &tasks)
	assert.Empty(t, tasks)
}

func TestTaskDuplicateNameConflicts(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/tasks", taskBody("weekly-east"))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	resp = env.request(t, "POST", "/api/tasks", taskBody("weekly-east"))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestTaskUpdateAndDelete(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/tasks", taskBody("weekly-east"))
	var created model.TaskResponse
	decode(t, resp, &created)

	body := taskBody("weekly-east-renamed")
	resp = env.request(t, "PUT", fmt.Sprintf("/api/tasks/%d", created.ID), body)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var updated model.TaskResponse
	decode(t, resp, &updated)
	assert.Equal(t, "weekly-east-renamed", updated.Name)

	resp = env.request(t, "DELETE", fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	resp = env.request(t, "GET", fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTaskRunNow(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/tasks", taskBody("weekly-east"))
	var created model.TaskResponse
	decode(t, resp, &created)

	resp = env.request(t, "POST", fmt.Sprintf("/api/tasks/%d/run", created.ID), nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var ack model.JobCreateResponse
	decode(t, resp, &ack)
	assert.Equal(t, model.JobStatusPending, ack.Status)

	job := env.waitForStatus(t, ack.JobID, model.JobStatusSucceeded)
	require.NotNil(t, job.TaskID)
	assert.EqualValues(t, created.ID, *job.TaskID)
}

func TestJobAdHocLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/jobs", adHocBody())
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var ack model.JobCreateResponse
	decode(t, resp, &ack)
	assert.Equal(t, "20240506-20240513", ack.Window.Label)

	env.waitForStatus(t, ack.JobID, model.JobStatusSucceeded)

	resp = env.request(t, "GET", "/api/jobs/"+ack.JobID, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var job model.Job
	decode(t, resp, &job)
	require.Len(t, job.Artifacts, 1)

	resp = env.request(t, "GET", "/api/jobs/"+ack.JobID+"/artifacts/result.txt", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	content, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "value 1.5\n", string(content))
}

func TestJobInvalidWindowRejected(t *testing.T) {
	env := newTestEnv(t, "")

	body := adHocBody()
	body["windowParams"] = map[string]interface{}{"startTime": "2024-05-06 00:00:00"}
	resp := env.request(t, "POST", "/api/jobs", body)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, "GET", "/api/jobs", nil)
	var items []model.JobListItem
	decode(t, resp, &items)
	assert.Empty(t, items)
}

func TestJobListFilters(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, "POST", "/api/jobs", adHocBody())
	var ack model.JobCreateResponse
	decode(t, resp, &ack)
	env.waitForStatus(t, ack.JobID, model.JobStatusSucceeded)

	resp = env.request(t, "GET", "/api/jobs?status=succeeded", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var items []model.JobListItem
	decode(t, resp, &items)
	require.Len(t, items, 1)
	assert.Equal(t, ack.JobID, items[0].ID)

	resp = env.request(t, "GET", "/api/jobs?status=failed", nil)
	decode(t, resp, &items)
	assert.Empty(t, items)

	resp = env.request(t, "GET", "/api/jobs?status=bogus", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestJobDeleteRunningConflicts(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.block = make(chan struct{})

	resp := env.request(t, "POST", "/api/jobs", adHocBody())
	var ack model.JobCreateResponse
	decode(t, resp, &ack)
	env.waitForStatus(t, ack.JobID, model.JobStatusRunning)

	resp = env.request(t, "DELETE", "/api/jobs/"+ack.JobID, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	close(env.runner.block)
	env.dispatcher.Wait()
	env.waitForStatus(t, ack.JobID, model.JobStatusSucceeded)

	resp = env.request(t, "DELETE", "/api/jobs/"+ack.JobID, nil)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	resp = env.request(t, "GET", "/api/jobs/"+ack.JobID, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestMetaEndpoints(t *testing.T) {
	cfg := &config.Config{
		Storage:  config.StorageConfig{Dir: "/var/lib/billing", SQLitePath: "/var/lib/billing/app.db"},
		Partners: config.PartnersConfig{Mapping: map[string]string{"edu": "Education Network"}},
	}
	h := NewMetaHandler(cfg)
	app := fiber.New()
	app.Get("/api/meta/paths", h.Paths)
	app.Get("/api/meta/partners", h.Partners)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/meta/paths", nil))
	require.NoError(t, err)
	var paths map[string]string
	decode(t, resp, &paths)
	assert.Equal(t, "/var/lib/billing/results", paths["resultsDir"])
	assert.Equal(t, "/var/lib/billing/app.db", paths["sqlitePath"])

	resp, err = app.Test(httptest.NewRequest("GET", "/api/meta/partners", nil))
	require.NoError(t, err)
	var partners map[string]string
	decode(t, resp, &partners)
	assert.Equal(t, "Education Network", partners["edu"])
}

func TestAPIKeyGate(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/jobs", nil)
	req.Header.Set(middleware.HeaderAPIKey, "wrong")
	resp, err = env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/jobs", nil)
	req.Header.Set(middleware.HeaderAPIKey, "sekrit")
	resp, err = env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
