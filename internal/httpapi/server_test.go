package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/logging"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/queue"
	"github.com/msageha/specforge/internal/store"
)

type fakeReporter struct {
	st store.Store
}

func (f fakeReporter) Report(ctx context.Context, id string) (*orchestrator.Report, error) {
	wf, err := f.st.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return &orchestrator.Report{Workflow: *wf, Cause: wf.Reason}, nil
}

type fakeQueues []queue.CategoryStats

func (f fakeQueues) Stats() []queue.CategoryStats { return f }

type apiFixture struct {
	srv *httptest.Server
	wf  *model.Workflow
	art model.Artifact
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	wf := &model.Workflow{ID: "wf_1700000000_000000a1", RequirementID: "req_1", SourcePath: "specs/a.md",
		Status: model.WorkflowFailed, Reason: "quality gate tasks_succeeded failed", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	task := model.Task{ID: "task_1", WorkflowID: wf.ID, Name: "design", Category: model.CategoryDesign,
		Status: model.TaskInProgress, Version: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateTasks(ctx, []model.Task{task}))

	path := filepath.Join(t.TempDir(), "architecture.md")
	require.NoError(t, os.WriteFile(path, []byte("# Architecture\n"), 0o644))
	art := model.Artifact{ID: model.ArtifactID(task.ID, "design", "architecture.md"), TaskID: task.ID,
		Kind: "design", Name: "architecture.md", Location: path, Checksum: "abc", CreatedAt: now}
	task.Status = model.TaskSucceeded
	require.NoError(t, st.CompleteTask(ctx, &task, []model.Artifact{art}))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "specforge_up 1")
	})
	h := New(Config{
		Store:   st,
		Reports: fakeReporter{st: st},
		Queues:  fakeQueues{{Category: model.CategoryBackend, Queued: 2, InFlight: 1, Limit: 3}},
		Metrics: metrics,
		Logger:  logging.Discard(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, wf: wf, art: art}
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "specforge_up 1")
}

func TestListWorkflows(t *testing.T) {
	f := newAPIFixture(t)

	var out struct {
		Workflows []model.Workflow `json:"workflows"`
	}
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/workflows?status=failed", &out))
	require.Len(t, out.Workflows, 1)
	assert.Equal(t, f.wf.ID, out.Workflows[0].ID)

	out.Workflows = nil
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/workflows?status=running", &out))
	assert.Empty(t, out.Workflows)

	assert.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/api/workflows?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/api/workflows?status=done", nil))
}

func TestGetWorkflow(t *testing.T) {
	f := newAPIFixture(t)

	var rep orchestrator.Report
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/workflows/"+f.wf.ID, &rep))
	assert.Equal(t, model.WorkflowFailed, rep.Workflow.Status)
	assert.Equal(t, "quality gate tasks_succeeded failed", rep.Cause)

	var e map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, f.srv.URL+"/api/workflows/wf_missing", &e))
	assert.Contains(t, e["error"], "not found")
}

func TestGetArtifact(t *testing.T) {
	f := newAPIFixture(t)

	var art model.Artifact
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/artifacts/"+f.art.ID, &art))
	assert.Equal(t, "architecture.md", art.Name)

	resp, err := http.Get(f.srv.URL + "/api/artifacts/" + f.art.ID + "/content")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "# Architecture\n", string(body))
	assert.Equal(t, "abc", resp.Header.Get("X-Checksum-Sha256"))

	assert.Equal(t, http.StatusNotFound, get(t, f.srv.URL+"/api/artifacts/art_missing", nil))
}

func TestQueues(t *testing.T) {
	f := newAPIFixture(t)

	var out struct {
		Queues []queue.CategoryStats `json:"queues"`
	}
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/queues", &out))
	require.Len(t, out.Queues, 1)
	assert.Equal(t, 2, out.Queues[0].Queued)
}
