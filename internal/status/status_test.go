package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/plan"
	"github.com/msageha/specforge/internal/requirement"
	"github.com/msageha/specforge/internal/uds"
)

// fakeCaller answers commands from a map of canned results.
type fakeCaller struct {
	results map[string]any
	errs    map[string]error
	calls   []string
}

func (f *fakeCaller) Call(_ context.Context, command string, _, out any) error {
	f.calls = append(f.calls, command)
	if err := f.errs[command]; err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(f.results[command])
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func sampleReport() orchestrator.Report {
	created := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return orchestrator.Report{
		Workflow: model.Workflow{
			ID: "wf_1", Status: model.WorkflowFailed, SourcePath: "specs/a.md",
			FailedTaskID: "task_2", Reason: "implementation failed", CreatedAt: created,
		},
		Tasks: []model.Task{
			{ID: "task_1", Name: "design", Category: model.CategoryDesign, Status: model.TaskSucceeded, ResultArtifactIDs: []string{"art_1"}},
			{ID: "task_2", Name: "implementation", Category: model.CategoryBackend, Phase: 1, DependsOn: []string{"task_1"},
				Status: model.TaskFailed, Attempts: 1, LastError: "generator exploded"},
		},
		Gates: []model.QualityGateResult{
			{WorkflowID: "wf_1", GateName: "tasks_succeeded", Required: true, Passed: false, Details: "implementation (task_2) failed"},
		},
		Artifacts: []model.Artifact{
			{ID: "art_1", TaskID: "task_1", Kind: "design", Name: "design.md", Checksum: "0123456789abcdef0123"},
		},
		Cause: "task implementation failed: generator exploded",
	}
}

func TestRun_WorkflowReportTable(t *testing.T) {
	fc := &fakeCaller{results: map[string]any{uds.CmdStatus: sampleReport()}}
	var buf bytes.Buffer

	require.NoError(t, Run(context.Background(), fc, NewPrinter(&buf, FormatTable), Options{WorkflowID: "wf_1"}))
	out := buf.String()
	assert.Equal(t, []string{uds.CmdStatus}, fc.calls)
	assert.Contains(t, out, "wf_1")
	assert.Contains(t, out, "Cause:       task implementation failed: generator exploded")
	assert.Contains(t, out, "generator exploded")
	assert.Contains(t, out, "tasks_succeeded")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef0123")
}

func TestRun_WorkflowReportError(t *testing.T) {
	fc := &fakeCaller{errs: map[string]error{uds.CmdStatus: &uds.RemoteError{Code: uds.ErrCodeNotFound, Message: "not found"}}}
	err := Run(context.Background(), fc, NewPrinter(&bytes.Buffer{}, FormatTable), Options{WorkflowID: "wf_x"})
	var remote *uds.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, uds.ErrCodeNotFound, remote.Code)
}

func TestRun_OverviewDaemonStopped(t *testing.T) {
	fc := &fakeCaller{errs: map[string]error{uds.CmdPing: errors.New("connect: no such file")}}
	var buf bytes.Buffer

	require.NoError(t, Run(context.Background(), fc, NewPrinter(&buf, FormatTable), Options{}))
	assert.Equal(t, "Daemon: stopped\n", buf.String())
	assert.Equal(t, []string{uds.CmdPing}, fc.calls)
}

func TestRun_OverviewJSON(t *testing.T) {
	fc := &fakeCaller{results: map[string]any{
		uds.CmdPing: uds.PingResult{PID: 42, Version: "1.0.0", Queues: []uds.QueueDepth{{Category: "backend", Queued: 2, InFlight: 1, Limit: 3}}},
		uds.CmdList: []model.Workflow{{ID: "wf_1", Status: model.WorkflowRunning}},
	}}
	var buf bytes.Buffer

	require.NoError(t, Run(context.Background(), fc, NewPrinter(&buf, FormatJSON), Options{Limit: 5}))
	var ov Overview
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ov))
	assert.True(t, ov.Daemon.Running)
	assert.Equal(t, 42, ov.Daemon.PID)
	require.Len(t, ov.Daemon.Queues, 1)
	assert.Equal(t, 2, ov.Daemon.Queues[0].Queued)
	require.Len(t, ov.Workflows, 1)
	assert.Equal(t, model.WorkflowRunning, ov.Workflows[0].Status)
}

func TestRun_OverviewTable(t *testing.T) {
	fc := &fakeCaller{results: map[string]any{
		uds.CmdPing: uds.PingResult{PID: 7, Version: "dev", Queues: []uds.QueueDepth{{Category: "test", Limit: 3}}},
		uds.CmdList: []model.Workflow{},
	}}
	var buf bytes.Buffer

	require.NoError(t, Run(context.Background(), fc, NewPrinter(&buf, FormatTable), Options{}))
	out := buf.String()
	assert.Contains(t, out, "Daemon: running (pid 7")
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "No workflows.")
}

func TestPrinter_YAMLUsesJSONKeys(t *testing.T) {
	rep := sampleReport()
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatYAML).Report(&rep))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	wf, ok := doc["workflow"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task_2", wf["failed_task_id"])
	assert.NotContains(t, buf.String(), "{")
}

func TestPrinter_RequirementAndPlan(t *testing.T) {
	req, err := requirement.Parse(`# Login

## User Stories
- As a member, I want to sign in so that I can see my orders.

## Acceptance Criteria
- Wrong passwords are rejected
`, "req_1")
	require.NoError(t, err)

	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable)
	require.NoError(t, p.Requirement(req))
	assert.Contains(t, buf.String(), "Wrong passwords are rejected")

	pl, err := plan.Build(req, plan.Options{})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, p.Plan(pl))
	assert.Contains(t, buf.String(), plan.TaskDesign)
	assert.Contains(t, buf.String(), "Order: ")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatJSON).Plan(pl))
	var v planView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &v))
	assert.Equal(t, pl.Order, v.Order)
	assert.Len(t, v.Tasks, len(pl.Tasks))
}

func TestPrinter_Changes(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable)
	require.NoError(t, p.Changes(nil))
	assert.Equal(t, "No changes.\n", buf.String())

	buf.Reset()
	require.NoError(t, p.Changes([]model.ChangeEvent{{Kind: model.ChangeModified, Path: "specs/a.md"}}))
	assert.Contains(t, buf.String(), "specs/a.md")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}
