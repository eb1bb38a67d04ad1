package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/model"
)

func TestPostgres_skipIfNoDSN(t *testing.T) {
	dsn := os.Getenv("SPECFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPECFORGE_TEST_POSTGRES_DSN not set, skipping postgres test")
	}
	ctx := context.Background()
	s, err := Open(ctx, "postgres", dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	wfID := model.MustGenerateID(model.IDTypeWorkflow)
	wf := &model.Workflow{ID: wfID, RequirementID: "r", SourcePath: "p", Status: model.WorkflowRunning, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	task := model.Task{ID: model.MustGenerateID(model.IDTypeTask), WorkflowID: wfID, Name: "design",
		Category: model.CategoryDesign, Status: model.TaskPending, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreateTasks(ctx, []model.Task{task}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	got.Status = model.TaskQueued
	require.NoError(t, s.UpdateTask(ctx, got))

	require.NoError(t, s.AppendGateResult(ctx, model.QualityGateResult{WorkflowID: wfID, GateName: "g", Passed: true, EvaluatedAt: t0}))
	results, err := s.ListGateResults(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
