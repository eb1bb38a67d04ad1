package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/specforge/internal/model"
)

const workflowColumns = `id, requirement_id, source_path, status, task_ids, failed_task_id, failed_gate, reason,
version, created_at, updated_at, completed_at`

func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	taskIDs, err := json.Marshal(nonNilStrings(wf.TaskIDs))
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.ID, err)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO workflows(`+workflowColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		wf.ID, wf.RequirementID, wf.SourcePath, string(wf.Status), string(taskIDs),
		wf.FailedTaskID, wf.FailedGate, wf.Reason, wf.Version,
		nanos(wf.CreatedAt), nanos(wf.UpdatedAt), nullNanos(wf.CompletedAt))
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`), id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

// UpdateWorkflow writes wf if the stored version still equals wf.Version.
func (s *SQLStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	taskIDs, err := json.Marshal(nonNilStrings(wf.TaskIDs))
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", wf.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE workflows SET status = ?, task_ids = ?, failed_task_id = ?, failed_gate = ?, reason = ?,
  updated_at = ?, completed_at = ?, version = version + 1
WHERE id = ? AND version = ?`),
		string(wf.Status), string(taskIDs), wf.FailedTaskID, wf.FailedGate, wf.Reason,
		nanos(wf.UpdatedAt), nullNanos(wf.CompletedAt), wf.ID, wf.Version)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", wf.ID, err)
	}
	if err := checkUpdated(ctx, s.db, s.rebind, res, "workflows", wf.ID); err != nil {
		return fmt.Errorf("update workflow %s: %w", wf.ID, err)
	}
	wf.Version++
	return nil
}

// ListWorkflows returns matching workflows, newest first.
func (s *SQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1 = 1`
	var args []any
	if len(filter.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.SourcePath != "" {
		q += ` AND source_path = ?`
		args = append(args, filter.SourcePath)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []model.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

func scanWorkflow(row scanner) (*model.Workflow, error) {
	var (
		wf               model.Workflow
		status, taskIDs  string
		created, updated int64
		completed        sql.NullInt64
	)
	err := row.Scan(&wf.ID, &wf.RequirementID, &wf.SourcePath, &status, &taskIDs,
		&wf.FailedTaskID, &wf.FailedGate, &wf.Reason, &wf.Version, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(taskIDs), &wf.TaskIDs); err != nil {
		return nil, fmt.Errorf("decode task_ids: %w", err)
	}
	wf.Status = model.WorkflowStatus(status)
	wf.CreatedAt = fromNanos(created)
	wf.UpdatedAt = fromNanos(updated)
	wf.CompletedAt = fromNullNanos(completed)
	return &wf, nil
}

// checkUpdated distinguishes a missing row from a stale version after an
// UPDATE ... WHERE version = ? touched nothing.
func checkUpdated(ctx context.Context, db execer, rebind func(string) string, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = db.QueryRowContext(ctx, rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
