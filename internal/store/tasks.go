package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/specforge/internal/model"
)

const taskColumns = `id, workflow_id, name, category, phase, depends_on, status, attempts, priority, payload,
result_artifact_ids, last_error, version, started_at, created_at, updated_at`

// CreateTasks inserts all tasks of a plan in one transaction.
func (s *SQLStore) CreateTasks(ctx context.Context, tasks []model.Task) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		q := s.rebind(`INSERT INTO tasks(` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for i := range tasks {
			t := &tasks[i]
			if t.Version == 0 {
				t.Version = 1
			}
			enc, err := encodeTask(t)
			if err != nil {
				return fmt.Errorf("create task %s: %w", t.ID, err)
			}
			_, err = tx.ExecContext(ctx, q,
				t.ID, t.WorkflowID, t.Name, string(t.Category), t.Phase, enc.dependsOn, string(t.Status),
				t.Attempts, t.Priority, enc.payload, enc.artifactIDs, t.LastError, t.Version,
				nullNanos(t.StartedAt), nanos(t.CreatedAt), nanos(t.UpdatedAt))
			if err != nil {
				return fmt.Errorf("create task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask writes the mutable task fields if the stored version still
// equals t.Version.
func (s *SQLStore) UpdateTask(ctx context.Context, t *model.Task) error {
	if err := s.updateTask(ctx, s.db, t); err != nil {
		return err
	}
	t.Version++
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) updateTask(ctx context.Context, db execer, t *model.Task) error {
	enc, err := encodeTask(t)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	res, err := db.ExecContext(ctx, s.rebind(`
UPDATE tasks SET status = ?, attempts = ?, priority = ?, result_artifact_ids = ?, last_error = ?,
  started_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ?`),
		string(t.Status), t.Attempts, t.Priority, enc.artifactIDs, t.LastError,
		nullNanos(t.StartedAt), nanos(t.UpdatedAt), t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if err := checkUpdated(ctx, db, s.rebind, res, "tasks", t.ID); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// CompleteTask stores the artifacts and the task's succeeded transition in
// one transaction. Artifact inserts are idempotent on ID, so a redelivered
// task that produced the same artifacts does not duplicate them.
func (s *SQLStore) CompleteTask(ctx context.Context, t *model.Task, artifacts []model.Artifact) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := s.rebind(`
INSERT INTO artifacts(id, task_id, kind, name, location, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`)
		for _, a := range artifacts {
			if a.TaskID != t.ID {
				return fmt.Errorf("complete task %s: artifact %s belongs to task %s", t.ID, a.ID, a.TaskID)
			}
			if _, err := tx.ExecContext(ctx, q, a.ID, a.TaskID, a.Kind, a.Name, a.Location, a.Checksum, nanos(a.CreatedAt)); err != nil {
				return fmt.Errorf("complete task %s: insert artifact %s: %w", t.ID, a.ID, err)
			}
		}
		return s.updateTask(ctx, tx, t)
	})
	if err != nil {
		return err
	}
	t.Version++
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, workflowID string) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY phase, created_at, name`, workflowID)
}

// ListTasksByStatus returns tasks across all workflows in any of the given
// statuses.
func (s *SQLStore) ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	if len(statuses) == 0 {
		return []model.Task{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, id`, args...)
}

func (s *SQLStore) queryTasks(ctx context.Context, q string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type encodedTask struct {
	dependsOn   string
	payload     string
	artifactIDs string
}

func encodeTask(t *model.Task) (encodedTask, error) {
	deps, err := json.Marshal(nonNilStrings(t.DependsOn))
	if err != nil {
		return encodedTask{}, err
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return encodedTask{}, err
	}
	arts, err := json.Marshal(nonNilStrings(t.ResultArtifactIDs))
	if err != nil {
		return encodedTask{}, err
	}
	return encodedTask{dependsOn: string(deps), payload: string(payload), artifactIDs: string(arts)}, nil
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                        model.Task
		category, status         string
		deps, payload, artifacts string
		created, updated         int64
		started                  sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.WorkflowID, &t.Name, &category, &t.Phase, &deps, &status, &t.Attempts,
		&t.Priority, &payload, &artifacts, &t.LastError, &t.Version, &started, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &t.ResultArtifactIDs); err != nil {
		return nil, fmt.Errorf("decode result_artifact_ids: %w", err)
	}
	t.Category = model.Category(category)
	t.Status = model.TaskStatus(status)
	t.StartedAt = fromNullNanos(started)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}
