package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/msageha/specforge/internal/model"
)

func (s *SQLStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, task_id, kind, name, location, checksum, created_at FROM artifacts WHERE id = ?`), id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLStore) ListArtifacts(ctx context.Context, taskID string) ([]model.Artifact, error) {
	return s.queryArtifacts(ctx, `
SELECT id, task_id, kind, name, location, checksum, created_at
FROM artifacts WHERE task_id = ? ORDER BY kind, name`, taskID)
}

func (s *SQLStore) ListWorkflowArtifacts(ctx context.Context, workflowID string) ([]model.Artifact, error) {
	return s.queryArtifacts(ctx, `
SELECT a.id, a.task_id, a.kind, a.name, a.location, a.checksum, a.created_at
FROM artifacts a JOIN tasks t ON t.id = a.task_id
WHERE t.workflow_id = ? ORDER BY t.phase, t.name, a.kind, a.name`, workflowID)
}

func (s *SQLStore) queryArtifacts(ctx context.Context, q string, args ...any) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []model.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var (
		a  model.Artifact
		at int64
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Name, &a.Location, &a.Checksum, &at); err != nil {
		return nil, err
	}
	a.CreatedAt = fromNanos(at)
	return &a, nil
}
