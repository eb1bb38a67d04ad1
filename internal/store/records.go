package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/specforge/internal/model"
)

// SaveRequirement stores the requirement as a JSON document. Requirements
// are immutable; saving an existing ID is a no-op.
func (s *SQLStore) SaveRequirement(ctx context.Context, req *model.ParsedRequirement) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("save requirement %s: %w", req.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO requirements(id, source_path, title, priority, complexity_score, document, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`),
		req.ID, req.SourcePath, req.Title, string(req.Priority), req.EstimatedComplexity.Score, string(doc), nanos(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("save requirement %s: %w", req.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRequirement(ctx context.Context, id string) (*model.ParsedRequirement, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM requirements WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requirement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get requirement %s: %w", id, err)
	}
	var req model.ParsedRequirement
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return nil, fmt.Errorf("decode requirement %s: %w", id, err)
	}
	return &req, nil
}

func (s *SQLStore) RecordChange(ctx context.Context, ev model.ChangeEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO change_events(id, path, kind, content_hash, detail, detected_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`),
		ev.ID, ev.Path, string(ev.Kind), ev.ContentHash, ev.Detail, nanos(ev.DetectedAt))
	if err != nil {
		return fmt.Errorf("record change %s: %w", ev.ID, err)
	}
	return nil
}

// ListChanges returns the most recent change events, newest first. A
// non-positive limit returns all of them.
func (s *SQLStore) ListChanges(ctx context.Context, limit int) ([]model.ChangeEvent, error) {
	q := `SELECT id, path, kind, content_hash, detail, detected_at FROM change_events ORDER BY detected_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	out := []model.ChangeEvent{}
	for rows.Next() {
		var (
			ev   model.ChangeEvent
			kind string
			at   int64
		)
		if err := rows.Scan(&ev.ID, &ev.Path, &kind, &ev.ContentHash, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("list changes: %w", err)
		}
		ev.Kind = model.ChangeKind(kind)
		ev.DetectedAt = fromNanos(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendGateResult adds a result row; earlier evaluations are kept.
func (s *SQLStore) AppendGateResult(ctx context.Context, r model.QualityGateResult) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO quality_gate_results(workflow_id, seq, gate_name, required, passed, details, evaluated_at)
SELECT CAST(? AS TEXT), COALESCE(MAX(seq), 0) + 1, CAST(? AS TEXT), CAST(? AS INTEGER), CAST(? AS INTEGER),
  CAST(? AS TEXT), CAST(? AS BIGINT)
FROM quality_gate_results WHERE workflow_id = ?`),
		r.WorkflowID, r.GateName, boolInt(r.Required), boolInt(r.Passed), r.Details, nanos(r.EvaluatedAt), r.WorkflowID)
	if err != nil {
		return fmt.Errorf("append gate result %s/%s: %w", r.WorkflowID, r.GateName, err)
	}
	return nil
}

// ListGateResults returns every gate result of the workflow in evaluation
// order.
func (s *SQLStore) ListGateResults(ctx context.Context, workflowID string) ([]model.QualityGateResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT workflow_id, gate_name, required, passed, details, evaluated_at
FROM quality_gate_results WHERE workflow_id = ? ORDER BY seq`), workflowID)
	if err != nil {
		return nil, fmt.Errorf("list gate results %s: %w", workflowID, err)
	}
	defer rows.Close()

	out := []model.QualityGateResult{}
	for rows.Next() {
		var (
			r                model.QualityGateResult
			required, passed int
			at               int64
		)
		if err := rows.Scan(&r.WorkflowID, &r.GateName, &required, &passed, &r.Details, &at); err != nil {
			return nil, fmt.Errorf("list gate results %s: %w", workflowID, err)
		}
		r.Required = required != 0
		r.Passed = passed != 0
		r.EvaluatedAt = fromNanos(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
