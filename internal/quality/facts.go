package quality

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/msageha/specforge/internal/model"
)

// Facts is the nested map rule gates are evaluated against. Fields are
// addressed with dotted paths such as "tasks.by_category.backend".
type Facts map[string]any

func (f Facts) Get(path string) (any, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// BuildFacts summarises a finished workflow for rule evaluation.
func BuildFacts(in *Input) Facts {
	facts := Facts{}

	if req := in.Requirement; req != nil {
		cats := map[string]bool{}
		for _, c := range req.Constraints {
			cats[c.Category] = true
		}
		facts["requirement"] = map[string]any{
			"id":                    req.ID,
			"title":                 req.Title,
			"source_path":           req.SourcePath,
			"priority":              string(req.Priority),
			"type":                  string(req.Type),
			"complexity_score":      req.EstimatedComplexity.Score,
			"complexity_level":      string(req.EstimatedComplexity.Level),
			"stories":               len(req.UserStories),
			"criteria":              len(req.AcceptanceCriteria),
			"constraints":           len(req.Constraints),
			"success_metrics":       len(req.SuccessMetrics),
			"warnings":              len(req.Warnings),
			"constraint_categories": sortedKeys(cats),
		}
	}

	byCat := map[string]any{}
	byStatus := map[model.TaskStatus]int{}
	for _, t := range in.Tasks {
		n, _ := byCat[string(t.Category)].(int)
		byCat[string(t.Category)] = n + 1
		byStatus[t.Status]++
	}
	facts["tasks"] = map[string]any{
		"total":       len(in.Tasks),
		"succeeded":   byStatus[model.TaskSucceeded],
		"failed":      byStatus[model.TaskFailed],
		"cancelled":   byStatus[model.TaskCancelled],
		"by_category": byCat,
	}

	byKind := map[string]any{}
	kinds := map[string]bool{}
	for _, a := range in.Artifacts {
		n, _ := byKind[a.Kind].(int)
		byKind[a.Kind] = n + 1
		kinds[a.Kind] = true
	}
	facts["artifacts"] = map[string]any{
		"total":   len(in.Artifacts),
		"kinds":   sortedKeys(kinds),
		"by_kind": byKind,
	}
	return facts
}

func sortedKeys(set map[string]bool) []any {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
