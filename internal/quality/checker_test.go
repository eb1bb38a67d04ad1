package quality

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/logging"
	"github.com/msageha/specforge/internal/model"
)

func writeArtifact(t *testing.T, dir, taskID, kind, name, content string) model.Artifact {
	t.Helper()
	path := filepath.Join(dir, taskID, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	sum := sha256.Sum256([]byte(content))
	return model.Artifact{
		ID:       model.ArtifactID(taskID, kind, name),
		TaskID:   taskID,
		Kind:     kind,
		Name:     name,
		Location: path,
		Checksum: hex.EncodeToString(sum[:]),
	}
}

func succeededInput(t *testing.T, withSecurity bool) *Input {
	t.Helper()
	dir := t.TempDir()
	req := &model.ParsedRequirement{
		ID:       "req_1",
		Priority: model.PriorityHigh,
		AcceptanceCriteria: []model.AcceptanceCriterion{
			{Description: "Users can reset their password", ValidationMethod: "automated-test"},
			{Description: "Reset links expire after 1 hour", ValidationMethod: "metric"},
		},
	}
	tasks := []model.Task{
		{ID: "task_design", Name: "design", Category: model.CategoryDesign, Status: model.TaskSucceeded},
		{ID: "task_backend", Name: "backend", Category: model.CategoryBackend, Status: model.TaskSucceeded},
		{ID: "task_verify", Name: "verification", Category: model.CategoryTest, Status: model.TaskSucceeded},
	}
	arts := []model.Artifact{
		writeArtifact(t, dir, "task_design", "design", "architecture.md", "# Architecture"),
		writeArtifact(t, dir, "task_backend", "code", "backend.md", "# Backend"),
		writeArtifact(t, dir, "task_verify", "test", "test-plan.md",
			"- users can reset their password\n- reset links expire after 1 hour\n"),
	}
	if withSecurity {
		req.Constraints = []model.Constraint{{Category: "security", Description: "tokens are single use"}}
		tasks = append(tasks, model.Task{ID: "task_sec", Name: "security-review", Category: model.CategorySecurity, Status: model.TaskSucceeded})
		arts = append(arts, writeArtifact(t, dir, "task_sec", "report", "security-review.md", "# Review"))
	}
	return &Input{
		Workflow:    model.Workflow{ID: "wf_1"},
		Requirement: req,
		Tasks:       tasks,
		Artifacts:   arts,
	}
}

func TestBuiltinGates_Pass(t *testing.T) {
	ctx := context.Background()
	for _, withSec := range []bool{false, true} {
		in := succeededInput(t, withSec)
		for name, g := range builtinGates() {
			v, err := g.Evaluate(ctx, in)
			require.NoError(t, err, name)
			assert.True(t, v.Passed, "%s: %s", name, v.Details)
		}
	}
}

func TestTasksSucceeded_ReportsFailures(t *testing.T) {
	in := succeededInput(t, false)
	in.Tasks[1].Status = model.TaskFailed
	in.Tasks[1].LastError = "generator exploded"

	v, err := tasksSucceeded(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Details, "backend (task_backend) failed: generator exploded")
}

func TestArtifactsPresent_DetectsTampering(t *testing.T) {
	in := succeededInput(t, false)
	require.NoError(t, os.WriteFile(in.Artifacts[1].Location, []byte("changed"), 0o644))
	require.NoError(t, os.Remove(in.Artifacts[0].Location))

	v, err := artifactsPresent(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Details, "backend.md checksum mismatch")
	assert.Contains(t, v.Details, "architecture.md unreadable")
}

func TestArtifactsPresent_MissingOutput(t *testing.T) {
	in := succeededInput(t, false)
	in.Artifacts = in.Artifacts[:2]

	v, err := artifactsPresent(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Details, "task verification produced no artifacts")
}

func TestAcceptanceCoverage_Uncovered(t *testing.T) {
	in := succeededInput(t, false)
	in.Requirement.AcceptanceCriteria = append(in.Requirement.AcceptanceCriteria,
		model.AcceptanceCriterion{Description: "Audit log records every reset"})

	v, err := acceptanceCoverage(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, "1/3 criteria uncovered: Audit log records every reset", v.Details)
}

func TestAcceptanceCoverage_IgnoresCaseAndPunctuation(t *testing.T) {
	in := succeededInput(t, false)
	in.Artifacts[2] = writeArtifact(t, t.TempDir(), "task_verify", "test", "reset_test.go",
		"// Users can reset their password.\nfunc TestReset(t *testing.T) {\n\t// reset-links: expire after\n\t// 1 HOUR!\n}\n")

	v, err := acceptanceCoverage(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, v.Passed, v.Details)

	in.Requirement.AcceptanceCriteria = append(in.Requirement.AcceptanceCriteria,
		model.AcceptanceCriterion{Description: "Links expire after 1 hour"},
		model.AcceptanceCriterion{Description: "Reset links expire after 1 hours"})
	v, err = acceptanceCoverage(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, "1/4 criteria uncovered: Reset links expire after 1 hours", v.Details)
}

func TestSecurityReview(t *testing.T) {
	ctx := context.Background()

	in := succeededInput(t, false)
	v, err := securityReview(ctx, in)
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, "not applicable", v.Details)

	in.Requirement.Constraints = []model.Constraint{{Category: "security", Description: "encrypt at rest"}}
	v, err = securityReview(ctx, in)
	require.NoError(t, err)
	assert.False(t, v.Passed)

	in = succeededInput(t, true)
	in.Tasks[3].Status = model.TaskCancelled
	v, err = securityReview(ctx, in)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Details, "cancelled")
}

func TestChecker_OrderAndFirstFailure(t *testing.T) {
	rules := loadEngine(t, budgetRules)
	cfg := model.QualityGatesConfig{
		Enabled: true,
		Gates: []model.GateConfig{
			{Name: GateTasksSucceeded, Required: true},
			{Name: "budget", Required: false},
			{Name: GateAcceptanceCoverage, Required: true},
			{Name: GateSecurityReview, Required: true},
		},
	}
	c, err := NewChecker(cfg, rules, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{GateTasksSucceeded, "budget", GateAcceptanceCoverage, GateSecurityReview}, c.Names())

	in := succeededInput(t, false)
	in.Requirement.EstimatedComplexity.Score = 90
	in.Requirement.AcceptanceCriteria = append(in.Requirement.AcceptanceCriteria,
		model.AcceptanceCriterion{Description: "not mentioned anywhere"})

	results, err := c.Check(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, name := range c.Names() {
		assert.Equal(t, name, results[i].GateName)
		assert.Equal(t, "wf_1", results[i].WorkflowID)
	}
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.False(t, results[2].Passed)
	assert.True(t, results[3].Passed)

	// The optional budget gate failed first, but only required gates count.
	f := FirstFailure(results)
	require.NotNil(t, f)
	assert.Equal(t, GateAcceptanceCoverage, f.Gate)
	assert.Contains(t, f.Error(), "quality gate acceptance_coverage failed")
}

func TestChecker_AllPass(t *testing.T) {
	cfg := model.QualityGatesConfig{Enabled: true, Gates: []model.GateConfig{
		{Name: GateTasksSucceeded, Required: true},
		{Name: GateArtifactsPresent, Required: true},
	}}
	c, err := NewChecker(cfg, nil, logging.Discard())
	require.NoError(t, err)

	results, err := c.Check(context.Background(), succeededInput(t, true))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Nil(t, FirstFailure(results))
}

func TestChecker_Disabled(t *testing.T) {
	cfg := model.QualityGatesConfig{Enabled: false, Gates: []model.GateConfig{{Name: GateTasksSucceeded, Required: true}}}
	c, err := NewChecker(cfg, nil, logging.Discard())
	require.NoError(t, err)
	results, err := c.Check(context.Background(), succeededInput(t, false))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, c.Names())
}

func TestNewChecker_RejectsUnknownAndDuplicate(t *testing.T) {
	_, err := NewChecker(model.QualityGatesConfig{Enabled: true, Gates: []model.GateConfig{{Name: "lint"}}}, nil, nil)
	assert.ErrorContains(t, err, `unknown quality gate "lint"`)

	_, err = NewChecker(model.QualityGatesConfig{Enabled: true, Gates: []model.GateConfig{
		{Name: GateTasksSucceeded}, {Name: GateTasksSucceeded},
	}}, nil, nil)
	assert.ErrorContains(t, err, "configured twice")
}

func TestBuildFacts(t *testing.T) {
	in := succeededInput(t, true)
	in.Tasks[0].Status = model.TaskFailed
	f := BuildFacts(in)

	v, ok := f.Get("tasks.succeeded")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	v, _ = f.Get("tasks.failed")
	assert.Equal(t, 1, v)
	v, _ = f.Get("tasks.by_category.security")
	assert.Equal(t, 1, v)
	v, _ = f.Get("artifacts.kinds")
	assert.Equal(t, []any{"code", "design", "report", "test"}, v)
	v, _ = f.Get("requirement.constraint_categories")
	assert.Equal(t, []any{"security"}, v)
	v, _ = f.Get("requirement.priority")
	assert.Equal(t, "high", v)
}
