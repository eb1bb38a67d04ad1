package plan

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/model"
)

func baseRequirement() *model.ParsedRequirement {
	return &model.ParsedRequirement{
		ID:       "req_1700000000_0a1b2c3d",
		Title:    "Password reset",
		Priority: model.PriorityHigh,
		UserStories: []model.UserStory{
			{Actor: "user", Action: "reset my password", Goal: "I can log in again"},
		},
		AcceptanceCriteria: []model.AcceptanceCriterion{
			{Description: "reset link expires after 1 hour", ValidationMethod: "automated-test"},
		},
	}
}

func taskNames(p *Plan) []string {
	out := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		out[i] = t.Name
	}
	return out
}

func findTask(p *Plan, name string) (TaskSpec, bool) {
	for _, t := range p.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

func TestBuild_MinimalRequirement(t *testing.T) {
	p, err := Build(baseRequirement(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{TaskDesign, TaskImplementation, TaskVerification}, taskNames(p))

	design, _ := findTask(p, TaskDesign)
	assert.Equal(t, 0, design.Phase)
	assert.Equal(t, model.CategoryDesign, design.Category)
	assert.Empty(t, design.DependsOn)

	impl, _ := findTask(p, TaskImplementation)
	assert.Equal(t, model.CategoryBackend, impl.Category)
	assert.Equal(t, []string{TaskDesign}, impl.DependsOn)

	verify, _ := findTask(p, TaskVerification)
	assert.Equal(t, model.CategoryTest, verify.Category)
	assert.Equal(t, []string{TaskImplementation}, verify.DependsOn)

	assert.Equal(t, model.PriorityHigh.Rank(), verify.Priority)
	assert.Equal(t, []string{TaskDesign, TaskImplementation, TaskVerification}, p.Order)
}

func TestBuild_Triggers(t *testing.T) {
	tests := []struct {
		name        string
		stories     []model.UserStory
		constraints []model.Constraint
		want        []string
	}{
		{
			name:    "ui story adds frontend",
			stories: []model.UserStory{{Actor: "user", Action: "see a reset page"}},
			want:    []string{TaskDesign, TaskImplementation, TaskImplementationFrontend, TaskVerification},
		},
		{
			name:        "accessibility constraint adds frontend",
			constraints: []model.Constraint{{Category: "accessibility", Description: "WCAG AA"}},
			want:        []string{TaskDesign, TaskImplementation, TaskImplementationFrontend, TaskVerification},
		},
		{
			name:        "deploy constraint adds infrastructure",
			constraints: []model.Constraint{{Category: "technical", Description: "deploy via CI"}},
			want:        []string{TaskDesign, TaskImplementation, TaskImplementationInfra, TaskVerification},
		},
		{
			name:        "security constraint adds review",
			constraints: []model.Constraint{{Category: "security", Description: "tokens are single use"}},
			want:        []string{TaskDesign, TaskImplementation, TaskVerification, TaskSecurityReview},
		},
		{
			name:    "word fragments do not trigger",
			stories: []model.UserStory{{Actor: "user", Action: "build a quick guide", Goal: "circuit"}},
			want:    []string{TaskDesign, TaskImplementation, TaskVerification},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequirement()
			if tt.stories != nil {
				req.UserStories = tt.stories
			}
			req.Constraints = tt.constraints

			p, err := Build(req, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, taskNames(p))
		})
	}
}

func TestBuild_VerificationDependsOnEveryImplementation(t *testing.T) {
	req := baseRequirement()
	req.UserStories = []model.UserStory{{Actor: "admin", Action: "open the dashboard page in a browser"}}
	req.Constraints = []model.Constraint{
		{Category: "technical", Description: "deploy with kubernetes"},
		{Category: "security", Description: "audit every access"},
	}

	p, err := Build(req, Options{})
	require.NoError(t, err)

	want := []string{TaskImplementation, TaskImplementationFrontend, TaskImplementationInfra}
	verify, ok := findTask(p, TaskVerification)
	require.True(t, ok)
	assert.Equal(t, want, verify.DependsOn)

	review, ok := findTask(p, TaskSecurityReview)
	require.True(t, ok)
	assert.Equal(t, want, review.DependsOn)
	assert.Equal(t, []string{"audit every access"}, review.Payload.Focus)
}

func TestBuild_SecurityReviewOption(t *testing.T) {
	p, err := Build(baseRequirement(), Options{SecurityReview: true})
	require.NoError(t, err)
	_, ok := findTask(p, TaskSecurityReview)
	assert.True(t, ok)
}

func TestBuild_NilRequirement(t *testing.T) {
	_, err := Build(nil, Options{})
	assert.Error(t, err)
}

func TestBuild_PhaseInvariantHolds(t *testing.T) {
	req := baseRequirement()
	req.Constraints = []model.Constraint{{Category: "security", Description: "x"}}
	p, err := Build(req, Options{})
	require.NoError(t, err)

	phase := map[string]int{}
	for _, ts := range p.Tasks {
		phase[ts.Name] = ts.Phase
	}
	for _, ts := range p.Tasks {
		for _, d := range ts.DependsOn {
			assert.GreaterOrEqual(t, ts.Phase, phase[d], "%s depends on %s", ts.Name, d)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []TaskSpec
		wantMsg string
	}{
		{"empty plan", nil, "plan has no tasks"},
		{
			"duplicate name",
			[]TaskSpec{{Name: "a", Category: model.CategoryDesign}, {Name: "a", Category: model.CategoryDesign}},
			`duplicate task name "a"`,
		},
		{
			"missing name",
			[]TaskSpec{{Category: model.CategoryDesign}},
			"name is required",
		},
		{
			"unknown category",
			[]TaskSpec{{Name: "a", Category: "marketing"}},
			`unknown category "marketing"`,
		},
		{
			"unknown reference",
			[]TaskSpec{{Name: "a", Category: model.CategoryDesign, DependsOn: []string{"ghost"}}},
			`references unknown task "ghost"`,
		},
		{
			"self reference",
			[]TaskSpec{{Name: "a", Category: model.CategoryDesign, DependsOn: []string{"a"}}},
			"self-reference is not allowed",
		},
		{
			"phase regression",
			[]TaskSpec{
				{Name: "a", Category: model.CategoryDesign, Phase: 1},
				{Name: "b", Category: model.CategoryBackend, Phase: 0, DependsOn: []string{"a"}},
			},
			`phase 0 precedes dependency "a" in phase 1`,
		},
		{
			"cycle",
			[]TaskSpec{
				{Name: "a", Category: model.CategoryBackend, DependsOn: []string{"b"}},
				{Name: "b", Category: model.CategoryBackend, DependsOn: []string{"a"}},
			},
			"circular dependency detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.tasks)
			var verr *PlanValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *PlanValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidate_CyclePathRecorded(t *testing.T) {
	_, err := Validate([]TaskSpec{
		{Name: "a", Category: model.CategoryBackend, DependsOn: []string{"c"}},
		{Name: "b", Category: model.CategoryBackend, DependsOn: []string{"a"}},
		{Name: "c", Category: model.CategoryBackend, DependsOn: []string{"b"}},
	})
	var verr *PlanValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Cycle, 4)
	assert.Equal(t, verr.Cycle[0], verr.Cycle[3])
	assert.Contains(t, verr.FormatStderr(), "error: depends_on:")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	_, err := Validate([]TaskSpec{
		{Name: "a", Category: "nope", DependsOn: []string{"a"}},
		{Name: "b", Category: model.CategoryBackend, Phase: -1, DependsOn: []string{"ghost"}},
	})
	var verr *PlanValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 4)
}

func TestInstantiate(t *testing.T) {
	p, err := Build(baseRequirement(), Options{})
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tasks, err := p.Instantiate("wf_1700000000_0a1b2c3d", now)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	ids := map[string]string{}
	for _, task := range tasks {
		assert.True(t, model.ValidateID(task.ID), task.ID)
		assert.Equal(t, "wf_1700000000_0a1b2c3d", task.WorkflowID)
		assert.Equal(t, model.TaskPending, task.Status)
		assert.Equal(t, 1, task.Version)
		assert.Equal(t, now, task.CreatedAt)
		ids[task.Name] = task.ID
	}

	assert.Equal(t, []string{ids[TaskDesign]}, tasks[1].DependsOn)
	assert.Equal(t, []string{ids[TaskImplementation]}, tasks[2].DependsOn)
	assert.Equal(t, "req_1700000000_0a1b2c3d", tasks[0].Payload.RequirementID)
}
