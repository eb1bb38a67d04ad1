// Package plan turns a parsed requirement into a phased dependency graph of
// generation tasks and validates such graphs.
package plan

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/msageha/specforge/internal/model"
)

// Task names produced by Build.
const (
	TaskDesign                 = "design"
	TaskImplementation         = "implementation"
	TaskImplementationFrontend = "implementation-frontend"
	TaskImplementationInfra    = "implementation-infrastructure"
	TaskVerification           = "verification"
	TaskSecurityReview         = "security-review"
)

// TaskSpec is one planned task; DependsOn holds task names, not IDs.
type TaskSpec struct {
	Name      string
	Category  model.Category
	Phase     int
	DependsOn []string
	Priority  int
	Payload   model.TaskPayload
}

type Plan struct {
	RequirementID string
	Tasks         []TaskSpec
	// Order is a dependency-respecting ordering of task names.
	Order []string
}

type Options struct {
	// SecurityReview adds the security-review task even when the requirement
	// carries no security constraint.
	SecurityReview bool
}

var (
	frontendRe = regexp.MustCompile(`(?i)\b(ui|user interface|pages?|screens?|accessib\w*|a11y|browsers?|frontend|front-end)\b`)
	infraRe    = regexp.MustCompile(`(?i)\b(deploy\w*|infrastructure|ci|ci/cd|pipelines?|kubernetes|docker)\b`)
)

// Build derives the task graph for req. The graph is validated before it is
// returned, so a non-nil plan is always runnable.
func Build(req *model.ParsedRequirement, opts Options) (*Plan, error) {
	if req == nil {
		return nil, fmt.Errorf("build plan: nil requirement")
	}

	text := triggerText(req)
	prio := req.Priority.Rank()
	criteria := criteriaFocus(req)

	tasks := []TaskSpec{{
		Name:     TaskDesign,
		Category: model.CategoryDesign,
		Phase:    0,
		Priority: prio,
		Payload:  payload(req, "Design the solution for "+subject(req), storyFocus(req)),
	}}

	impl := []TaskSpec{{
		Name:      TaskImplementation,
		Category:  model.CategoryBackend,
		Phase:     1,
		DependsOn: []string{TaskDesign},
		Priority:  prio,
		Payload:   payload(req, "Implement the backend for "+subject(req), criteria),
	}}
	if frontendRe.MatchString(text) {
		impl = append(impl, TaskSpec{
			Name:      TaskImplementationFrontend,
			Category:  model.CategoryFrontend,
			Phase:     1,
			DependsOn: []string{TaskDesign},
			Priority:  prio,
			Payload:   payload(req, "Implement the user interface for "+subject(req), criteria),
		})
	}
	if infraRe.MatchString(text) {
		impl = append(impl, TaskSpec{
			Name:      TaskImplementationInfra,
			Category:  model.CategoryInfrastructure,
			Phase:     1,
			DependsOn: []string{TaskDesign},
			Priority:  prio,
			Payload:   payload(req, "Provision infrastructure for "+subject(req), constraintFocus(req, "")),
		})
	}
	tasks = append(tasks, impl...)

	implNames := make([]string, len(impl))
	for i, t := range impl {
		implNames[i] = t.Name
	}

	tasks = append(tasks, TaskSpec{
		Name:      TaskVerification,
		Category:  model.CategoryTest,
		Phase:     1,
		DependsOn: append([]string(nil), implNames...),
		Priority:  prio,
		Payload:   payload(req, "Verify the acceptance criteria of "+subject(req), criteria),
	})

	if opts.SecurityReview || req.HasConstraint("security") {
		tasks = append(tasks, TaskSpec{
			Name:      TaskSecurityReview,
			Category:  model.CategorySecurity,
			Phase:     1,
			DependsOn: append([]string(nil), implNames...),
			Priority:  prio,
			Payload:   payload(req, "Review the security posture of "+subject(req), constraintFocus(req, "security")),
		})
	}

	order, err := Validate(tasks)
	if err != nil {
		return nil, err
	}
	return &Plan{RequirementID: req.ID, Tasks: tasks, Order: order}, nil
}

// Instantiate assigns task IDs and resolves name references to IDs. Tasks
// come back in dependency order.
func (p *Plan) Instantiate(workflowID string, now time.Time) ([]model.Task, error) {
	byName := make(map[string]TaskSpec, len(p.Tasks))
	for _, t := range p.Tasks {
		byName[t.Name] = t
	}

	ids := make(map[string]string, len(p.Tasks))
	for _, name := range p.Order {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return nil, fmt.Errorf("instantiate plan: %w", err)
		}
		ids[name] = id
	}

	out := make([]model.Task, 0, len(p.Order))
	for _, name := range p.Order {
		spec := byName[name]
		deps := make([]string, 0, len(spec.DependsOn))
		for _, d := range spec.DependsOn {
			deps = append(deps, ids[d])
		}
		out = append(out, model.Task{
			ID:         ids[name],
			WorkflowID: workflowID,
			Name:       spec.Name,
			Category:   spec.Category,
			Phase:      spec.Phase,
			DependsOn:  deps,
			Status:     model.TaskPending,
			Priority:   spec.Priority,
			Payload:    spec.Payload,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return out, nil
}

func triggerText(req *model.ParsedRequirement) string {
	var sb strings.Builder
	for _, s := range req.UserStories {
		sb.WriteString(s.Actor + " " + s.Action + " " + s.Goal + "\n")
	}
	for _, c := range req.Constraints {
		sb.WriteString(c.Category + " " + c.Description + "\n")
	}
	return sb.String()
}

func subject(req *model.ParsedRequirement) string {
	if req.Title != "" {
		return req.Title
	}
	return req.ID
}

func payload(req *model.ParsedRequirement, summary string, focus []string) model.TaskPayload {
	return model.TaskPayload{RequirementID: req.ID, Summary: summary, Focus: focus}
}

func storyFocus(req *model.ParsedRequirement) []string {
	out := make([]string, 0, len(req.UserStories))
	for _, s := range req.UserStories {
		line := fmt.Sprintf("as %s: %s", s.Actor, s.Action)
		if s.Goal != "" {
			line += " (" + s.Goal + ")"
		}
		out = append(out, line)
	}
	return out
}

func criteriaFocus(req *model.ParsedRequirement) []string {
	out := make([]string, 0, len(req.AcceptanceCriteria))
	for _, c := range req.AcceptanceCriteria {
		out = append(out, c.Description)
	}
	return out
}

// constraintFocus lists constraint descriptions, all of them when category
// is empty.
func constraintFocus(req *model.ParsedRequirement, category string) []string {
	var out []string
	for _, c := range req.Constraints {
		if category == "" || c.Category == category {
			out = append(out, c.Description)
		}
	}
	return out
}
