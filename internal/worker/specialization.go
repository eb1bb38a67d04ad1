package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/specforge/internal/model"
)

// Job is everything a worker needs to execute one task. Inputs are the
// artifacts of the task's dependencies, referenced by location.
type Job struct {
	Task        model.Task
	Requirement *model.ParsedRequirement
	Inputs      []model.Artifact
}

// Specialization holds the category-specific half of a generation worker:
// payload validation, prompt construction, and the expected outputs.
type Specialization interface {
	Category() model.Category
	Validate(job Job) error
	Prompt(job Job) string
	Outputs(job Job) []OutputSpec
}

type section int

const (
	secStories section = 1 << iota
	secCriteria
	secConstraints
	secMetrics
)

type categorySpec struct {
	category model.Category
	role     string
	sections section
	// constraintFilter limits the constraints shown; empty shows all.
	constraintFilter []string
	needCriteria     bool
	outputs          []OutputSpec
}

var builtinSpecs = []categorySpec{
	{
		category: model.CategoryDesign,
		role:     "software architect producing the technical design",
		sections: secStories | secCriteria | secConstraints | secMetrics,
		outputs: []OutputSpec{
			{Kind: "design", Name: "architecture.md"},
			{Kind: "design", Name: "interfaces.md"},
		},
	},
	{
		category:         model.CategoryFrontend,
		role:             "frontend engineer implementing the user-facing pages",
		sections:         secStories | secCriteria | secConstraints,
		constraintFilter: []string{"accessibility", "compatibility", "performance"},
		outputs:          []OutputSpec{{Kind: "code", Name: "frontend.md"}},
	},
	{
		category: model.CategoryBackend,
		role:     "backend engineer implementing services and data access",
		sections: secStories | secCriteria | secConstraints,
		outputs:  []OutputSpec{{Kind: "code", Name: "backend.md"}},
	},
	{
		category:         model.CategoryInfrastructure,
		role:             "infrastructure engineer writing deployment and CI configuration",
		sections:         secConstraints | secMetrics,
		constraintFilter: []string{"technical", "performance", "compliance", "security"},
		outputs:          []OutputSpec{{Kind: "config", Name: "infrastructure.md"}},
	},
	{
		category:     model.CategoryTest,
		role:         "test engineer verifying every acceptance criterion",
		sections:     secCriteria | secMetrics,
		needCriteria: true,
		outputs: []OutputSpec{
			{Kind: "test", Name: "test-plan.md"},
			{Kind: "test", Name: "verification.md"},
		},
	},
	{
		category:         model.CategorySecurity,
		role:             "security reviewer auditing the implementation",
		sections:         secConstraints | secCriteria,
		constraintFilter: []string{"security", "compliance"},
		outputs:          []OutputSpec{{Kind: "report", Name: "security-review.md"}},
	},
}

// BuiltinSpecializations returns one specialization per category.
func BuiltinSpecializations() []Specialization {
	out := make([]Specialization, len(builtinSpecs))
	for i := range builtinSpecs {
		out[i] = builtinSpecs[i]
	}
	return out
}

func (s categorySpec) Category() model.Category { return s.category }

func (s categorySpec) Validate(job Job) error {
	var errs []error
	if job.Task.Category != s.category {
		errs = append(errs, fmt.Errorf("unsupported category %q for %s worker", job.Task.Category, s.category))
	}
	if job.Requirement == nil {
		errs = append(errs, errors.New("requirement missing"))
	} else if job.Task.Payload.RequirementID != "" && job.Task.Payload.RequirementID != job.Requirement.ID {
		errs = append(errs, fmt.Errorf("payload requirement %s does not match %s", job.Task.Payload.RequirementID, job.Requirement.ID))
	}
	if strings.TrimSpace(job.Task.Payload.Summary) == "" {
		errs = append(errs, errors.New("payload summary empty"))
	}
	if s.needCriteria && job.Requirement != nil && len(job.Requirement.AcceptanceCriteria) == 0 {
		errs = append(errs, errors.New("no acceptance criteria to verify"))
	}
	return errors.Join(errs...)
}

func (s categorySpec) Prompt(job Job) string {
	var b strings.Builder
	req := job.Requirement

	fmt.Fprintf(&b, "You are a %s.\n\n", s.role)
	fmt.Fprintf(&b, "Task: %s (phase %d)\n", job.Task.Name, job.Task.Phase)
	fmt.Fprintf(&b, "Requirement: %s\n", job.Task.Payload.Summary)
	if req != nil {
		fmt.Fprintf(&b, "Type: %s\nPriority: %s\n", req.Type, req.Priority)
	}
	if len(job.Task.Payload.Focus) > 0 {
		fmt.Fprintf(&b, "Focus: %s\n", strings.Join(job.Task.Payload.Focus, ", "))
	}

	if req != nil {
		if s.sections&secStories != 0 && len(req.UserStories) > 0 {
			b.WriteString("\nUser stories:\n")
			for _, st := range req.UserStories {
				fmt.Fprintf(&b, "- As a %s, I want %s", st.Actor, st.Action)
				if st.Goal != "" {
					fmt.Fprintf(&b, " so that %s", st.Goal)
				}
				b.WriteByte('\n')
			}
		}
		if s.sections&secCriteria != 0 && len(req.AcceptanceCriteria) > 0 {
			b.WriteString("\nAcceptance criteria:\n")
			for _, ac := range req.AcceptanceCriteria {
				fmt.Fprintf(&b, "- %s [%s]\n", ac.Description, ac.ValidationMethod)
			}
		}
		if s.sections&secConstraints != 0 {
			var lines []string
			for _, c := range req.Constraints {
				if s.showsConstraint(c.Category) {
					lines = append(lines, fmt.Sprintf("- %s: %s", c.Category, c.Description))
				}
			}
			if len(lines) > 0 {
				b.WriteString("\nConstraints:\n")
				b.WriteString(strings.Join(lines, "\n"))
				b.WriteByte('\n')
			}
		}
		if s.sections&secMetrics != 0 && len(req.SuccessMetrics) > 0 {
			b.WriteString("\nSuccess metrics:\n")
			for _, m := range req.SuccessMetrics {
				fmt.Fprintf(&b, "- %s\n", m)
			}
		}
	}

	if len(job.Inputs) > 0 {
		b.WriteString("\nInputs from earlier tasks:\n")
		for _, a := range job.Inputs {
			fmt.Fprintf(&b, "- %s %s at %s\n", a.Kind, a.Name, a.Location)
		}
	}
	return b.String()
}

func (s categorySpec) showsConstraint(category string) bool {
	if len(s.constraintFilter) == 0 {
		return true
	}
	for _, c := range s.constraintFilter {
		if c == category {
			return true
		}
	}
	return false
}

func (s categorySpec) Outputs(Job) []OutputSpec {
	return append([]OutputSpec(nil), s.outputs...)
}
