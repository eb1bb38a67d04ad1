package quality

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/msageha/specforge/internal/model"
)

// Built-in gate names.
const (
	GateTasksSucceeded     = "tasks_succeeded"
	GateArtifactsPresent   = "artifacts_present"
	GateAcceptanceCoverage = "acceptance_coverage"
	GateSecurityReview     = "security_review"
)

// Input is everything a gate may inspect about a workflow whose tasks are
// all terminal.
type Input struct {
	Workflow    model.Workflow
	Requirement *model.ParsedRequirement
	Tasks       []model.Task
	Artifacts   []model.Artifact
}

type Verdict struct {
	Passed  bool
	Details string
}

type Gate interface {
	Name() string
	Evaluate(ctx context.Context, in *Input) (Verdict, error)
}

type gateFunc struct {
	name string
	fn   func(ctx context.Context, in *Input) (Verdict, error)
}

func (g gateFunc) Name() string { return g.name }

func (g gateFunc) Evaluate(ctx context.Context, in *Input) (Verdict, error) {
	return g.fn(ctx, in)
}

func builtinGates() map[string]Gate {
	return map[string]Gate{
		GateTasksSucceeded:     gateFunc{GateTasksSucceeded, tasksSucceeded},
		GateArtifactsPresent:   gateFunc{GateArtifactsPresent, artifactsPresent},
		GateAcceptanceCoverage: gateFunc{GateAcceptanceCoverage, acceptanceCoverage},
		GateSecurityReview:     gateFunc{GateSecurityReview, securityReview},
	}
}

// IsBuiltin reports whether name is one of the built-in gates.
func IsBuiltin(name string) bool {
	_, ok := builtinGates()[name]
	return ok
}

func tasksSucceeded(_ context.Context, in *Input) (Verdict, error) {
	var bad []string
	for _, t := range in.Tasks {
		if t.Status == model.TaskSucceeded {
			continue
		}
		msg := fmt.Sprintf("%s (%s) %s", t.Name, t.ID, t.Status)
		if t.LastError != "" {
			msg += ": " + t.LastError
		}
		bad = append(bad, msg)
	}
	if len(in.Tasks) == 0 {
		return Verdict{Details: "workflow has no tasks"}, nil
	}
	if len(bad) > 0 {
		return Verdict{Details: strings.Join(bad, "; ")}, nil
	}
	return Verdict{Passed: true, Details: fmt.Sprintf("%d tasks succeeded", len(in.Tasks))}, nil
}

func artifactsByTask(arts []model.Artifact) map[string][]model.Artifact {
	m := make(map[string][]model.Artifact)
	for _, a := range arts {
		m[a.TaskID] = append(m[a.TaskID], a)
	}
	return m
}

func verifyArtifact(a model.Artifact) error {
	content, err := os.ReadFile(a.Location)
	if err != nil {
		return fmt.Errorf("%s unreadable: %w", a.Name, err)
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != a.Checksum {
		return fmt.Errorf("%s checksum mismatch", a.Name)
	}
	return nil
}

func artifactsPresent(ctx context.Context, in *Input) (Verdict, error) {
	byTask := artifactsByTask(in.Artifacts)
	var problems []string
	checked := 0
	for _, t := range in.Tasks {
		if t.Status != model.TaskSucceeded {
			continue
		}
		arts := byTask[t.ID]
		if len(arts) == 0 {
			problems = append(problems, fmt.Sprintf("task %s produced no artifacts", t.Name))
			continue
		}
		for _, a := range arts {
			if err := ctx.Err(); err != nil {
				return Verdict{}, err
			}
			if err := verifyArtifact(a); err != nil {
				problems = append(problems, fmt.Sprintf("task %s: %v", t.Name, err))
			}
			checked++
		}
	}
	if len(problems) > 0 {
		return Verdict{Details: strings.Join(problems, "; ")}, nil
	}
	return Verdict{Passed: true, Details: fmt.Sprintf("%d artifacts verified", checked)}, nil
}

// acceptanceCoverage requires every acceptance criterion to be mentioned in
// at least one test artifact. Matching compares word sequences, so case,
// punctuation and line breaks do not matter.
func acceptanceCoverage(_ context.Context, in *Input) (Verdict, error) {
	if in.Requirement == nil || len(in.Requirement.AcceptanceCriteria) == 0 {
		return Verdict{Passed: true, Details: "no acceptance criteria"}, nil
	}

	var corpus strings.Builder
	corpus.WriteByte(' ')
	for _, a := range in.Artifacts {
		if a.Kind != "test" {
			continue
		}
		content, err := os.ReadFile(a.Location)
		if err != nil {
			continue
		}
		corpus.WriteString(normalizeWords(string(content)))
		corpus.WriteByte(' ')
	}
	text := corpus.String()

	var missing []string
	for _, c := range in.Requirement.AcceptanceCriteria {
		words := normalizeWords(c.Description)
		if words == "" {
			continue
		}
		if !strings.Contains(text, " "+words+" ") {
			missing = append(missing, c.Description)
		}
	}
	total := len(in.Requirement.AcceptanceCriteria)
	if len(missing) > 0 {
		return Verdict{Details: fmt.Sprintf("%d/%d criteria uncovered: %s", len(missing), total, strings.Join(missing, "; "))}, nil
	}
	return Verdict{Passed: true, Details: fmt.Sprintf("%d/%d criteria covered", total, total)}, nil
}

// normalizeWords lowercases s and joins its letter and digit runs with
// single spaces.
func normalizeWords(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}

// securityReview applies when the requirement carries a security constraint
// or the plan has a security task; it then needs a succeeded security task
// with a verified report.
func securityReview(_ context.Context, in *Input) (Verdict, error) {
	var secTasks []model.Task
	for _, t := range in.Tasks {
		if t.Category == model.CategorySecurity {
			secTasks = append(secTasks, t)
		}
	}
	needed := len(secTasks) > 0 || (in.Requirement != nil && in.Requirement.HasConstraint("security"))
	if !needed {
		return Verdict{Passed: true, Details: "not applicable"}, nil
	}
	if len(secTasks) == 0 {
		return Verdict{Details: "security constraint present but no security review was planned"}, nil
	}

	byTask := artifactsByTask(in.Artifacts)
	for _, t := range secTasks {
		if t.Status != model.TaskSucceeded {
			return Verdict{Details: fmt.Sprintf("security task %s %s", t.Name, t.Status)}, nil
		}
		found := false
		for _, a := range byTask[t.ID] {
			if a.Kind != "report" {
				continue
			}
			if err := verifyArtifact(a); err != nil {
				return Verdict{Details: fmt.Sprintf("security report: %v", err)}, nil
			}
			found = true
		}
		if !found {
			return Verdict{Details: fmt.Sprintf("security task %s produced no report", t.Name)}, nil
		}
	}
	return Verdict{Passed: true, Details: "security review report present"}, nil
}

// ruleGate adapts a named gate of a RuleEngine.
type ruleGate struct {
	name   string
	engine *RuleEngine
}

func (g ruleGate) Name() string { return g.name }

func (g ruleGate) Evaluate(ctx context.Context, in *Input) (Verdict, error) {
	passed, results, err := g.engine.Evaluate(ctx, g.name, BuildFacts(in))
	if err != nil {
		return Verdict{}, err
	}
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("[%s] %s", r.Severity, r.Message))
		}
	}
	if len(failed) == 0 {
		return Verdict{Passed: passed, Details: fmt.Sprintf("%d rules passed", len(results))}, nil
	}
	return Verdict{Passed: passed, Details: strings.Join(failed, "; ")}, nil
}
