package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/specforge/internal/model"
)

// GateFailure names the first required gate that did not pass.
type GateFailure struct {
	Gate    string
	Details string
}

func (e *GateFailure) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("quality gate %s failed", e.Gate)
	}
	return fmt.Sprintf("quality gate %s failed: %s", e.Gate, e.Details)
}

type configuredGate struct {
	gate     Gate
	required bool
}

// Checker runs the configured gates in their configured order.
type Checker struct {
	enabled bool
	gates   []configuredGate
	now     func() time.Time
	logger  *slog.Logger
}

// NewChecker resolves every configured gate name to a built-in gate or a
// rule gate from rules. Unknown names are an error.
func NewChecker(cfg model.QualityGatesConfig, rules *RuleEngine, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{enabled: cfg.Enabled, now: time.Now, logger: logger}
	builtins := builtinGates()
	seen := map[string]bool{}
	for _, gc := range cfg.Gates {
		if seen[gc.Name] {
			return nil, fmt.Errorf("quality gate %q configured twice", gc.Name)
		}
		seen[gc.Name] = true

		if g, ok := builtins[gc.Name]; ok {
			c.gates = append(c.gates, configuredGate{gate: g, required: gc.Required})
			continue
		}
		if rules != nil && rules.Has(gc.Name) {
			c.gates = append(c.gates, configuredGate{gate: ruleGate{name: gc.Name, engine: rules}, required: gc.Required})
			continue
		}
		return nil, fmt.Errorf("unknown quality gate %q", gc.Name)
	}
	return c, nil
}

// Names lists the active gates in evaluation order.
func (c *Checker) Names() []string {
	if !c.enabled {
		return nil
	}
	names := make([]string, len(c.gates))
	for i, g := range c.gates {
		names[i] = g.gate.Name()
	}
	return names
}

// Check evaluates every gate, even after a required one fails, so the
// report shows the full picture. A gate that errors is recorded as failed.
// Disabled checking returns no results.
func (c *Checker) Check(ctx context.Context, in *Input) ([]model.QualityGateResult, error) {
	if !c.enabled {
		return nil, nil
	}
	results := make([]model.QualityGateResult, 0, len(c.gates))
	for _, g := range c.gates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		v, err := g.gate.Evaluate(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			v = Verdict{Details: "evaluation error: " + err.Error()}
		}
		results = append(results, model.QualityGateResult{
			WorkflowID:  in.Workflow.ID,
			GateName:    g.gate.Name(),
			Required:    g.required,
			Passed:      v.Passed,
			Details:     v.Details,
			EvaluatedAt: c.now().UTC(),
		})
		c.logger.Debug("gate evaluated", "workflow_id", in.Workflow.ID, "gate", g.gate.Name(), "passed", v.Passed)
	}
	return results, nil
}

// FirstFailure returns the first failed required gate, or nil.
func FirstFailure(results []model.QualityGateResult) *GateFailure {
	for _, r := range results {
		if r.Required && !r.Passed {
			return &GateFailure{Gate: r.GateName, Details: r.Details}
		}
	}
	return nil
}
