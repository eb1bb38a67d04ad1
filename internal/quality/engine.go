package quality

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// RuleEvaluator evaluates one kind of condition against a fact map.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, cond *compiledCondition, facts Facts) (bool, error)
}

// RuleEngine holds the compiled rule gates of one rules file.
type RuleEngine struct {
	mu         sync.RWMutex
	gates      map[string]*compiledGate
	evaluators map[ConditionType]RuleEvaluator
}

type compiledGate struct {
	*RuleGate
	rules []*compiledRule
}

type compiledRule struct {
	*RuleDefinition
	cond *compiledCondition
}

type compiledCondition struct {
	*RuleCondition
	re   *regexp.Regexp
	subs []*compiledCondition
}

func (c *compiledCondition) caseSensitive() bool {
	return c.CaseSensitive == nil || *c.CaseSensitive
}

// NewRuleEngine compiles the gates of file. A nil file yields an engine with
// no gates.
func NewRuleEngine(file *RuleFile) (*RuleEngine, error) {
	e := &RuleEngine{
		gates:      make(map[string]*compiledGate),
		evaluators: make(map[ConditionType]RuleEvaluator),
	}
	e.evaluators[ConditionFieldValidation] = fieldEvaluator{}
	e.evaluators[ConditionAnd] = logicalEvaluator{engine: e, op: ConditionAnd}
	e.evaluators[ConditionOr] = logicalEvaluator{engine: e, op: ConditionOr}
	e.evaluators[ConditionNot] = logicalEvaluator{engine: e, op: ConditionNot}

	if file == nil {
		return e, nil
	}
	for i := range file.Gates {
		g := &file.Gates[i]
		cg, err := compileGate(g)
		if err != nil {
			return nil, fmt.Errorf("compile gate %s: %w", g.Name, err)
		}
		e.gates[g.Name] = cg
	}
	return e, nil
}

func compileGate(g *RuleGate) (*compiledGate, error) {
	cg := &compiledGate{RuleGate: g, rules: make([]*compiledRule, 0, len(g.Rules))}
	for i := range g.Rules {
		r := &g.Rules[i]
		cond, err := compileCondition(&r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		cg.rules = append(cg.rules, &compiledRule{RuleDefinition: r, cond: cond})
	}
	return cg, nil
}

func compileCondition(c *RuleCondition) (*compiledCondition, error) {
	cc := &compiledCondition{RuleCondition: c}
	if c.Operator == OpMatches || c.Operator == OpNotMatches {
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: regex pattern must be a string", c.Field)
		}
		if !cc.caseSensitive() {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("field %s: invalid regex: %w", c.Field, err)
		}
		cc.re = re
	}
	for i := range c.Conditions {
		sub, err := compileCondition(&c.Conditions[i])
		if err != nil {
			return nil, err
		}
		cc.subs = append(cc.subs, sub)
	}
	return cc, nil
}

// Has reports whether a rule gate with the given name was loaded.
func (e *RuleEngine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.gates[name]
	return ok
}

// Names returns the loaded gate names.
func (e *RuleEngine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.gates))
	for n := range e.gates {
		names = append(names, n)
	}
	return names
}

// Evaluate runs every rule of the named gate. The gate passes unless a rule
// of error or critical severity fails.
func (e *RuleEngine) Evaluate(ctx context.Context, name string, facts Facts) (bool, []RuleResult, error) {
	e.mu.RLock()
	g, ok := e.gates[name]
	e.mu.RUnlock()
	if !ok {
		return false, nil, fmt.Errorf("unknown rule gate %q", name)
	}

	passed := true
	results := make([]RuleResult, 0, len(g.rules))
	for _, r := range g.rules {
		if err := ctx.Err(); err != nil {
			return false, results, err
		}
		res := e.evaluateRule(ctx, r, facts)
		if !res.Passed && r.Severity.blocking() {
			passed = false
		}
		results = append(results, res)
	}
	return passed, results, nil
}

func (e *RuleEngine) evaluateRule(ctx context.Context, r *compiledRule, facts Facts) RuleResult {
	res := RuleResult{RuleID: r.ID, Severity: r.Severity}
	ok, err := e.evaluate(ctx, r.cond, facts)
	switch {
	case err != nil:
		res.Err = err
		res.Message = fmt.Sprintf("%s: %v", r.ID, err)
	case !ok:
		res.Message = r.ID
		if r.Description != "" {
			res.Message = fmt.Sprintf("%s: %s", r.ID, r.Description)
		}
	default:
		res.Passed = true
	}
	return res
}

func (e *RuleEngine) evaluate(ctx context.Context, c *compiledCondition, facts Facts) (bool, error) {
	ev, ok := e.evaluators[c.Type]
	if !ok {
		return false, fmt.Errorf("unknown condition type: %s", c.Type)
	}
	return ev.Evaluate(ctx, c, facts)
}

type logicalEvaluator struct {
	engine *RuleEngine
	op     ConditionType
}

func (l logicalEvaluator) Evaluate(ctx context.Context, c *compiledCondition, facts Facts) (bool, error) {
	switch l.op {
	case ConditionAnd:
		for _, sub := range c.subs {
			ok, err := l.engine.evaluate(ctx, sub, facts)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case ConditionOr:
		for _, sub := range c.subs {
			ok, err := l.engine.evaluate(ctx, sub, facts)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ConditionNot:
		if len(c.subs) != 1 {
			return false, fmt.Errorf("not condition requires exactly one sub-condition")
		}
		ok, err := l.engine.evaluate(ctx, c.subs[0], facts)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("unknown logical operator: %s", l.op)
}

type fieldEvaluator struct{}

func (fieldEvaluator) Evaluate(_ context.Context, c *compiledCondition, facts Facts) (bool, error) {
	value, exists := facts.Get(c.Field)
	cs := c.caseSensitive()

	switch c.Operator {
	case OpExists:
		return exists && !isEmpty(value), nil
	case OpNotExists:
		return !exists || isEmpty(value), nil
	case OpEquals:
		return exists && equalValues(value, c.Value, cs), nil
	case OpNotEquals:
		return !exists || !equalValues(value, c.Value, cs), nil
	case OpContains:
		return exists && containsValue(value, c.Value, cs), nil
	case OpNotContains:
		return !exists || !containsValue(value, c.Value, cs), nil
	case OpMatches, OpNotMatches:
		if !exists {
			return c.Operator == OpNotMatches, nil
		}
		if c.re == nil {
			return false, fmt.Errorf("field %s: regex not compiled", c.Field)
		}
		matched := c.re.MatchString(fmt.Sprint(value))
		return matched == (c.Operator == OpMatches), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		if !exists {
			return false, nil
		}
		return compareNumeric(value, c.Value, c.Operator)
	case OpIn:
		return exists && inList(value, c.Value, cs), nil
	case OpNotIn:
		return !exists || !inList(value, c.Value, cs), nil
	}
	return false, fmt.Errorf("unknown operator: %s", c.Operator)
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func equalValues(a, b any, caseSensitive bool) bool {
	if an, err := toFloat64(a); err == nil {
		if bn, err := toFloat64(b); err == nil {
			return an == bn
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	if !caseSensitive {
		return strings.EqualFold(as, bs)
	}
	return as == bs
}

// containsValue checks list membership for list facts and substring
// containment otherwise.
func containsValue(a, b any, caseSensitive bool) bool {
	if list, ok := a.([]any); ok {
		for _, item := range list {
			if equalValues(item, b, caseSensitive) {
				return true
			}
		}
		return false
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	if !caseSensitive {
		as, bs = strings.ToLower(as), strings.ToLower(bs)
	}
	return strings.Contains(as, bs)
}

func inList(value, list any, caseSensitive bool) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if equalValues(value, item, caseSensitive) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if equalValues(value, item, caseSensitive) {
				return true
			}
		}
	default:
		for _, item := range strings.Split(fmt.Sprint(list), ",") {
			if equalValues(value, strings.TrimSpace(item), caseSensitive) {
				return true
			}
		}
	}
	return false
}

func compareNumeric(a, b any, op FieldOperator) (bool, error) {
	an, err := toFloat64(a)
	if err != nil {
		return false, fmt.Errorf("cannot convert %v to number: %w", a, err)
	}
	bn, err := toFloat64(b)
	if err != nil {
		return false, fmt.Errorf("cannot convert %v to number: %w", b, err)
	}
	switch op {
	case OpGT:
		return an > bn, nil
	case OpGTE:
		return an >= bn, nil
	case OpLT:
		return an < bn, nil
	case OpLTE:
		return an <= bn, nil
	}
	return false, fmt.Errorf("invalid numeric operator: %s", op)
}
