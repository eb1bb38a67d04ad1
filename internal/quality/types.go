package quality

import (
	yamlutil "github.com/msageha/specforge/internal/yaml"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether a failed rule of this severity fails its gate.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

type ConditionType string

const (
	ConditionFieldValidation ConditionType = "field_validation"
	ConditionAnd             ConditionType = "and"
	ConditionOr              ConditionType = "or"
	ConditionNot             ConditionType = "not"
)

type FieldOperator string

const (
	OpExists      FieldOperator = "exists"
	OpNotExists   FieldOperator = "not_exists"
	OpEquals      FieldOperator = "equals"
	OpNotEquals   FieldOperator = "not_equals"
	OpContains    FieldOperator = "contains"
	OpNotContains FieldOperator = "not_contains"
	OpMatches     FieldOperator = "matches"
	OpNotMatches  FieldOperator = "not_matches"
	OpGT          FieldOperator = "gt"
	OpGTE         FieldOperator = "gte"
	OpLT          FieldOperator = "lt"
	OpLTE         FieldOperator = "lte"
	OpIn          FieldOperator = "in"
	OpNotIn       FieldOperator = "not_in"
)

// RuleFile is the on-disk form of the rule gates, usually
// .specforge/gates.yaml.
type RuleFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Gates                 []RuleGate `yaml:"gates"`
}

// RuleGate is a named gate made of field rules evaluated against workflow
// facts. It runs only when listed in the quality_gates configuration.
type RuleGate struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Rules       []RuleDefinition `yaml:"rules"`
}

type RuleDefinition struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Condition   RuleCondition `yaml:"condition"`
	Severity    Severity      `yaml:"severity"`
}

type RuleCondition struct {
	Type          ConditionType   `yaml:"type"`
	Field         string          `yaml:"field"`
	Operator      FieldOperator   `yaml:"operator"`
	Value         any             `yaml:"value"`
	CaseSensitive *bool           `yaml:"case_sensitive"`
	Conditions    []RuleCondition `yaml:"conditions"`
}

type RuleResult struct {
	RuleID   string
	Passed   bool
	Severity Severity
	Message  string
	Err      error
}
