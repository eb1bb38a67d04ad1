package quality

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "github.com/msageha/specforge/internal/yaml"
)

// LoadRules reads a rules file. A missing file yields an empty RuleFile;
// a file that is present but invalid is an error, never silently skipped.
func LoadRules(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &RuleFile{SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeGateRules)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	rf, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return rf, nil
}

// ParseRules decodes, defaults and validates a rules document.
func ParseRules(data []byte) (*RuleFile, error) {
	if err := yamlutil.ValidateSchemaHeader(data, yamlutil.FileTypeGateRules); err != nil {
		return nil, err
	}
	var rf RuleFile
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&rf)
	if err := validateRules(&rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

func applyDefaults(rf *RuleFile) {
	for i := range rf.Gates {
		for j := range rf.Gates[i].Rules {
			r := &rf.Gates[i].Rules[j]
			if r.Severity == "" {
				r.Severity = SeverityError
			}
			applyConditionDefaults(&r.Condition)
		}
	}
}

func applyConditionDefaults(c *RuleCondition) {
	if c.Type == "" && c.Field != "" {
		c.Type = ConditionFieldValidation
	}
	if c.Type == ConditionFieldValidation && c.Operator == "" {
		c.Operator = OpExists
	}
	for i := range c.Conditions {
		applyConditionDefaults(&c.Conditions[i])
	}
}

func validateRules(rf *RuleFile) error {
	names := make(map[string]bool)
	for i, g := range rf.Gates {
		if g.Name == "" {
			return fmt.Errorf("gate %d: missing name", i)
		}
		if IsBuiltin(g.Name) {
			return fmt.Errorf("gate %s: name is reserved for a built-in gate", g.Name)
		}
		if names[g.Name] {
			return fmt.Errorf("duplicate gate name: %s", g.Name)
		}
		names[g.Name] = true

		if len(g.Rules) == 0 {
			return fmt.Errorf("gate %s: must have at least one rule", g.Name)
		}
		ruleIDs := make(map[string]bool)
		for j, r := range g.Rules {
			if r.ID == "" {
				return fmt.Errorf("gate %s, rule %d: missing id", g.Name, j)
			}
			if ruleIDs[r.ID] {
				return fmt.Errorf("gate %s: duplicate rule id %s", g.Name, r.ID)
			}
			ruleIDs[r.ID] = true

			switch r.Severity {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
			default:
				return fmt.Errorf("gate %s, rule %s: invalid severity: %s", g.Name, r.ID, r.Severity)
			}
			if err := validateCondition(&r.Condition); err != nil {
				return fmt.Errorf("gate %s, rule %s: %w", g.Name, r.ID, err)
			}
		}
	}
	return nil
}

func validateCondition(c *RuleCondition) error {
	switch c.Type {
	case ConditionFieldValidation:
		if c.Field == "" {
			return fmt.Errorf("field validation condition requires field")
		}
		switch c.Operator {
		case OpExists, OpNotExists:
		case OpEquals, OpNotEquals, OpContains, OpNotContains, OpIn, OpNotIn:
			if c.Value == nil {
				return fmt.Errorf("operator %s requires a value", c.Operator)
			}
		case OpGT, OpGTE, OpLT, OpLTE:
			if _, err := toFloat64(c.Value); err != nil {
				return fmt.Errorf("operator %s requires a numeric value", c.Operator)
			}
		case OpMatches, OpNotMatches:
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("operator %s requires a string pattern", c.Operator)
			}
		default:
			return fmt.Errorf("invalid operator: %s", c.Operator)
		}
	case ConditionAnd, ConditionOr:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s condition requires sub-conditions", c.Type)
		}
		for i := range c.Conditions {
			if err := validateCondition(&c.Conditions[i]); err != nil {
				return err
			}
		}
	case ConditionNot:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("not condition must have exactly one sub-condition")
		}
		return validateCondition(&c.Conditions[0])
	default:
		return fmt.Errorf("unknown condition type: %q", c.Type)
	}
	return nil
}
