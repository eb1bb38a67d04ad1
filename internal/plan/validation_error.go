package plan

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// PlanValidationError collects every problem found in a plan. A workflow
// whose plan fails validation never runs a task.
type PlanValidationError struct {
	Errors []ValidationError
	// Cycle is set when the dependency graph is cyclic.
	Cycle []string
}

func (e *PlanValidationError) Add(fieldPath, message string) {
	e.Errors = append(e.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (e *PlanValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *PlanValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return "invalid plan: " + strings.Join(msgs, "; ")
}

func (e *PlanValidationError) FormatStderr() string {
	var sb strings.Builder
	for _, ve := range e.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", ve.FieldPath, ve.Message)
	}
	return sb.String()
}
