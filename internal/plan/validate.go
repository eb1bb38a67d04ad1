package plan

import (
	"errors"
	"fmt"
)

// Validate checks names, categories, references, the phase ordering rule,
// and acyclicity. On success it returns the task names in dependency order.
func Validate(tasks []TaskSpec) ([]string, error) {
	verr := &PlanValidationError{}

	if len(tasks) == 0 {
		verr.Add("tasks", "plan has no tasks")
		return nil, verr
	}

	byName := make(map[string]TaskSpec, len(tasks))
	names := make([]string, 0, len(tasks))
	for i, t := range tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if t.Name == "" {
			verr.Add(field+".name", "name is required")
			continue
		}
		if _, dup := byName[t.Name]; dup {
			verr.Add(field+".name", fmt.Sprintf("duplicate task name %q", t.Name))
			continue
		}
		if !t.Category.Valid() {
			verr.Add(field+".category", fmt.Sprintf("unknown category %q", t.Category))
		}
		if t.Phase < 0 {
			verr.Add(field+".phase", "phase must be >= 0")
		}
		byName[t.Name] = t
		names = append(names, t.Name)
	}

	deps := make(map[string][]string, len(names))
	for _, name := range names {
		t := byName[name]
		seen := make(map[string]bool)
		for j, dep := range t.DependsOn {
			field := fmt.Sprintf("%s.depends_on[%d]", name, j)
			switch {
			case dep == name:
				verr.Add(field, "self-reference is not allowed")
				continue
			case seen[dep]:
				verr.Add(field, fmt.Sprintf("duplicate dependency %q", dep))
				continue
			}
			seen[dep] = true
			d, ok := byName[dep]
			if !ok {
				verr.Add(field, fmt.Sprintf("references unknown task %q", dep))
				continue
			}
			if t.Phase < d.Phase {
				verr.Add(field, fmt.Sprintf("phase %d precedes dependency %q in phase %d", t.Phase, dep, d.Phase))
			}
			deps[name] = append(deps[name], dep)
		}
	}

	order, err := TopoSort(names, deps)
	if err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) {
			verr.Cycle = cycle.Path
		}
		verr.Add("depends_on", err.Error())
	}

	if verr.HasErrors() {
		return nil, verr
	}
	return order, nil
}
