package plan

import (
	"cmp"
	"slices"

	"github.com/msageha/specforge/internal/model"
)

// TransitiveDependents returns every task that depends, directly or not, on
// rootID, in breadth-first order.
func TransitiveDependents(rootID string, tasks []model.Task) []string {
	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	var result []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dependent := range dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	return result
}

// ReadyTasks returns the pending tasks whose dependencies have all
// succeeded, ordered by priority and then phase.
func ReadyTasks(tasks []model.Task) []model.Task {
	status := statusIndex(tasks)
	var ready []model.Task
	for _, t := range tasks {
		if t.Status != model.TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if status[dep] != model.TaskSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sortByPriority(ready)
	return ready
}

// BlockedBy returns the first dependency of t that ended without success,
// or "" if none did.
func BlockedBy(t model.Task, tasks []model.Task) string {
	status := statusIndex(tasks)
	for _, dep := range t.DependsOn {
		switch status[dep] {
		case model.TaskFailed, model.TaskCancelled:
			return dep
		}
	}
	return ""
}

// AllTerminal reports whether every task has reached a terminal status.
func AllTerminal(tasks []model.Task) bool {
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func statusIndex(tasks []model.Task) map[string]model.TaskStatus {
	m := make(map[string]model.TaskStatus, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t.Status
	}
	return m
}

func sortByPriority(tasks []model.Task) {
	slices.SortStableFunc(tasks, func(a, b model.Task) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Phase, b.Phase)
	})
}
