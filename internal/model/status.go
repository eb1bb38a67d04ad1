package model

import "fmt"

type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowPlanning  WorkflowStatus = "planning"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowGateCheck WorkflowStatus = "gate_check"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
	TaskCancelled  TaskStatus = "cancelled"
)

var terminalWorkflowStatuses = map[WorkflowStatus]bool{
	WorkflowCompleted: true,
	WorkflowFailed:    true,
	WorkflowCancelled: true,
}

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskSucceeded: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

// created → planning → running → gate_check → {completed | failed};
// cancelled from any non-terminal state.
var validWorkflowTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	WorkflowCreated: {
		WorkflowPlanning:  true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
	},
	WorkflowPlanning: {
		WorkflowRunning:   true,
		WorkflowFailed:    true, // plan validation error
		WorkflowCancelled: true,
	},
	WorkflowRunning: {
		WorkflowGateCheck: true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
	},
	WorkflowGateCheck: {
		WorkflowCompleted: true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
	},
}

// pending → queued → in_progress → succeeded | failed | retrying;
// retrying re-enters in_progress on redelivery.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskQueued:    true,
		TaskFailed:    true, // fail-fast from a failed dependency
		TaskCancelled: true,
	},
	TaskQueued: {
		TaskInProgress: true,
		TaskFailed:     true,
		TaskCancelled:  true,
	},
	TaskInProgress: {
		TaskSucceeded: true,
		TaskFailed:    true,
		TaskRetrying:  true, // lease expired
		TaskCancelled: true,
	},
	TaskRetrying: {
		TaskInProgress: true,
		TaskFailed:     true,
		TaskCancelled:  true,
	},
}

// ParseWorkflowStatus accepts any status a workflow can hold.
func ParseWorkflowStatus(s string) (WorkflowStatus, error) {
	st := WorkflowStatus(s)
	if _, ok := validWorkflowTransitions[st]; ok || st.IsTerminal() {
		return st, nil
	}
	return "", fmt.Errorf("unknown workflow status %q", s)
}

func (s WorkflowStatus) IsTerminal() bool {
	return terminalWorkflowStatuses[s]
}

func (s TaskStatus) IsTerminal() bool {
	return terminalTaskStatuses[s]
}

func ValidateWorkflowTransition(from, to WorkflowStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal workflow status %q", from)
	}
	allowed, ok := validWorkflowTransitions[from]
	if !ok {
		return fmt.Errorf("unknown workflow status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid workflow transition: %q → %q", from, to)
	}
	return nil
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
