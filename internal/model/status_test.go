package model

import "testing"

func TestWorkflowStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   WorkflowStatus
		terminal bool
	}{
		{WorkflowCreated, false},
		{WorkflowPlanning, false},
		{WorkflowRunning, false},
		{WorkflowGateCheck, false},
		{WorkflowCompleted, true},
		{WorkflowFailed, true},
		{WorkflowCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskPending, false},
		{TaskQueued, false},
		{TaskInProgress, false},
		{TaskRetrying, false},
		{TaskSucceeded, true},
		{TaskFailed, true},
		{TaskCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateWorkflowTransition(t *testing.T) {
	valid := []struct{ from, to WorkflowStatus }{
		{WorkflowCreated, WorkflowPlanning},
		{WorkflowPlanning, WorkflowRunning},
		{WorkflowPlanning, WorkflowFailed},
		{WorkflowRunning, WorkflowGateCheck},
		{WorkflowGateCheck, WorkflowCompleted},
		{WorkflowGateCheck, WorkflowFailed},
		{WorkflowCreated, WorkflowCancelled},
		{WorkflowRunning, WorkflowCancelled},
		{WorkflowGateCheck, WorkflowCancelled},
	}
	for _, tt := range valid {
		if err := ValidateWorkflowTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s → %s: unexpected error: %v", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to WorkflowStatus }{
		{WorkflowCreated, WorkflowRunning},
		{WorkflowRunning, WorkflowCompleted},
		{WorkflowPlanning, WorkflowGateCheck},
		{WorkflowCompleted, WorkflowFailed},
		{WorkflowFailed, WorkflowRunning},
		{WorkflowCancelled, WorkflowCreated},
	}
	for _, tt := range invalid {
		if err := ValidateWorkflowTransition(tt.from, tt.to); err == nil {
			t.Errorf("%s → %s: expected error", tt.from, tt.to)
		}
	}
}

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct{ from, to TaskStatus }{
		{TaskPending, TaskQueued},
		{TaskPending, TaskFailed},
		{TaskPending, TaskCancelled},
		{TaskQueued, TaskInProgress},
		{TaskInProgress, TaskSucceeded},
		{TaskInProgress, TaskFailed},
		{TaskInProgress, TaskRetrying},
		{TaskRetrying, TaskInProgress},
		{TaskRetrying, TaskFailed},
	}
	for _, tt := range valid {
		if err := ValidateTaskTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s → %s: unexpected error: %v", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to TaskStatus }{
		{TaskPending, TaskInProgress},
		{TaskPending, TaskSucceeded},
		{TaskQueued, TaskSucceeded},
		{TaskRetrying, TaskSucceeded},
		{TaskSucceeded, TaskFailed},
		{TaskFailed, TaskRetrying},
		{TaskCancelled, TaskQueued},
		{TaskStatus("bogus"), TaskQueued},
	}
	for _, tt := range invalid {
		if err := ValidateTaskTransition(tt.from, tt.to); err == nil {
			t.Errorf("%s → %s: expected error", tt.from, tt.to)
		}
	}
}

func TestParseWorkflowStatus(t *testing.T) {
	for _, s := range []string{"created", "planning", "running", "gate_check", "completed", "failed", "cancelled"} {
		got, err := ParseWorkflowStatus(s)
		if err != nil {
			t.Errorf("ParseWorkflowStatus(%q): %v", s, err)
			continue
		}
		if string(got) != s {
			t.Errorf("ParseWorkflowStatus(%q) = %q", s, got)
		}
	}
	if _, err := ParseWorkflowStatus("done"); err == nil {
		t.Error("ParseWorkflowStatus(\"done\") should fail")
	}
}
