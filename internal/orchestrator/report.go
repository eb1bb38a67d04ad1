package orchestrator

import (
	"context"
	"fmt"

	"github.com/msageha/specforge/internal/model"
)

// Report is the full picture of one workflow.
type Report struct {
	Workflow  model.Workflow            `json:"workflow"`
	Tasks     []model.Task              `json:"tasks"`
	Gates     []model.QualityGateResult `json:"gates"`
	Artifacts []model.Artifact          `json:"artifacts"`
	// Cause explains a failed or cancelled workflow.
	Cause string `json:"cause,omitempty"`
}

func (o *Orchestrator) Report(ctx context.Context, workflowID string) (*Report, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	r := &Report{Workflow: *wf}
	if r.Tasks, err = o.store.ListTasks(ctx, workflowID); err != nil {
		return nil, err
	}
	if r.Gates, err = o.store.ListGateResults(ctx, workflowID); err != nil {
		return nil, err
	}
	if r.Artifacts, err = o.store.ListWorkflowArtifacts(ctx, workflowID); err != nil {
		return nil, err
	}
	r.Cause = cause(wf, r.Tasks, r.Gates)
	return r, nil
}

func cause(wf *model.Workflow, tasks []model.Task, gates []model.QualityGateResult) string {
	switch wf.Status {
	case model.WorkflowFailed:
		if wf.FailedTaskID != "" {
			for i := range tasks {
				if tasks[i].ID == wf.FailedTaskID {
					c := taskCause(&tasks[i])
					if wf.FailedGate != "" {
						c += "; " + gateCause(wf.FailedGate, gates)
					}
					return c
				}
			}
		}
		if wf.FailedGate != "" {
			return gateCause(wf.FailedGate, gates)
		}
		return wf.Reason
	case model.WorkflowCancelled:
		return wf.Reason
	}
	return ""
}

// gateCause uses the latest result of the gate.
func gateCause(gate string, gates []model.QualityGateResult) string {
	for i := len(gates) - 1; i >= 0; i-- {
		if gates[i].GateName == gate {
			return fmt.Sprintf("quality gate %s failed: %s", gate, gates[i].Details)
		}
	}
	return fmt.Sprintf("quality gate %s failed", gate)
}
