package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/specforge/internal/events"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/plan"
	"github.com/msageha/specforge/internal/quality"
)

// TimeoutError fails a task that stayed in progress past the task timeout.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s (limit %s)", e.TaskID, e.Elapsed.Round(time.Second), e.Timeout)
}

// resolve advances a running workflow: dependents of failed tasks fail
// without being queued, tasks whose dependencies all succeeded are queued,
// and once every task is terminal the gates run.
func (o *Orchestrator) resolve(ctx context.Context, workflowID string) error {
	done, err := o.advance(ctx, workflowID)
	if err != nil || !done {
		return err
	}
	_, err, _ = o.gates.Do(workflowID, func() (any, error) {
		return nil, o.checkGates(ctx, workflowID)
	})
	return err
}

// advance reports whether every task of the workflow is terminal.
func (o *Orchestrator) advance(ctx context.Context, workflowID string) (bool, error) {
	unlock := o.lockWorkflow(workflowID)
	defer unlock()

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if wf.Status != model.WorkflowRunning {
		return wf.Status == model.WorkflowGateCheck, nil
	}

	tasks, err := o.store.ListTasks(ctx, workflowID)
	if err != nil {
		return false, err
	}
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	for _, t := range tasks {
		if t.Status != model.TaskFailed && t.Status != model.TaskCancelled {
			continue
		}
		for _, depID := range plan.TransitiveDependents(t.ID, tasks) {
			i := index[depID]
			if tasks[i].Status != model.TaskPending {
				continue
			}
			if err := o.queue.FailBlocked(ctx, depID, t.ID); err != nil {
				return false, err
			}
			tasks[i].Status = model.TaskFailed
			o.logger.Info("dependent failed fast", "workflow_id", workflowID, "task_id", depID, "blocker", t.ID)
		}
	}

	for _, t := range plan.ReadyTasks(tasks) {
		if err := o.queue.Enqueue(ctx, t.ID); err != nil {
			return false, err
		}
		tasks[index[t.ID]].Status = model.TaskQueued
	}

	return plan.AllTerminal(tasks), nil
}

// checkGates evaluates the quality gates of a workflow whose tasks are all
// terminal and moves it to completed or failed.
func (o *Orchestrator) checkGates(ctx context.Context, workflowID string) error {
	unlock := o.lockWorkflow(workflowID)
	defer unlock()

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	switch wf.Status {
	case model.WorkflowRunning:
		if wf, err = o.transitionWorkflow(ctx, workflowID, model.WorkflowGateCheck, "", nil); err != nil {
			return err
		}
	case model.WorkflowGateCheck:
	default:
		return nil
	}

	in := &quality.Input{Workflow: *wf}
	if in.Tasks, err = o.store.ListTasks(ctx, workflowID); err != nil {
		return err
	}
	if !plan.AllTerminal(in.Tasks) {
		return fmt.Errorf("gate check %s: tasks still running", workflowID)
	}
	if in.Artifacts, err = o.store.ListWorkflowArtifacts(ctx, workflowID); err != nil {
		return err
	}
	if in.Requirement, err = o.store.GetRequirement(ctx, wf.RequirementID); err != nil {
		return err
	}

	var results []model.QualityGateResult
	if o.checker != nil {
		if results, err = o.checker.Check(ctx, in); err != nil {
			return err
		}
	}
	for _, r := range results {
		if err := o.store.AppendGateResult(ctx, r); err != nil {
			return err
		}
		o.recorder.Emit(events.Event{
			Type:       events.EventGateEvaluated,
			Timestamp:  r.EvaluatedAt,
			WorkflowID: workflowID,
			Detail: map[string]string{
				"gate":     r.GateName,
				"passed":   fmt.Sprint(r.Passed),
				"required": fmt.Sprint(r.Required),
			},
		})
	}

	rootTask := rootFailure(in.Tasks)
	gateFailure := quality.FirstFailure(results)
	if rootTask == nil && gateFailure == nil {
		if _, err := o.transitionWorkflow(ctx, workflowID, model.WorkflowCompleted, "", nil); err != nil {
			return err
		}
		o.logger.Info("workflow completed", "workflow_id", workflowID, "gates", len(results))
		return nil
	}

	var reasons []string
	if rootTask != nil {
		reasons = append(reasons, taskCause(rootTask))
	}
	if gateFailure != nil {
		reasons = append(reasons, gateFailure.Error())
	}
	reason := strings.Join(reasons, "; ")
	_, err = o.transitionWorkflow(ctx, workflowID, model.WorkflowFailed, reason, func(w *model.Workflow) {
		w.Reason = reason
		if rootTask != nil {
			w.FailedTaskID = rootTask.ID
		}
		if gateFailure != nil {
			w.FailedGate = gateFailure.Gate
		}
	})
	if err != nil {
		return err
	}
	o.logger.Warn("workflow failed", "workflow_id", workflowID, "reason", reason)
	return nil
}

// rootFailure returns the first task that failed on its own rather than
// because a dependency did.
func rootFailure(tasks []model.Task) *model.Task {
	var blocked *model.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status != model.TaskFailed && t.Status != model.TaskCancelled {
			continue
		}
		if plan.BlockedBy(*t, tasks) == "" {
			return t
		}
		if blocked == nil {
			blocked = t
		}
	}
	return blocked
}

func taskCause(t *model.Task) string {
	msg := fmt.Sprintf("task %s (%s) %s", t.Name, t.ID, t.Status)
	if t.LastError != "" {
		msg += ": " + t.LastError
	}
	return msg
}

// expireOverdue fails in-progress tasks that started longer ago than the
// task timeout and returns the affected workflows.
func (o *Orchestrator) expireOverdue(ctx context.Context) (map[string]bool, error) {
	affected := map[string]bool{}
	if o.opts.TaskTimeout <= 0 {
		return affected, nil
	}
	tasks, err := o.store.ListTasksByStatus(ctx, model.TaskInProgress)
	if err != nil {
		return affected, err
	}
	now := o.now()
	var errs []error
	for _, t := range tasks {
		if t.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*t.StartedAt)
		if elapsed <= o.opts.TaskTimeout {
			continue
		}
		cause := &TimeoutError{TaskID: t.ID, Timeout: o.opts.TaskTimeout, Elapsed: elapsed}
		if err := o.queue.Expire(ctx, t.ID, cause); err != nil {
			errs = append(errs, err)
			continue
		}
		o.logger.Warn("task timed out", "task_id", t.ID, "workflow_id", t.WorkflowID, "elapsed", elapsed.String())
		affected[t.WorkflowID] = true
	}
	return affected, errors.Join(errs...)
}
