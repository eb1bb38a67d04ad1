package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/specforge/internal/events"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/store"
)

var activeStatuses = []model.WorkflowStatus{
	model.WorkflowCreated,
	model.WorkflowPlanning,
	model.WorkflowRunning,
	model.WorkflowGateCheck,
}

// Recover resumes after a restart. The dispatcher's queues are rebuilt from
// the store, workflows interrupted before their plan was persisted are
// failed, and every other active workflow is resolved again. It returns the
// number of workflows resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	restored, err := o.queue.Restore(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	wfs, err := o.store.ListWorkflows(ctx, store.WorkflowFilter{Statuses: activeStatuses})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	resumed := 0
	var errs []error
	for _, wf := range wfs {
		switch wf.Status {
		case model.WorkflowCreated, model.WorkflowPlanning:
			if err := o.abandon(ctx, wf.ID, "interrupted before planning completed"); err != nil {
				errs = append(errs, err)
			}
			continue
		case model.WorkflowGateCheck:
			_, err, _ = o.gates.Do(wf.ID, func() (any, error) {
				return nil, o.checkGates(ctx, wf.ID)
			})
		default:
			err = o.resolve(ctx, wf.ID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", wf.ID, err))
			continue
		}
		resumed++
	}
	o.logger.Info("recovery finished", "workflows", resumed, "tasks_requeued", restored)
	return resumed, errors.Join(errs...)
}

func (o *Orchestrator) abandon(ctx context.Context, workflowID, reason string) error {
	unlock := o.lockWorkflow(workflowID)
	defer unlock()
	if _, err := o.queue.CancelWorkflow(ctx, workflowID); err != nil {
		return err
	}
	_, err := o.transitionWorkflow(ctx, workflowID, model.WorkflowFailed, reason, func(w *model.Workflow) {
		w.Reason = reason
	})
	return err
}

// Run follows task transitions on the bus and reconciles every interval
// until ctx is cancelled. The periodic pass also expires overdue tasks and
// catches any transition the bus dropped.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.follow(ctx)()

	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}

// follow resolves a workflow whenever one of its tasks reaches a terminal
// status. It returns the unsubscribe function.
func (o *Orchestrator) follow(ctx context.Context) func() {
	bus := o.recorder.Bus()
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(events.EventTaskStatus, func(ev events.Event) {
		if !model.TaskStatus(ev.To).IsTerminal() || ctx.Err() != nil {
			return
		}
		if err := o.resolve(ctx, ev.WorkflowID); err != nil && ctx.Err() == nil {
			o.logger.Error("resolve failed", "workflow_id", ev.WorkflowID, "error", err)
		}
	})
}

// Reconcile expires overdue tasks and resolves every running workflow.
// Queued tasks the dispatcher lost are pushed back first.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	var errs []error
	if _, err := o.expireOverdue(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := o.queue.Resync(ctx); err != nil {
		errs = append(errs, err)
	}
	wfs, err := o.store.ListWorkflows(ctx, store.WorkflowFilter{
		Statuses: []model.WorkflowStatus{model.WorkflowRunning, model.WorkflowGateCheck},
	})
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, wf := range wfs {
		if err := o.resolve(ctx, wf.ID); err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", wf.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleChanges is a detector sink. Failures are logged per event.
func (o *Orchestrator) HandleChanges(ctx context.Context, evs []model.ChangeEvent) {
	for _, ev := range evs {
		if err := o.HandleChange(ctx, ev); err != nil && ctx.Err() == nil {
			o.logger.Warn("change not applied", "path", ev.Path, "kind", ev.Kind, "error", err)
		}
	}
}

// HandleChange records a detected change and applies it. A created or
// modified specification supersedes any active workflow for the same path;
// a deleted one cancels it.
func (o *Orchestrator) HandleChange(ctx context.Context, ev model.ChangeEvent) error {
	if err := o.store.RecordChange(ctx, ev); err != nil {
		return err
	}
	o.recorder.Emit(events.Event{
		Type:      events.EventChangeDetected,
		Timestamp: ev.DetectedAt,
		Detail:    map[string]string{"path": ev.Path, "kind": string(ev.Kind), "change_id": ev.ID},
	})

	o.locks.Lock("path:" + ev.Path)
	defer o.locks.Unlock("path:" + ev.Path)

	switch ev.Kind {
	case model.ChangeCreated, model.ChangeModified:
		text, err := os.ReadFile(ev.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", ev.Path, err)
		}
		if err := o.cancelActive(ctx, ev.Path, fmt.Sprintf("superseded by change %s", ev.ID)); err != nil {
			return err
		}
		wf, err := o.Submit(ctx, ev.Path, string(text))
		if err != nil {
			return err
		}
		o.logger.Info("change submitted", "path", ev.Path, "workflow_id", wf.ID)
	case model.ChangeDeleted:
		return o.cancelActive(ctx, ev.Path, "source deleted")
	case model.ChangeWarning:
		o.logger.Warn("detector warning", "path", ev.Path, "detail", ev.Detail)
	}
	return nil
}

func (o *Orchestrator) cancelActive(ctx context.Context, path, reason string) error {
	wfs, err := o.store.ListWorkflows(ctx, store.WorkflowFilter{Statuses: activeStatuses, SourcePath: path})
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if err := o.cancel(ctx, wf.ID, reason); err != nil && !errors.Is(err, ErrWorkflowTerminal) {
			return err
		}
	}
	return nil
}
