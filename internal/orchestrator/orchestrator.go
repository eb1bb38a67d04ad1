// Package orchestrator drives workflows from a parsed requirement through
// planning, task execution, and quality gates to a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/specforge/internal/events"
	"github.com/msageha/specforge/internal/lock"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/plan"
	"github.com/msageha/specforge/internal/quality"
	"github.com/msageha/specforge/internal/requirement"
	"github.com/msageha/specforge/internal/store"
)

var ErrWorkflowTerminal = errors.New("workflow already terminal")

// TaskQueue is the part of the dispatcher the orchestrator drives.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string) error
	FailBlocked(ctx context.Context, taskID, blockerID string) error
	Expire(ctx context.Context, taskID string, cause error) error
	CancelWorkflow(ctx context.Context, workflowID string) (int, error)
	Restore(ctx context.Context) (int, error)
	Resync(ctx context.Context) (int, error)
}

type Options struct {
	TaskTimeout       time.Duration
	ReconcileInterval time.Duration
	// SecurityReview plans a security review for every requirement.
	SecurityReview bool
	Now            func() time.Time
}

type Orchestrator struct {
	store    store.Store
	queue    TaskQueue
	checker  *quality.Checker
	recorder *events.Recorder
	opts     Options
	logger   *slog.Logger

	locks *lock.KeyedMutex
	gates singleflight.Group
}

// New wires an orchestrator. A nil checker skips gate evaluation; the
// workflow outcome then depends on task results alone.
func New(st store.Store, q TaskQueue, checker *quality.Checker, recorder *events.Recorder, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		queue:    q,
		checker:  checker,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With("component", "orchestrator"),
		locks:    lock.NewKeyedMutex(),
	}
}

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

// Submit parses text and starts a workflow for it. A parse error creates
// no workflow. A planning error leaves a failed workflow, returned together
// with the error.
func (o *Orchestrator) Submit(ctx context.Context, sourcePath, text string) (*model.Workflow, error) {
	reqID, err := model.GenerateID(model.IDTypeRequirement)
	if err != nil {
		return nil, err
	}
	req, err := requirement.Parse(text, reqID)
	if err != nil {
		return nil, err
	}
	req.SourcePath = sourcePath
	req.CreatedAt = o.now()
	if err := o.store.SaveRequirement(ctx, req); err != nil {
		return nil, fmt.Errorf("submit %s: %w", sourcePath, err)
	}

	wfID, err := model.GenerateID(model.IDTypeWorkflow)
	if err != nil {
		return nil, err
	}
	now := o.now()
	wf := &model.Workflow{
		ID:            wfID,
		RequirementID: req.ID,
		SourcePath:    sourcePath,
		Status:        model.WorkflowCreated,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("submit %s: %w", sourcePath, err)
	}
	o.emitWorkflow(wf, "", "submitted")
	o.logger.Info("workflow created", "workflow_id", wf.ID, "source", sourcePath, "requirement_id", req.ID)

	unlock := o.lockWorkflow(wf.ID)
	wf, err = o.startWorkflow(ctx, wf.ID, req)
	unlock()
	if err != nil {
		return wf, err
	}
	return wf, o.resolve(ctx, wf.ID)
}

func (o *Orchestrator) startWorkflow(ctx context.Context, wfID string, req *model.ParsedRequirement) (*model.Workflow, error) {
	wf, err := o.transitionWorkflow(ctx, wfID, model.WorkflowPlanning, "", nil)
	if err != nil {
		return nil, err
	}

	p, err := plan.Build(req, plan.Options{SecurityReview: o.opts.SecurityReview})
	var tasks []model.Task
	if err == nil {
		tasks, err = p.Instantiate(wfID, o.now())
	}
	if err != nil {
		reason := fmt.Sprintf("planning failed: %v", err)
		failed, ferr := o.transitionWorkflow(ctx, wfID, model.WorkflowFailed, reason, func(w *model.Workflow) {
			w.Reason = reason
		})
		if ferr != nil {
			return wf, errors.Join(err, ferr)
		}
		o.logger.Warn("workflow planning failed", "workflow_id", wfID, "error", err)
		return failed, err
	}

	if err := o.store.CreateTasks(ctx, tasks); err != nil {
		return wf, fmt.Errorf("persist plan for %s: %w", wfID, err)
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	wf, err = o.transitionWorkflow(ctx, wfID, model.WorkflowRunning, "", func(w *model.Workflow) {
		w.TaskIDs = ids
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow planned", "workflow_id", wfID, "tasks", len(tasks))
	return wf, nil
}

func (o *Orchestrator) lockWorkflow(id string) func() {
	o.locks.Lock("wf:" + id)
	return func() { o.locks.Unlock("wf:" + id) }
}

const maxConflictRetries = 3

// transitionWorkflow validates and persists a status change, retrying on
// version conflicts, and publishes it.
func (o *Orchestrator) transitionWorkflow(ctx context.Context, id string, to model.WorkflowStatus, reason string, mutate func(*model.Workflow)) (*model.Workflow, error) {
	for attempt := 0; ; attempt++ {
		wf, err := o.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		from := wf.Status
		if err := model.ValidateWorkflowTransition(from, to); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
		if mutate != nil {
			mutate(wf)
		}
		wf.Status = to
		wf.UpdatedAt = o.now()
		if to.IsTerminal() {
			t := wf.UpdatedAt
			wf.CompletedAt = &t
		}

		err = o.store.UpdateWorkflow(ctx, wf)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		o.emitWorkflow(wf, from, reason)
		return wf, nil
	}
}

func (o *Orchestrator) emitWorkflow(wf *model.Workflow, from model.WorkflowStatus, reason string) {
	detail := map[string]string{"source": wf.SourcePath}
	if reason != "" {
		detail["reason"] = reason
	}
	o.recorder.Emit(events.Event{
		Type:       events.EventWorkflowStatus,
		Timestamp:  wf.UpdatedAt,
		WorkflowID: wf.ID,
		From:       string(from),
		To:         string(wf.Status),
		Detail:     detail,
	})
}

// Cancel stops a workflow: queued work is withdrawn, running deliveries are
// revoked, and every non-terminal task is cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	return o.cancel(ctx, workflowID, "cancelled by request")
}

func (o *Orchestrator) cancel(ctx context.Context, workflowID, reason string) error {
	unlock := o.lockWorkflow(workflowID)
	defer unlock()

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("cancel %s (%s): %w", workflowID, wf.Status, ErrWorkflowTerminal)
	}
	n, err := o.queue.CancelWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if _, err := o.transitionWorkflow(ctx, workflowID, model.WorkflowCancelled, reason, func(w *model.Workflow) {
		w.Reason = reason
	}); err != nil {
		return err
	}
	o.logger.Info("workflow cancelled", "workflow_id", workflowID, "tasks_cancelled", n, "reason", reason)
	return nil
}
