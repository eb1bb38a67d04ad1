package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/queue"
	"github.com/msageha/specforge/internal/store"
)

// Outcomes reported to an Observer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeReused    = "reused"
)

type Observer interface {
	TaskExecuted(category model.Category, outcome string, elapsed time.Duration)
}

type RunnerOptions struct {
	// Concurrency is the number of worker goroutines per category; absent
	// categories use model.DefaultConcurrency.
	Concurrency map[model.Category]int
	Observer    Observer
}

// Runner pulls deliveries from the dispatcher and executes them with the
// registered workers.
type Runner struct {
	queue    *queue.Dispatcher
	store    store.Store
	registry *Registry
	writer   *ArtifactWriter
	opts     RunnerOptions
	logger   *slog.Logger
}

func NewRunner(q *queue.Dispatcher, st store.Store, reg *Registry, writer *ArtifactWriter, opts RunnerOptions, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:    q,
		store:    st,
		registry: reg,
		writer:   writer,
		opts:     opts,
		logger:   logger.With("component", "runner"),
	}
}

// Run blocks until ctx is cancelled or the dispatcher closes.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cat := range r.registry.Categories() {
		n := r.opts.Concurrency[cat]
		if n <= 0 {
			n = model.DefaultConcurrency(cat)
		}
		for i := 0; i < n; i++ {
			id := uuid.NewString()
			g.Go(func() error { return r.loop(ctx, cat, id) })
		}
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, cat model.Category, workerID string) error {
	logger := r.logger.With("category", cat, "worker_id", workerID)
	logger.Debug("worker started")
	for {
		d, err := r.queue.Dequeue(ctx, cat)
		switch {
		case errors.Is(err, queue.ErrClosed) || ctx.Err() != nil:
			logger.Debug("worker stopped")
			return nil
		case err != nil:
			return fmt.Errorf("%s worker: %w", cat, err)
		}
		r.Handle(ctx, d)
	}
}

// Handle executes one delivery and acknowledges or fails it. When the
// delivery's context ends first the lease is already gone and nothing is
// reported.
func (r *Runner) Handle(ctx context.Context, d *queue.Delivery) {
	start := time.Now()
	task := d.Task
	dctx := d.Context()
	logger := r.logger.With("task_id", task.ID, "workflow_id", task.WorkflowID,
		"category", task.Category, "attempt", task.Attempts)

	if arts, ok, err := r.writer.Existing(task); err != nil {
		logger.Warn("artifact manifest unreadable", "error", err)
	} else if ok {
		logger.Info("reusing artifacts from earlier delivery", "artifacts", len(arts))
		r.ack(ctx, d, arts, logger)
		r.observe(task.Category, OutcomeReused, start)
		return
	}

	if r.aborted(dctx, logger, "before execution") {
		r.observe(task.Category, OutcomeAborted, start)
		return
	}

	job, err := r.job(ctx, task)
	if err == nil {
		var w Worker
		if w, err = r.registry.Lookup(task.Category); err == nil {
			if err := r.queue.Heartbeat(d); err != nil {
				logger.Warn("lease lost before execution", "error", err)
				r.observe(task.Category, OutcomeAborted, start)
				return
			}
			var arts []model.Artifact
			arts, err = w.Execute(dctx, job)
			if err == nil {
				if r.aborted(dctx, logger, "after execution") {
					r.observe(task.Category, OutcomeAborted, start)
					return
				}
				r.ack(ctx, d, arts, logger)
				r.observe(task.Category, OutcomeSucceeded, start)
				return
			}
		}
	}

	if r.aborted(dctx, logger, "during execution") {
		r.observe(task.Category, OutcomeAborted, start)
		return
	}
	logger.Warn("task execution failed", "error", err, "permanent", !IsTransient(err))
	if ferr := r.queue.Fail(ctx, d, err); ferr != nil {
		logger.Error("report failure", "error", ferr)
	}
	r.observe(task.Category, OutcomeFailed, start)
}

func (r *Runner) job(ctx context.Context, task model.Task) (Job, error) {
	req, err := r.store.GetRequirement(ctx, task.Payload.RequirementID)
	if errors.Is(err, store.ErrNotFound) {
		return Job{}, Permanent("load requirement", err)
	}
	if err != nil {
		return Job{}, fmt.Errorf("load requirement: %w", err)
	}
	job := Job{Task: task, Requirement: req}
	for _, dep := range task.DependsOn {
		arts, err := r.store.ListArtifacts(ctx, dep)
		if err != nil {
			return Job{}, fmt.Errorf("load inputs from %s: %w", dep, err)
		}
		job.Inputs = append(job.Inputs, arts...)
	}
	return job, nil
}

func (r *Runner) ack(ctx context.Context, d *queue.Delivery, arts []model.Artifact, logger *slog.Logger) {
	if err := r.queue.Ack(ctx, d, arts); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			logger.Warn("lease lost before ack", "error", err)
			return
		}
		logger.Error("ack failed", "error", err)
	}
}

func (r *Runner) aborted(dctx context.Context, logger *slog.Logger, stage string) bool {
	if dctx.Err() == nil {
		return false
	}
	logger.Info("delivery revoked", "stage", stage, "cause", context.Cause(dctx))
	return true
}

func (r *Runner) observe(cat model.Category, outcome string, start time.Time) {
	if r.opts.Observer != nil {
		r.opts.Observer.TaskExecuted(cat, outcome, time.Since(start))
	}
}
