package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/specforge/internal/model"
)

type lease struct {
	receipt    string
	taskID     string
	workflowID string
	category   model.Category
	expires    time.Time
	cancel     context.CancelFunc
}

// Delivery is one leased execution of a task. Receipt identifies the lease;
// a receipt from an earlier delivery of the same task is rejected.
type Delivery struct {
	Task     model.Task
	Receipt  string
	Deadline time.Time
	ctx      context.Context
}

// Context is cancelled when the lease is revoked by cancellation, timeout,
// expiry, or shutdown. Workers check it between steps.
func (d *Delivery) Context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// checkReceipt returns the live lease for d or ErrStaleReceipt.
func (q *Dispatcher) checkReceipt(d *Delivery) (*lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[d.Task.ID]
	if !ok || l.receipt != d.Receipt {
		return nil, fmt.Errorf("task %s receipt %s: %w", d.Task.ID, d.Receipt, ErrStaleReceipt)
	}
	return l, nil
}

// dropLease removes the lease if it still carries receipt and frees the
// category slot.
func (q *Dispatcher) dropLease(taskID, receipt string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[taskID]
	if !ok || (receipt != "" && l.receipt != receipt) {
		return false
	}
	delete(q.leases, taskID)
	l.cancel()
	if cq, ok := q.queues[l.category]; ok {
		cq.inFlight--
		cq.signal()
		q.observeDepth(l.category, cq)
	}
	return true
}

// Heartbeat extends the lease of a live delivery by one visibility timeout.
func (q *Dispatcher) Heartbeat(d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[d.Task.ID]
	if !ok || l.receipt != d.Receipt {
		return fmt.Errorf("heartbeat task %s: %w", d.Task.ID, ErrStaleReceipt)
	}
	l.expires = q.opts.Now().UTC().Add(q.opts.VisibilityTimeout)
	d.Deadline = l.expires
	return nil
}

// Ack records the task as succeeded together with its artifacts in one
// store transaction, then releases the lease.
func (q *Dispatcher) Ack(ctx context.Context, d *Delivery, artifacts []model.Artifact) error {
	if _, err := q.checkReceipt(d); err != nil {
		return err
	}
	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		ids[i] = a.ID
	}
	_, err := q.transitionWith(ctx, d.Task.ID, model.TaskSucceeded, "", func(t *model.Task) {
		t.ResultArtifactIDs = ids
		t.LastError = ""
	}, func(ctx context.Context, t *model.Task) error {
		return q.store.CompleteTask(ctx, t, artifacts)
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Task.ID, err)
	}
	q.dropLease(d.Task.ID, d.Receipt)
	q.logger.Info("task succeeded", "task_id", d.Task.ID, "workflow_id", d.Task.WorkflowID, "artifacts", len(artifacts))
	return nil
}

// Fail marks the delivered task failed. The worker has already exhausted
// its own retries, so the failure is final.
func (q *Dispatcher) Fail(ctx context.Context, d *Delivery, reason error) error {
	if _, err := q.checkReceipt(d); err != nil {
		return err
	}
	msg := "unknown error"
	if reason != nil {
		msg = reason.Error()
	}
	_, err := q.transition(ctx, d.Task.ID, model.TaskFailed, msg, func(t *model.Task) {
		t.LastError = msg
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", d.Task.ID, err)
	}
	q.dropLease(d.Task.ID, d.Receipt)
	q.logger.Warn("task failed", "task_id", d.Task.ID, "workflow_id", d.Task.WorkflowID, "error", msg)
	return nil
}

// Sweep revokes expired leases. A task with deliveries left goes to
// retrying and back on its queue; otherwise it fails. It returns the number
// of leases revoked.
func (q *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := q.opts.Now().UTC()

	q.mu.Lock()
	var expired []*lease
	for _, l := range q.leases {
		if now.After(l.expires) {
			expired = append(expired, l)
		}
	}
	q.mu.Unlock()

	revoked := 0
	for _, l := range expired {
		if !q.dropLease(l.taskID, l.receipt) {
			continue
		}
		revoked++

		t, err := q.store.GetTask(ctx, l.taskID)
		if err != nil {
			return revoked, fmt.Errorf("sweep %s: %w", l.taskID, err)
		}
		if t.Status != model.TaskInProgress {
			continue
		}

		if t.Attempts >= q.opts.MaxDeliveries {
			msg := fmt.Sprintf("lease expired after %d deliveries", t.Attempts)
			if _, err := q.transition(ctx, t.ID, model.TaskFailed, msg, func(t *model.Task) { t.LastError = msg }); err != nil {
				return revoked, fmt.Errorf("sweep %s: %w", t.ID, err)
			}
			q.logger.Warn("task exhausted deliveries", "task_id", t.ID, "attempts", t.Attempts)
			continue
		}

		rt, err := q.transition(ctx, t.ID, model.TaskRetrying, "lease expired", func(t *model.Task) {
			t.LastError = "lease expired"
		})
		if err != nil {
			return revoked, fmt.Errorf("sweep %s: %w", t.ID, err)
		}
		q.push(*rt)
		q.logger.Info("task redelivered", "task_id", t.ID, "attempts", t.Attempts)
	}
	return revoked, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (q *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
