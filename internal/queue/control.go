package queue

import (
	"context"
	"fmt"

	"github.com/msageha/specforge/internal/model"
)

// FailBlocked fails a pending task whose dependency ended without success.
// The task is never queued.
func (q *Dispatcher) FailBlocked(ctx context.Context, taskID, blockerID string) error {
	msg := fmt.Sprintf("dependency %s did not succeed", blockerID)
	_, err := q.transition(ctx, taskID, model.TaskFailed, msg, func(t *model.Task) {
		t.LastError = msg
	})
	if err != nil {
		return fmt.Errorf("fail blocked %s: %w", taskID, err)
	}
	return nil
}

// Expire fails an in-progress task that ran past its deadline and revokes
// its lease, cancelling the worker's delivery context.
func (q *Dispatcher) Expire(ctx context.Context, taskID string, cause error) error {
	msg := cause.Error()
	_, err := q.transition(ctx, taskID, model.TaskFailed, msg, func(t *model.Task) {
		t.LastError = msg
	})
	if err != nil {
		return fmt.Errorf("expire %s: %w", taskID, err)
	}
	q.dropLease(taskID, "")
	return nil
}

// CancelWorkflow removes the workflow's queued entries, revokes its leases,
// and cancels every non-terminal task. It returns the number of tasks
// cancelled.
func (q *Dispatcher) CancelWorkflow(ctx context.Context, workflowID string) (int, error) {
	q.mu.Lock()
	for cat, cq := range q.queues {
		kept := cq.entries[:0]
		for _, e := range cq.entries {
			if e.workflowID != workflowID {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(cq.entries) {
			cq.entries = kept
			q.observeDepth(cat, cq)
		}
	}
	var leased []string
	for id, l := range q.leases {
		if l.workflowID == workflowID {
			leased = append(leased, id)
		}
	}
	q.mu.Unlock()

	for _, id := range leased {
		q.dropLease(id, "")
	}

	tasks, err := q.store.ListTasks(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	cancelled := 0
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if _, err := q.transition(ctx, t.ID, model.TaskCancelled, "workflow cancelled", nil); err != nil {
			return cancelled, fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
		cancelled++
	}
	return cancelled, nil
}

// Restore rebuilds the in-memory queues after a restart. Queued and
// retrying tasks are re-queued as they are; tasks that were in progress
// lost their lease with the previous process and are treated as expired.
func (q *Dispatcher) Restore(ctx context.Context) (int, error) {
	tasks, err := q.store.ListTasksByStatus(ctx, model.TaskQueued, model.TaskRetrying, model.TaskInProgress)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}

	restored := 0
	for _, t := range tasks {
		if t.Status == model.TaskInProgress {
			if t.Attempts >= q.opts.MaxDeliveries {
				msg := fmt.Sprintf("interrupted after %d deliveries", t.Attempts)
				if _, err := q.transition(ctx, t.ID, model.TaskFailed, msg, func(t *model.Task) { t.LastError = msg }); err != nil {
					return restored, fmt.Errorf("restore %s: %w", t.ID, err)
				}
				continue
			}
			rt, err := q.transition(ctx, t.ID, model.TaskRetrying, "interrupted by restart", func(t *model.Task) {
				t.LastError = "interrupted by restart"
			})
			if err != nil {
				return restored, fmt.Errorf("restore %s: %w", t.ID, err)
			}
			t = *rt
		}
		q.push(t)
		restored++
	}
	q.logger.Info("queues restored", "tasks", restored)
	return restored, nil
}

// Resync pushes queued and retrying tasks that the store knows about but
// the in-memory queues lost, and returns how many were added.
func (q *Dispatcher) Resync(ctx context.Context) (int, error) {
	tasks, err := q.store.ListTasksByStatus(ctx, model.TaskQueued, model.TaskRetrying)
	if err != nil {
		return 0, fmt.Errorf("resync: %w", err)
	}
	added := 0
	for _, t := range tasks {
		if q.push(t) {
			added++
		}
	}
	if added > 0 {
		q.logger.Warn("queue entries resynced from store", "tasks", added)
	}
	return added, nil
}
