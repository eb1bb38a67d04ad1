// Package queue dispatches tasks to category workers. It keeps one logical
// queue per category in memory and persists every task transition through
// the state store before touching the in-memory structures, so a restart
// can rebuild the queues with Restore.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/specforge/internal/events"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/store"
)

var (
	ErrStaleReceipt    = errors.New("stale delivery receipt")
	ErrUnknownCategory = errors.New("unknown category")
	ErrClosed          = errors.New("dispatcher closed")
)

// Observer receives queue measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	TaskTransitioned(category model.Category, from, to model.TaskStatus)
	QueueDepth(category model.Category, queued, inFlight int)
}

type Options struct {
	// Concurrency is the max-in-flight limit per category. Categories absent
	// from the map use model.DefaultConcurrency.
	Concurrency       map[model.Category]int
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	PriorityAging     time.Duration
	Now               func() time.Time
}

type entry struct {
	taskID     string
	workflowID string
	priority   int
	enqueuedAt time.Time
	seq        uint64
}

type categoryQueue struct {
	entries  []entry
	inFlight int
	limit    int
	// wake is closed and replaced whenever capacity or entries change.
	wake chan struct{}
}

func (cq *categoryQueue) signal() {
	close(cq.wake)
	cq.wake = make(chan struct{})
}

type Dispatcher struct {
	store    store.Store
	recorder *events.Recorder
	observer Observer
	logger   *slog.Logger
	opts     Options

	mu     sync.Mutex
	queues map[model.Category]*categoryQueue
	leases map[string]*lease
	seq    uint64
	closed bool
}

func New(st store.Store, recorder *events.Recorder, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 10 * time.Minute
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	queues := make(map[model.Category]*categoryQueue)
	for _, cat := range model.Categories() {
		limit := opts.Concurrency[cat]
		if limit <= 0 {
			limit = model.DefaultConcurrency(cat)
		}
		queues[cat] = &categoryQueue{limit: limit, wake: make(chan struct{})}
	}

	return &Dispatcher{
		store:    st,
		recorder: recorder,
		logger:   logger.With("component", "queue"),
		opts:     opts,
		queues:   queues,
		leases:   make(map[string]*lease),
	}
}

// SetObserver attaches a metrics observer. Call before any traffic.
func (q *Dispatcher) SetObserver(o Observer) {
	q.observer = o
}

// Enqueue moves a pending task to queued and makes it visible to workers of
// its category.
func (q *Dispatcher) Enqueue(ctx context.Context, taskID string) error {
	t, err := q.transition(ctx, taskID, model.TaskQueued, "", nil)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	q.push(*t)
	return nil
}

// push adds t to its category queue and reports whether it was added. Tasks
// already queued in memory or currently leased are left alone.
func (q *Dispatcher) push(t model.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq, ok := q.queues[t.Category]
	if !ok || q.closed {
		return false
	}
	if _, leased := q.leases[t.ID]; leased {
		return false
	}
	for _, e := range cq.entries {
		if e.taskID == t.ID {
			return false
		}
	}
	q.seq++
	cq.entries = append(cq.entries, entry{
		taskID:     t.ID,
		workflowID: t.WorkflowID,
		priority:   t.Priority,
		enqueuedAt: q.opts.Now(),
		seq:        q.seq,
	})
	cq.signal()
	q.observeDepth(t.Category, cq)
	return true
}

// Dequeue blocks until a task of the category is available and the
// category has spare in-flight capacity, then leases it to the caller. The
// delivery's context derives from ctx and is cancelled when the lease is
// revoked.
func (q *Dispatcher) Dequeue(ctx context.Context, category model.Category) (*Delivery, error) {
	for {
		e, wake, err := q.reserve(category)
		if err != nil {
			return nil, err
		}
		if wake != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wake:
				continue
			}
		}

		d, err := q.start(ctx, category, e)
		if err != nil {
			q.release(category)
			switch {
			case errors.Is(err, errSkip):
				continue
			case errors.Is(err, errRetry):
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(storeRetryDelay):
				}
				continue
			}
			return nil, err
		}
		return d, nil
	}
}

var (
	errSkip  = errors.New("entry no longer deliverable")
	errRetry = errors.New("entry kept after store error")
)

// storeRetryDelay spaces Dequeue attempts after a store failure.
const storeRetryDelay = 100 * time.Millisecond

// reserve pops the best entry and claims an in-flight slot, or returns the
// channel to wait on.
func (q *Dispatcher) reserve(category model.Category) (entry, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return entry{}, nil, ErrClosed
	}
	cq, ok := q.queues[category]
	if !ok {
		return entry{}, nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if len(cq.entries) == 0 || cq.inFlight >= cq.limit {
		return entry{}, cq.wake, nil
	}

	now := q.opts.Now()
	best := 0
	for i := 1; i < len(cq.entries); i++ {
		if q.before(cq.entries[i], cq.entries[best], now) {
			best = i
		}
	}
	e := cq.entries[best]
	cq.entries = append(cq.entries[:best], cq.entries[best+1:]...)
	cq.inFlight++
	q.observeDepth(category, cq)
	return e, nil, nil
}

func (q *Dispatcher) before(a, b entry, now time.Time) bool {
	pa := EffectivePriority(a.priority, now.Sub(a.enqueuedAt), q.opts.PriorityAging)
	pb := EffectivePriority(b.priority, now.Sub(b.enqueuedAt), q.opts.PriorityAging)
	if pa != pb {
		return pa < pb
	}
	return a.seq < b.seq
}

func (q *Dispatcher) release(category model.Category) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.queues[category]; ok {
		cq.inFlight--
		cq.signal()
		q.observeDepth(category, cq)
	}
}

// start persists the in_progress transition and installs the lease.
func (q *Dispatcher) start(ctx context.Context, category model.Category, e entry) (*Delivery, error) {
	now := q.opts.Now().UTC()
	t, err := q.transition(ctx, e.taskID, model.TaskInProgress, "", func(t *model.Task) {
		t.Attempts++
		t.StartedAt = &now
	})
	if err != nil {
		if ctx.Err() != nil {
			// Put the entry back; the caller is going away.
			q.requeue(category, e)
			return nil, ctx.Err()
		}
		if !q.deliverable(ctx, e.taskID) {
			q.logger.Warn("dropping undeliverable entry", "task_id", e.taskID, "error", err)
			return nil, errSkip
		}
		q.logger.Warn("start failed, entry kept", "task_id", e.taskID, "error", err)
		q.requeue(category, e)
		return nil, errRetry
	}

	dctx, cancel := context.WithCancel(ctx)
	l := &lease{
		receipt:    uuid.NewString(),
		taskID:     t.ID,
		workflowID: t.WorkflowID,
		category:   category,
		expires:    now.Add(q.opts.VisibilityTimeout),
		cancel:     cancel,
	}

	q.mu.Lock()
	if old, ok := q.leases[t.ID]; ok {
		old.cancel()
	}
	q.leases[t.ID] = l
	q.mu.Unlock()

	q.logger.Info("task leased", "task_id", t.ID, "workflow_id", t.WorkflowID, "category", category,
		"attempt", t.Attempts, "receipt", l.receipt)
	return &Delivery{Task: *t, Receipt: l.receipt, Deadline: l.expires, ctx: dctx}, nil
}

// deliverable reports whether the stored task may still be started. A task
// that cannot be read for any reason other than being gone counts as
// deliverable, so a failing store never loses an entry.
func (q *Dispatcher) deliverable(ctx context.Context, taskID string) bool {
	t, err := q.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return t.Status == model.TaskQueued || t.Status == model.TaskRetrying
}

func (q *Dispatcher) requeue(category model.Category, e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.queues[category]; ok && !q.closed {
		cq.entries = append(cq.entries, e)
		cq.signal()
	}
}

// transition loads the task, validates from → to, applies mutate, and
// persists, retrying on optimistic-version conflicts.
func (q *Dispatcher) transition(ctx context.Context, taskID string, to model.TaskStatus, reason string, mutate func(*model.Task)) (*model.Task, error) {
	return q.transitionWith(ctx, taskID, to, reason, mutate, q.store.UpdateTask)
}

const maxConflictRetries = 3

func (q *Dispatcher) transitionWith(ctx context.Context, taskID string, to model.TaskStatus, reason string,
	mutate func(*model.Task), persist func(context.Context, *model.Task) error) (*model.Task, error) {
	for attempt := 0; ; attempt++ {
		t, err := q.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		from := t.Status
		if err := model.ValidateTaskTransition(from, to); err != nil {
			return nil, err
		}
		if mutate != nil {
			mutate(t)
		}
		t.Status = to
		t.UpdatedAt = q.opts.Now().UTC()

		err = persist(ctx, t)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		q.emit(t, from, reason)
		return t, nil
	}
}

func (q *Dispatcher) emit(t *model.Task, from model.TaskStatus, reason string) {
	detail := map[string]string{"category": string(t.Category), "name": t.Name}
	if reason != "" {
		detail["reason"] = reason
	}
	q.recorder.Emit(events.Event{
		Type:       events.EventTaskStatus,
		Timestamp:  t.UpdatedAt,
		WorkflowID: t.WorkflowID,
		TaskID:     t.ID,
		From:       string(from),
		To:         string(t.Status),
		Detail:     detail,
	})
	if q.observer != nil {
		q.observer.TaskTransitioned(t.Category, from, t.Status)
	}
}

func (q *Dispatcher) observeDepth(category model.Category, cq *categoryQueue) {
	if q.observer != nil {
		q.observer.QueueDepth(category, len(cq.entries), cq.inFlight)
	}
}

type CategoryStats struct {
	Category model.Category `json:"category"`
	Queued   int            `json:"queued"`
	InFlight int            `json:"in_flight"`
	Limit    int            `json:"limit"`
}

// Stats reports the current queue depth per category in category order.
func (q *Dispatcher) Stats() []CategoryStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]CategoryStats, 0, len(q.queues))
	for _, cat := range model.Categories() {
		cq := q.queues[cat]
		out = append(out, CategoryStats{Category: cat, Queued: len(cq.entries), InFlight: cq.inFlight, Limit: cq.limit})
	}
	return out
}

// Close wakes every blocked Dequeue with ErrClosed and revokes all leases.
// Task states are left as persisted so Restore can resume them.
func (q *Dispatcher) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, l := range q.leases {
		l.cancel()
	}
	for _, cq := range q.queues {
		cq.signal()
	}
}

// EffectivePriority lowers (improves) priority by one step per aging period
// waited, never below zero.
func EffectivePriority(priority int, waited, aging time.Duration) int {
	if aging <= 0 || waited <= 0 {
		return priority
	}
	result := priority - int(waited/aging)
	if result < 0 {
		return 0
	}
	return result
}
