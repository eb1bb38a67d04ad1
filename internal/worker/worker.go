// Package worker executes generation tasks. A Registry maps each category to
// a Worker; the built-in GenerationWorker pairs a category Specialization
// with an external Generator and retries transient failures. Runner drives
// the workers from the dispatcher's queues.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/msageha/specforge/internal/model"
)

// Worker turns a task into artifacts.
type Worker interface {
	Execute(ctx context.Context, job Job) ([]model.Artifact, error)
}

type WorkerFunc func(ctx context.Context, job Job) ([]model.Artifact, error)

func (f WorkerFunc) Execute(ctx context.Context, job Job) ([]model.Artifact, error) {
	return f(ctx, job)
}

// Registry is populated at startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	workers map[model.Category]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[model.Category]Worker)}
}

func (r *Registry) Register(cat model.Category, w Worker) error {
	if !cat.Valid() {
		return fmt.Errorf("register worker: unknown category %q", cat)
	}
	if w == nil {
		return fmt.Errorf("register worker for %s: nil worker", cat)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[cat]; ok {
		return fmt.Errorf("register worker: %s already registered", cat)
	}
	r.workers[cat] = w
	return nil
}

// Lookup returns a PermanentError for a category nobody registered.
func (r *Registry) Lookup(cat model.Category) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[cat]
	if !ok {
		return nil, Permanent("lookup worker", fmt.Errorf("unsupported category %q", cat))
	}
	return w, nil
}

// Categories returns the registered categories in canonical order.
func (r *Registry) Categories() []model.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Category
	for _, c := range model.Categories() {
		if _, ok := r.workers[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// GenerationWorker calls the generator with a category-specific prompt and
// writes what it returns as artifacts.
type GenerationWorker struct {
	spec        Specialization
	gen         Generator
	retry       RetryPolicy
	callTimeout time.Duration
	writer      *ArtifactWriter
	logger      *slog.Logger
}

func NewGenerationWorker(spec Specialization, gen Generator, retry RetryPolicy, callTimeout time.Duration, writer *ArtifactWriter, logger *slog.Logger) *GenerationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationWorker{
		spec:        spec,
		gen:         gen,
		retry:       retry,
		callTimeout: callTimeout,
		writer:      writer,
		logger:      logger.With("component", "worker", "category", spec.Category()),
	}
}

// NewDefaultRegistry registers a GenerationWorker for every category.
func NewDefaultRegistry(gen Generator, retry RetryPolicy, callTimeout time.Duration, writer *ArtifactWriter, logger *slog.Logger) *Registry {
	reg := NewRegistry()
	for _, spec := range BuiltinSpecializations() {
		// Built-in categories are valid and distinct.
		_ = reg.Register(spec.Category(), NewGenerationWorker(spec, gen, retry, callTimeout, writer, logger))
	}
	return reg
}

func (w *GenerationWorker) Execute(ctx context.Context, job Job) ([]model.Artifact, error) {
	if err := w.spec.Validate(job); err != nil {
		return nil, Permanent("validate "+job.Task.ID, err)
	}

	prompt := Prompt{
		TaskID:     job.Task.ID,
		WorkflowID: job.Task.WorkflowID,
		TaskName:   job.Task.Name,
		Category:   job.Task.Category,
		Text:       w.spec.Prompt(job),
		Outputs:    w.spec.Outputs(job),
	}

	var out *Output
	err := w.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		out, err = w.call(ctx, prompt)
		return err
	}, func(attempt int, delay time.Duration, err error) {
		w.logger.Warn("generation attempt failed", "task_id", job.Task.ID, "attempt", attempt,
			"retry_in", delay.String(), "error", err)
	})
	if err != nil {
		return nil, err
	}

	if err := checkOutput(prompt.Outputs, out); err != nil {
		return nil, Permanent("generate "+job.Task.ID, err)
	}
	arts, err := w.writer.Write(job.Task, out.Files)
	if err != nil {
		return nil, fmt.Errorf("write artifacts for %s: %w", job.Task.ID, err)
	}
	return arts, nil
}

func (w *GenerationWorker) call(ctx context.Context, p Prompt) (*Output, error) {
	cctx := ctx
	if w.callTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, w.callTimeout)
		defer cancel()
	}
	out, err := w.gen.Generate(cctx, p)
	if err == nil {
		return out, nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return nil, err
	}
	// The call timeout firing while the delivery is still live is a slow
	// upstream, not a cancellation.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, Transient("generate", err)
	}
	return nil, Permanent("generate", err)
}

// checkOutput requires every expected output and rejects duplicate names.
func checkOutput(expected []OutputSpec, out *Output) error {
	if out == nil || len(out.Files) == 0 {
		return errors.New("generator returned no files")
	}
	seen := make(map[string]bool, len(out.Files))
	for _, f := range out.Files {
		if f.Name == "" || f.Kind == "" {
			return errors.New("generated file without kind or name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate generated file %q", f.Name)
		}
		seen[f.Name] = true
	}
	for _, e := range expected {
		if !slices.ContainsFunc(out.Files, func(f GeneratedFile) bool { return f.Kind == e.Kind && f.Name == e.Name }) {
			return fmt.Errorf("missing %s output %q", e.Kind, e.Name)
		}
	}
	return nil
}
