package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/msageha/specforge/internal/model"
)

// Prompt is the payload handed to the external generation capability.
type Prompt struct {
	TaskID     string         `json:"task_id"`
	WorkflowID string         `json:"workflow_id"`
	TaskName   string         `json:"task_name"`
	Category   model.Category `json:"category"`
	Text       string         `json:"prompt"`
	// Outputs lists the files the capability is expected to return.
	Outputs []OutputSpec `json:"outputs"`
}

type OutputSpec struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type GeneratedFile struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Output struct {
	Files []GeneratedFile `json:"files"`
}

// Generator is the external generation capability. Implementations classify
// their failures as TransientError or PermanentError.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (*Output, error)
}

// StubGenerator produces deterministic content derived from the prompt. It
// needs no network and is the default for local runs and tests.
type StubGenerator struct{}

func (StubGenerator) Generate(ctx context.Context, p Prompt) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("stub generate", err)
	}
	sum := sha256.Sum256([]byte(p.Text))
	digest := hex.EncodeToString(sum[:8])

	out := &Output{Files: make([]GeneratedFile, 0, len(p.Outputs))}
	for _, o := range p.Outputs {
		var b strings.Builder
		fmt.Fprintf(&b, "# %s (%s)\n\n", o.Name, o.Kind)
		fmt.Fprintf(&b, "task: %s\ncategory: %s\nprompt-digest: %s\n\n", p.TaskName, p.Category, digest)
		b.WriteString(p.Text)
		if !strings.HasSuffix(p.Text, "\n") {
			b.WriteByte('\n')
		}
		out.Files = append(out.Files, GeneratedFile{Kind: o.Kind, Name: o.Name, Content: b.String()})
	}
	return out, nil
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Prompt) (*Output, error)

func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (*Output, error) {
	return f(ctx, p)
}

// NewGenerator builds the generator named in the worker configuration.
func NewGenerator(cfg model.WorkerConfig) (Generator, error) {
	switch cfg.Generator {
	case "", "stub":
		return StubGenerator{}, nil
	case "http":
		return NewHTTPGenerator(cfg.Endpoint, nil), nil
	case "command":
		return NewCommandGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
	}
}
