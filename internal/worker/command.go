package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// exitTempFail is sysexits' EX_TEMPFAIL; a command exiting with it asks to
// be retried.
const exitTempFail = 75

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, in case a grandchild still holds them.
const waitDelay = 2 * time.Second

// CommandGenerator runs a subprocess per call with the JSON prompt on stdin
// and reads an Output document from stdout.
type CommandGenerator struct {
	argv []string
}

func NewCommandGenerator(argv []string) (*CommandGenerator, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("command generator: empty command")
	}
	return &CommandGenerator{argv: append([]string(nil), argv...)}, nil
}

func (g *CommandGenerator) Generate(ctx context.Context, p Prompt) (*Output, error) {
	const op = "command generate"

	input, err := json.Marshal(p)
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("encode prompt: %w", err))
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, Transient(op, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Errorf("exit %d: %s", exitErr.ExitCode(), snippet(stderr.Bytes()))
			if exitErr.ExitCode() == exitTempFail {
				return nil, Transient(op, msg)
			}
			return nil, Permanent(op, msg)
		}
		return nil, Permanent(op, err)
	}

	var out Output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, Permanent(op, fmt.Errorf("decode output: %w", err))
	}
	return &out, nil
}
