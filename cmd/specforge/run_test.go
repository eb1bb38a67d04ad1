package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specforge/internal/config"
	"github.com/msageha/specforge/internal/daemon"
	"github.com/msageha/specforge/internal/model"
)

const loginSpec = `# Login

## User Stories
- As a member, I want to sign in so that I can see my orders.

## Acceptance Criteria
- Wrong passwords are rejected
`

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

// shortDir keeps socket paths under the unix limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sf-cli-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestRun_help(t *testing.T) {
	r := runCLI(t, "", "--help")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "submit")
}

func TestRun_version(t *testing.T) {
	r := runCLI(t, "", "--version")
	assert.Equal(t, 0, r.code)
	assert.Equal(t, Version+"\n", r.stdout)

	r = runCLI(t, "", "version")
	assert.Equal(t, 0, r.code)
	assert.Equal(t, "specforge "+Version+"\n", r.stdout)
}

func TestRun_unknownFlag(t *testing.T) {
	r := runCLI(t, "", "--unknown-flag")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "error:")
}

func TestRun_badOutputFormat(t *testing.T) {
	r := runCLI(t, "", "-o", "xml", "version")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "unknown output format")
}

func TestRun_initParsePlan(t *testing.T) {
	dir := t.TempDir()

	r := runCLI(t, "", "--root", dir, "init", "--example")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, filepath.Join(dir, ".specforge"))

	example := filepath.Join(dir, "specs", "example.md")
	r = runCLI(t, "", "--root", dir, "parse", example)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Password")

	r = runCLI(t, "", "--root", dir, "-o", "json", "plan", "--security-review", example)
	require.Equal(t, 0, r.code, r.stderr)
	var pl struct {
		Order []string `json:"order"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &pl))
	assert.NotEmpty(t, pl.Order)

	r = runCLI(t, "", "--root", dir, "init")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "already exists")
}

func TestRun_parseStdin(t *testing.T) {
	r := runCLI(t, loginSpec, "--root", t.TempDir(), "-o", "yaml", "parse", "-")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "title: Login")
}

func TestRun_parseRejectsIncompleteDocument(t *testing.T) {
	r := runCLI(t, "# Only a title\n", "--root", t.TempDir(), "parse", "-")
	assert.Equal(t, 1, r.code)
	assert.NotEmpty(t, r.stderr)
}

func TestRun_statusWithoutDaemon(t *testing.T) {
	dir := shortDir(t)
	r := runCLI(t, "", "--root", dir, "status")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "Daemon: stopped\n", r.stdout)

	r = runCLI(t, "", "--root", dir, "cancel", "wf_missing")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "specforge daemon")
}

func TestRun_submitWaitAgainstDaemon(t *testing.T) {
	dir := shortDir(t)
	r := runCLI(t, "", "--root", dir, "init")
	require.Equal(t, 0, r.code, r.stderr)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Daemon.HTTPAddr = ""
	cfg.Detector.Watch = false
	d, err := daemon.New(dir, cfg, daemon.Options{Version: "test", LogWriter: io.Discard})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	spec := filepath.Join(dir, "login.md")
	require.NoError(t, os.WriteFile(spec, []byte(loginSpec), 0644))

	r = runCLI(t, "", "--root", dir, "submit", "--wait", "--timeout", "20s", spec)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, string(model.WorkflowCompleted))

	r = runCLI(t, "", "--root", dir, "-o", "json", "status", "--source", spec)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, `"running": true`)
	assert.Contains(t, r.stdout, spec)

	r = runCLI(t, "", "--root", dir, "daemon", "stop")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Daemon stopping.")
}
