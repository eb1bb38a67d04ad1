// Package status queries a running daemon and renders workflows, plans,
// and parsed requirements for the CLI.
package status

import (
	"context"
	"errors"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/uds"
)

// Caller sends one daemon command; *uds.Client implements it.
type Caller interface {
	Call(ctx context.Context, command string, params, out any) error
}

type DaemonStatus struct {
	Running   bool             `json:"running"`
	PID       int              `json:"pid,omitempty"`
	Version   string           `json:"version,omitempty"`
	StartedAt string           `json:"started_at,omitempty"`
	Error     string           `json:"error,omitempty"`
	Queues    []uds.QueueDepth `json:"queues,omitempty"`
}

// Overview is what `specforge status` prints without a workflow id.
type Overview struct {
	Daemon    DaemonStatus     `json:"daemon"`
	Workflows []model.Workflow `json:"workflows,omitempty"`
}

type Options struct {
	WorkflowID string
	Statuses   []string
	Source     string
	Limit      int
}

// Run prints one workflow report when opts.WorkflowID is set, and otherwise
// the daemon state with its most recent workflows. A stopped daemon is
// reported, not returned as an error, unless a workflow was requested.
func Run(ctx context.Context, c Caller, p *Printer, opts Options) error {
	if opts.WorkflowID != "" {
		var rep orchestrator.Report
		if err := c.Call(ctx, uds.CmdStatus, uds.StatusParams{WorkflowID: opts.WorkflowID}, &rep); err != nil {
			return err
		}
		return p.Report(&rep)
	}

	ov := Overview{Daemon: checkDaemon(ctx, c)}
	if ov.Daemon.Running {
		params := uds.ListParams{Statuses: opts.Statuses, Source: opts.Source, Limit: opts.Limit}
		if err := c.Call(ctx, uds.CmdList, params, &ov.Workflows); err != nil {
			return err
		}
	}
	return p.Overview(&ov)
}

func checkDaemon(ctx context.Context, c Caller) DaemonStatus {
	var ping uds.PingResult
	if err := c.Call(ctx, uds.CmdPing, nil, &ping); err != nil {
		ds := DaemonStatus{Error: err.Error()}
		var remote *uds.RemoteError
		if errors.As(err, &remote) {
			// It answered, so it is running.
			ds.Running = true
		}
		return ds
	}
	return DaemonStatus{
		Running:   true,
		PID:       ping.PID,
		Version:   ping.Version,
		StartedAt: ping.StartedAt,
		Queues:    ping.Queues,
	}
}
