package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/status"
	"github.com/msageha/specforge/internal/uds"
)

const waitPollInterval = 500 * time.Millisecond

func newScanCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Force an immediate scan of the spec directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var evs []model.ChangeEvent
			if err := g.client().Call(cmd.Context(), uds.CmdScan, nil, &evs); err != nil {
				return err
			}
			return g.printer(cmd).Changes(evs)
		},
	}
}

func newSubmitCmd(g *globals) *cobra.Command {
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit <file|->",
		Short: "Submit a requirement document to the daemon as a new workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, text, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			c := g.client()
			var wf model.Workflow
			if err := c.Call(cmd.Context(), uds.CmdSubmit, uds.SubmitParams{SourcePath: source, Text: text}, &wf); err != nil {
				return err
			}
			p := g.printer(cmd)
			if !wait {
				return p.Workflow(&wf)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			rep, err := waitForWorkflow(ctx, c, wf.ID)
			if err != nil {
				return err
			}
			if err := p.Report(rep); err != nil {
				return err
			}
			if rep.Workflow.Status != model.WorkflowCompleted {
				return fmt.Errorf("workflow %s %s", wf.ID, rep.Workflow.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the workflow to finish and print its report")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

// waitForWorkflow polls the daemon until the workflow is terminal.
func waitForWorkflow(ctx context.Context, c status.Caller, id string) (*orchestrator.Report, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		var rep orchestrator.Report
		if err := c.Call(ctx, uds.CmdStatus, uds.StatusParams{WorkflowID: id}, &rep); err != nil {
			return nil, err
		}
		if rep.Workflow.Status.IsTerminal() {
			return &rep, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for workflow %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	var opts status.Options
	cmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show the daemon and its workflows, or one workflow in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.WorkflowID = args[0]
			}
			if opts.Source != "" && opts.Source != "stdin" {
				abs, err := filepath.Abs(opts.Source)
				if err != nil {
					return err
				}
				opts.Source = abs
			}
			return status.Run(cmd.Context(), g.client(), g.printer(cmd), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only workflows in these statuses")
	cmd.Flags().StringVar(&opts.Source, "source", "", "only workflows from this spec file")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of workflows to list")
	return cmd
}

func newCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var wf model.Workflow
			if err := g.client().Call(cmd.Context(), uds.CmdCancel, uds.CancelParams{WorkflowID: args[0]}, &wf); err != nil {
				return err
			}
			return g.printer(cmd).Workflow(&wf)
		},
	}
}
