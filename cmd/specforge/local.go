package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/specforge/internal/config"
	"github.com/msageha/specforge/internal/daemon"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/plan"
	"github.com/msageha/specforge/internal/requirement"
	"github.com/msageha/specforge/internal/setup"
	"github.com/msageha/specforge/internal/uds"
)

func newInitCmd(g *globals) *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .specforge/ workspace and spec directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := g.root
			if len(args) == 1 {
				dir = args[0]
			}
			paths, err := setup.Run(dir, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", paths.Workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ProjectName, "name", "", "project name (default: directory name)")
	cmd.Flags().BoolVar(&opts.Example, "example", false, "write an example specification")
	return cmd
}

func newDaemonCmd(g *globals, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the detection and execution daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(g.paths().Workspace); err != nil {
				return fmt.Errorf("%s not found; run 'specforge init' first", g.paths().Workspace)
			}
			cfg, err := config.Load(g.root)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			d, err := daemon.New(g.root, cfg, daemon.Options{Version: version})
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			go func() {
				<-cmd.Context().Done()
				d.Shutdown()
			}()
			return d.Run()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.client().Call(cmd.Context(), uds.CmdShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopping.")
			return nil
		},
	})
	return cmd
}

func newParseCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file|->",
		Short: "Parse a requirement document and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseFile(cmd, args[0])
			if err != nil {
				return err
			}
			return g.printer(cmd).Requirement(req)
		},
	}
}

func newPlanCmd(g *globals) *cobra.Command {
	var opts plan.Options
	cmd := &cobra.Command{
		Use:   "plan <file|->",
		Short: "Print the task graph a requirement document would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseFile(cmd, args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("security-review") {
				if cfg, err := config.Load(g.root); err == nil {
					opts.SecurityReview = cfg.Orchestrator.SecurityReview
				}
			}
			pl, err := plan.Build(req, opts)
			if err != nil {
				return fmt.Errorf("build plan: %w", err)
			}
			return g.printer(cmd).Plan(pl)
		},
	}
	cmd.Flags().BoolVar(&opts.SecurityReview, "security-review", false, "add a security review task (default from config)")
	return cmd
}

func parseFile(cmd *cobra.Command, name string) (*model.ParsedRequirement, error) {
	_, text, err := readInput(cmd, name)
	if err != nil {
		return nil, err
	}
	id, err := model.GenerateID(model.IDTypeRequirement)
	if err != nil {
		return nil, err
	}
	return requirement.Parse(text, id)
}

// readInput reads a document from a file, or from stdin when name is "-".
// The returned source is an absolute path, or "stdin".
func readInput(cmd *cobra.Command, name string) (string, string, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", "", fmt.Errorf("read stdin: %w", err)
		}
		return "stdin", string(data), nil
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", name, err)
	}
	return abs, string(data), nil
}
