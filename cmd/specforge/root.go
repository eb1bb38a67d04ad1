package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/msageha/specforge/internal/config"
	"github.com/msageha/specforge/internal/status"
	"github.com/msageha/specforge/internal/uds"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	v      *viper.Viper
	root   string
	format status.Format
}

func newRootCmd(version string) *cobra.Command {
	g := &globals{v: viper.New()}
	g.v.SetEnvPrefix(config.EnvPrefix)
	g.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	g.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "specforge",
		Short:         "Turn requirement documents into executed development workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, err := status.ParseFormat(g.v.GetString("output"))
			if err != nil {
				return err
			}
			g.format = format
			root, err := resolveRoot(g.v.GetString("root"))
			if err != nil {
				return err
			}
			g.root = root
			return nil
		},
	}

	cmd.PersistentFlags().String("root", "", "project root (default: nearest directory with .specforge/, env: SPECFORGE_ROOT)")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, or yaml")
	_ = g.v.BindPFlag("root", cmd.PersistentFlags().Lookup("root"))
	_ = g.v.BindPFlag("output", cmd.PersistentFlags().Lookup("output"))

	cmd.AddCommand(newInitCmd(g))
	cmd.AddCommand(newDaemonCmd(g, version))
	cmd.AddCommand(newParseCmd(g))
	cmd.AddCommand(newPlanCmd(g))
	cmd.AddCommand(newScanCmd(g))
	cmd.AddCommand(newSubmitCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newCancelCmd(g))
	cmd.AddCommand(newVersionCmd(version))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

func (g *globals) paths() config.Paths { return config.NewPaths(g.root) }

func (g *globals) printer(cmd *cobra.Command) *status.Printer {
	return status.NewPrinter(cmd.OutOrStdout(), g.format)
}

func (g *globals) client() *uds.Client {
	c := uds.NewClient(g.paths().Socket())
	c.SetTimeout(30 * time.Second)
	return c
}

// resolveRoot returns the explicit root when given, otherwise the nearest
// ancestor of the working directory holding a .specforge/ workspace, falling
// back to the working directory itself.
func resolveRoot(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for dir := wd; ; {
		if info, err := os.Stat(config.NewPaths(dir).Workspace); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the specforge version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "specforge %s\n", version)
			return nil
		},
	}
}
