// Package main implements the hnm daemon and its operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/hnm/internal/config"
)

// Build information. Populated at build-time via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "hnm",
		Short: "Hierarchical neural memory daemon",
		Long: `hnm runs a hierarchy of continuously self-training memory modules over a
stream of sensory and external signals, and publishes the state of its
resonant level every tick.

Configuration is read from --config (default ~/.config/hnm/config.yaml) and
overridden by HNM_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")

	load := func() (*config.Config, error) {
		return config.LoadWithFile(configPath)
	}
	path := func() string { return configPath }

	root.AddCommand(
		newRunCmd(load, path),
		newValidateCmd(load),
		newConfigCmd(load),
		newReplayCmd(load),
		newVersionCmd(),
	)
	return root
}

// loadFunc loads the effective configuration.
type loadFunc func() (*config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hnm version information:\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Git Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "  Build Date: %s\n", buildDate)
		},
	}
}
