package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all subcommands.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

// buildRoot creates the root command and attaches the subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	devstackCommand := command{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createSetupCommand(devstackCommand, globalFlags),
		createStartAllCommand(devstackCommand, globalFlags),
		createStopAllCommand(devstackCommand, globalFlags),
		createStatusCommand(devstackCommand, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devstack",
		Short: "Local development stack orchestrator",
		Long: `Devstack bootstraps and tears down the local development stack:
the frps reverse tunnel container, the sandbox daemon, the docker
compose services and the API/UI application processes.

Examples:
  devstack setup                    # Create directories and default configs
  devstack start-all                # Bring the whole stack up
  devstack status                   # Probe every readiness endpoint once
  devstack stop-all                 # Tear everything down`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (optional)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")

	return root
}

// createSetupCommand creates the setup subcommand
func createSetupCommand(devstackCommand command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create working directories and default config files",
		Long: `Setup creates the devstack home, the log directory and the daemon
home, and writes the tunnel and daemon config files when they do not
exist yet. Existing files are never overwritten, so it is safe to
re-run after local edits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return devstackCommand.Setup(*flags)
		},
	}
}

// createStartAllCommand creates the start-all subcommand
func createStartAllCommand(devstackCommand command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start the tunnel, daemon, compose stack and app processes",
		Long: `Start-all drives the full start sequence in order: prerequisite
checks, tunnel container, daemon config patch, sandbox daemon, compose
stack, then the API and UI processes. On a fatal failure the already
started components are left running for inspection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return devstackCommand.StartAll(*flags)
		},
	}
}

// createStopAllCommand creates the stop-all subcommand
func createStopAllCommand(devstackCommand command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop the app processes, compose stack, daemon and tunnel",
		Long: `Stop-all tears the stack down in reverse order. Components that are
not running are skipped with a warning rather than treated as errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return devstackCommand.StopAll(*flags)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(devstackCommand command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every readiness endpoint once and report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return devstackCommand.Status(cmd.OutOrStdout(), *flags)
		},
	}
}
