package main

import (
	"github.com/spf13/cobra"
)

const versionString = "0.3.0"

// newRootCmd creates the root drover command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drover",
		Short:         "Autonomous worker fleet over git worktrees",
		Long:          "drover runs a fleet of agent workers in isolated git worktrees,\nfeeds them tasks, lands their work on trunk, and supervises itself.",
		Version:       "drover " + versionString,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newUpCmd(),
		newOverseerCmd(),
		newStatusCmd(),
		newStopCmd(),
		newDoctorCmd(),
		newSalvageCmd(),
		newRescueCmd(),
		newDashCmd(),
	)

	return cmd
}
