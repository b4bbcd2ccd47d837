package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"drover/pkg/paths"
	"drover/pkg/procs"
	"drover/pkg/state"
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pth, err := paths.Default()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			reg, err := state.ReadRegistration(pth.Registration())
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "daemon is not running")
				return nil
			}
			if err != nil {
				return fmt.Errorf("read registration: %w", err)
			}

			if !procs.IsAlive(reg.PID) {
				// Crash leftovers. Clear them so the next `up` starts clean.
				_ = state.RemoveRegistration(pth.Registration())
				_ = state.RemoveHeartbeat(pth.Heartbeat())
				fmt.Fprintf(out, "daemon pid %d is already dead; cleaned up stale files\n", reg.PID)
				return nil
			}

			if err := procs.Terminate(reg.PID); err != nil {
				return fmt.Errorf("signal daemon pid %d: %w", reg.PID, err)
			}
			fmt.Fprintf(out, "sent SIGTERM to daemon pid %d; it will finish the current cycle and exit\n", reg.PID)
			return nil
		},
	}
	return cmd
}
