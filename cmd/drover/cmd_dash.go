package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

// newDashCmd launches the drover-dash binary, looked up next to the drover
// binary first so an installed pair always matches versions.
func newDashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Open the terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bin := "drover-dash"
			if self, err := os.Executable(); err == nil {
				sibling := filepath.Join(filepath.Dir(self), "drover-dash")
				if _, err := os.Stat(sibling); err == nil {
					bin = sibling
				}
			}

			dash := exec.CommandContext(cmd.Context(), bin)
			dash.Stdin = os.Stdin
			dash.Stdout = os.Stdout
			dash.Stderr = os.Stderr
			if err := dash.Run(); err != nil {
				return fmt.Errorf("run drover-dash: %w", err)
			}
			return nil
		},
	}
	return cmd
}
