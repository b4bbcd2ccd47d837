package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/recovery"
	"drover/pkg/session"
)

func newRescueCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rescue",
		Short: "Salvage all work, then tear the fleet down to a clean slate",
		Long: "The nuclear option: capture a patch for every worker with unmerged\n" +
			"work, kill every worker session, remove every worktree and branch,\n" +
			"and reset state. The repair session is left alone. Stop the daemon\n" +
			"and overseer first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return fmt.Errorf("rescue destroys the whole fleet; pass --yes to confirm")
				}
				fmt.Fprint(cmd.OutOrStdout(), "this kills every worker and removes every worktree. Type 'rescue' to continue: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil || strings.TrimSpace(line) != "rescue" {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			pth, err := paths.Default()
			if err != nil {
				return err
			}
			cfg, err := config.Load(pth.Config())
			if err != nil {
				return err
			}

			r := recovery.NewRescuer(cfg, pth, gitops.NewExec(), &session.ExecCmdRunner{}, nil)
			rep, err := r.Rescue(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range rep.Salvaged {
				fmt.Fprintf(out, "salvaged %s: %s\n", s.Worker, s.Output)
			}
			for _, name := range rep.Removed {
				fmt.Fprintf(out, "removed %s\n", name)
			}
			for _, e := range rep.Errors {
				fmt.Fprintf(out, "warning: %s\n", e)
			}
			fmt.Fprintln(out, "fleet reset; run `drover up` to reprovision")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the interactive confirmation")

	return cmd
}
