package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/recovery"
	"drover/pkg/state"
)

func newSalvageCmd() *cobra.Command {
	var (
		patch  bool
		branch bool
		stdout bool
	)

	cmd := &cobra.Command{
		Use:   "salvage <worker>",
		Short: "Extract a worker's unmerged work before tearing it down",
		Long: "Capture the commits ahead of trunk and any uncommitted changes in a\n" +
			"worker's worktree. The default writes a patch file under the drover\n" +
			"home; --branch pins the work to a salvage branch; --stdout streams\n" +
			"the patch to standard output.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modes := 0
			mode := recovery.SalvagePatch
			if patch {
				modes++
			}
			if branch {
				modes++
				mode = recovery.SalvageBranch
			}
			if stdout {
				modes++
				mode = recovery.SalvageStdout
			}
			if modes > 1 {
				return fmt.Errorf("--patch, --branch, and --stdout are mutually exclusive")
			}

			pth, err := paths.Default()
			if err != nil {
				return err
			}
			cfg, err := config.Load(pth.Config())
			if err != nil {
				return err
			}
			st, err := state.NewStore(pth.State()).Load()
			if err != nil {
				return err
			}

			s := recovery.NewSalvager(cfg, pth, gitops.NewExec())
			res, err := s.Salvage(cmd.Context(), st, args[0], mode, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			if res.Commits == 0 && !res.Dirty {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has nothing to salvage\n", args[0])
				return nil
			}
			switch mode {
			case recovery.SalvagePatch:
				fmt.Fprintf(cmd.OutOrStdout(), "salvaged %d commit(s) to %s\n", res.Commits, res.Output)
			case recovery.SalvageBranch:
				fmt.Fprintf(cmd.OutOrStdout(), "salvaged %d commit(s) to branch %s\n", res.Commits, res.Output)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&patch, "patch", false, "write a patch file (default)")
	cmd.Flags().BoolVar(&branch, "branch", false, "create a salvage branch at the worker's HEAD")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "write the patch to standard output")

	return cmd
}
