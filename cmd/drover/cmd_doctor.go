package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/recovery"
)

func newDoctorCmd() *cobra.Command {
	var (
		fix     bool
		rebuild bool
		dryRun  bool
		format  string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the drover home for problems, optionally fixing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "yaml" {
				return fmt.Errorf("unknown format %q: want text or yaml", format)
			}
			pth, err := paths.Default()
			if err != nil {
				return err
			}
			cfg, err := config.Load(pth.Config())
			if err != nil {
				return err
			}

			doc := recovery.NewDoctor(cfg, pth, gitops.NewExec(), nil, nil)
			report, err := doc.Run(cmd.Context(), recovery.DoctorOptions{
				Fix:     fix,
				Rebuild: rebuild,
				DryRun:  dryRun,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "yaml" {
				data, err := yaml.Marshal(report)
				if err != nil {
					return err
				}
				fmt.Fprint(out, string(data))
			} else {
				for _, r := range report.Results {
					mark := "ok"
					switch {
					case r.Fixed:
						mark = "fixed"
					case !r.OK:
						mark = "FAIL"
					}
					fmt.Fprintf(out, "%-6s %-20s %s\n", mark, r.Name, r.Detail)
				}
			}
			if !report.Healthy {
				return fmt.Errorf("problems found; rerun with --fix to repair")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "repair repairable findings")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "reconstruct state.json from the worktrees on disk")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report only, touch nothing")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or yaml")

	return cmd
}
