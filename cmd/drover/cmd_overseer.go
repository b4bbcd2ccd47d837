package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"drover/pkg/config"
	"drover/pkg/eventlog"
	"drover/pkg/logging"
	"drover/pkg/overseer"
	"drover/pkg/paths"
	"drover/pkg/session"
)

func newOverseerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overseer",
		Short: "Supervise the daemon, restarting and remediating failures",
		Long: "Run the self-supervision loop in the foreground: start the daemon,\n" +
			"watch its health, terminate and restart it when it degrades, and hand\n" +
			"unexplained failures to the repair session.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pth, err := paths.Default()
			if err != nil {
				return err
			}
			cfg, err := config.Load(pth.Config())
			if err != nil {
				return err
			}
			if err := cfg.ValidateOverseer(); err != nil {
				return err
			}
			if err := pth.EnsureDirs(); err != nil {
				return err
			}

			log, err := logging.NewTee(pth.OverseerLog())
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			events, err := eventlog.Open(pth.EventsDB())
			if err != nil {
				return err
			}
			defer func() { _ = events.Close() }()

			repair := session.New(cfg.Overseer.RepairSession)
			o := overseer.NewOverseer(overseer.OverseerOptions{
				Config:     cfg,
				Paths:      pth,
				Remediator: overseer.NewRemediator(cfg, pth, repair, log),
				Events:     events,
				Log:        log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintln(cmd.OutOrStdout(), "drover overseer starting")
			return o.Run(ctx)
		},
	}
	return cmd
}
