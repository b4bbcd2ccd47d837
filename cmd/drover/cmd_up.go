package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"drover/pkg/config"
	"drover/pkg/daemon"
	"drover/pkg/eventlog"
	"drover/pkg/gitops"
	"drover/pkg/logging"
	"drover/pkg/paths"
	"drover/pkg/state"
	"drover/pkg/tasksource"
)

// nullSource feeds no tasks. Used when `up` runs without --auto: workers
// are provisioned and supervised but nothing is assigned.
type nullSource struct{}

func (nullSource) Next(context.Context) (*tasksource.Task, error) { return nil, nil }

func newUpCmd() *cobra.Command {
	var (
		auto              bool
		taskPoolCommand   string
		concurrency       int
		postAcceptCommand string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the daemon and worker fleet",
		Long: "Start the orchestration daemon in the foreground. Without --auto the\n" +
			"fleet is provisioned but idle; with --auto the task pool command is\n" +
			"polled and work is assigned, detected, and accepted continuously.",
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
			if taskPoolCommand != "" {
				cfg.Daemon.TaskPoolCommand = taskPoolCommand
			}
			if concurrency > 0 {
				cfg.Daemon.Concurrency = concurrency
			}
			if postAcceptCommand != "" {
				cfg.Daemon.PostAcceptCommand = postAcceptCommand
			}
			if err := cfg.ValidateDaemon(auto); err != nil {
				return err
			}
			if err := pth.EnsureDirs(); err != nil {
				return err
			}

			lock := &state.Lock{Path: pth.StateLock()}
			if err := lock.Acquire(); err != nil {
				return fmt.Errorf("another daemon may be running: %w", err)
			}
			defer func() { _ = lock.Release() }()

			log, err := logging.New(pth.DaemonLog())
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			events, err := eventlog.Open(pth.EventsDB())
			if err != nil {
				return err
			}
			defer func() { _ = events.Close() }()

			var tasks daemon.TaskSource = nullSource{}
			if auto {
				srcLog, err := os.OpenFile(pth.TaskSourceLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return err
				}
				defer func() { _ = srcLog.Close() }()
				tasks = tasksource.NewSource(cfg.Daemon.TaskPoolCommand, cfg.Repo.Source, srcLog)
			}

			d, err := daemon.New(daemon.Options{
				Config:   cfg,
				Paths:    pth,
				Store:    state.NewStore(pth.State()),
				Git:      gitops.NewExec(),
				Sessions: tmuxRuntime{},
				Tasks:    tasks,
				Tracker:  tasksource.Dir{Path: pth.TasksDir()},
				Events:   events,
				Log:      log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "drover daemon starting (instance %s)\n", d.InstanceID())
			return d.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&auto, "auto", false, "poll the task pool and assign work continuously")
	cmd.Flags().StringVar(&taskPoolCommand, "task-pool-command", "", "override daemon.task_pool_command")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override daemon.concurrency")
	cmd.Flags().StringVar(&postAcceptCommand, "post-accept-command", "", "override daemon.post_accept_command")

	return cmd
}
