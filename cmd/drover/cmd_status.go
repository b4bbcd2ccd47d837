package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"drover/pkg/eventlog"
	"drover/pkg/paths"
	"drover/pkg/procs"
	"drover/pkg/state"
)

var statusStyles = map[state.Status]lipgloss.Style{
	state.Idle:        lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	state.Working:     lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	state.NeedsReview: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	state.NoChanges:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	state.Offline:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	state.Errored:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
}

func renderStatus(s state.Status, color bool) string {
	if !color {
		return string(s)
	}
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

func newStatusCmd() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health, worker states, and recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pth, err := paths.Default()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color := isatty.IsTerminal(os.Stdout.Fd())

			reg, regErr := state.ReadRegistration(pth.Registration())
			switch {
			case regErr != nil:
				fmt.Fprintln(out, "daemon: not running")
			case !procs.IsAlive(reg.PID):
				fmt.Fprintf(out, "daemon: dead (stale registration for pid %d, run `drover doctor --fix`)\n", reg.PID)
			default:
				fmt.Fprintf(out, "daemon: running (pid %d, instance %s)\n", reg.PID, reg.InstanceID)
				if hb, err := state.ReadHeartbeat(pth.Heartbeat()); err == nil {
					fmt.Fprintf(out, "heartbeat: %s ago\n", hb.Age(time.Now()).Round(time.Second))
				}
			}
			if markers := pth.ManualInterventionMarkers(); len(markers) > 0 {
				fmt.Fprintf(out, "ATTENTION: %d manual intervention marker(s) present\n", len(markers))
			}

			st, err := state.NewStore(pth.State()).Load()
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			fmt.Fprintf(out, "\nworkers (%d working):\n", st.WorkingCount())
			for _, name := range st.WorkerNames() {
				w := st.Workers[name]
				task := "-"
				if w.CurrentTask != nil {
					task = w.CurrentTask.ID
				}
				note := ""
				if w.ExcludedFromPool {
					note = " [excluded]"
				}
				if w.ErrorReason != "" {
					note += " " + w.ErrorReason
				}
				fmt.Fprintf(out, "  %-10s %-14s task=%s%s\n", name, renderStatus(w.Status, color), task, note)
			}

			if events > 0 {
				log, err := eventlog.Open(pth.EventsDB())
				if err == nil {
					defer func() { _ = log.Close() }()
					recent, err := log.Recent(cmd.Context(), events)
					if err == nil && len(recent) > 0 {
						fmt.Fprintln(out, "\nrecent events:")
						for _, e := range recent {
							fmt.Fprintf(out, "  %s %-12s %-6s %s\n",
								e.TS.Local().Format("15:04:05"), e.Kind, e.Worker, e.Detail)
						}
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&events, "events", 5, "number of recent events to show (0 disables)")

	return cmd
}
