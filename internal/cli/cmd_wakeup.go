package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/wakeup"
)

func newWakeupCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "wakeup",
		Short: "Scan registered projects and start runners for open work",
		Long: `Scan every registered project and start a runner where open tasks
are waiting and none is active. Stale runner rows are swept and expired
workstream leases reclaimed first. Meant to run from cron or a systemd
timer.

Examples:
  steroids wakeup
  steroids wakeup --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWakeup(cmd, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would start without starting anything")
	return cmd
}

func (a *app) runWakeup(cmd *cobra.Command, dryRun bool) error {
	global, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer global.Close()

	ctl := wakeup.New(global, config.Default(), wakeup.WithLogger(a.logger()))
	report, err := ctl.Run(cmd.Context(), dryRun)
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(report)
	}

	st := a.styles()
	if len(report.StoppedRunners) > 0 {
		fmt.Fprintf(a.stdout, "Swept %d stale runner rows\n", len(report.StoppedRunners))
	}
	if len(report.Recovered) > 0 {
		for _, r := range report.Recovered {
			state := fmt.Sprintf("relaunched (pid %d)", r.PID)
			if r.Failed {
				state = "failed: " + r.Notes
			}
			fmt.Fprintf(a.stdout, "Reclaimed %s: %s\n", r.WorkstreamID, state)
		}
	}
	if len(report.RemovedProjects) > 0 {
		fmt.Fprintf(a.stdout, "Deregistered %d vanished projects\n", len(report.RemovedProjects))
	}
	if len(report.Actions) == 0 {
		fmt.Fprintf(a.stdout, "Nothing to do across %d projects\n", report.ScannedProjects)
		return nil
	}
	for _, act := range report.Actions {
		switch act.Action {
		case wakeup.ActionStarted:
			fmt.Fprintln(a.stdout, st.Success.Render(fmt.Sprintf(
				"Started runner for %s (%d open tasks, pid %d)",
				act.ProjectPath, act.OpenTasks, act.PID)))
		case wakeup.ActionWouldStart:
			fmt.Fprintf(a.stdout, "Would start runner for %s (%d open tasks)\n",
				act.ProjectPath, act.OpenTasks)
		}
	}
	return nil
}
