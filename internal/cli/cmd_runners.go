package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/merge"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/runner"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/workstream"
)

func newRunnersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runners",
		Short: "Start, inspect, and stop runners",
	}
	cmd.AddCommand(
		newRunnersStartCmd(a),
		newRunnersStatusCmd(a),
		newRunnersStopCmd(a),
	)
	return cmd
}

func newRunnersStartCmd(a *app) *cobra.Command {
	var (
		project      string
		branch       string
		detach       bool
		parallel     bool
		sectionIDs   []string
		maxClones    int
		sessionID    string
		workstreamID string
		runnerID     string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a runner",
		Long: `Start a runner for a project.

By default the runner drains the backlog in the foreground. --detach
forks it into the background. --parallel partitions the backlog into
workstreams, clones the repository for each, and starts one detached
runner per clone.

--workstream-id puts the process in workstream mode; the launcher and
the recovery sweep use it to spawn children, it is not meant to be
typed by hand.

Examples:
  steroids runners start
  steroids runners start --detach
  steroids runners start --parallel
  steroids runners start --parallel --section-ids SEC-001,SEC-003`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case workstreamID != "":
				return a.runWorkstreamChild(cmd, project, workstreamID, runnerID)
			case parallel:
				return a.runParallelLaunch(cmd, project, sectionIDs, maxClones)
			case detach:
				return a.runDetachedStart(project)
			default:
				return a.runForegroundStart(cmd, project, branch)
			}
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&branch, "branch", "", "check out this branch before running")
	cmd.Flags().BoolVar(&detach, "detach", false, "run in the background")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "partition the backlog into parallel workstreams")
	cmd.Flags().StringSliceVar(&sectionIDs, "section-ids", nil, "sections to run as workstreams (implies --parallel planning bypass)")
	cmd.Flags().IntVar(&maxClones, "max-clones", 0, "override the configured clone budget")
	cmd.Flags().StringVar(&sessionID, "parallel-session-id", "", "parallel session id (workstream mode)")
	cmd.Flags().StringVar(&workstreamID, "workstream-id", "", "workstream id (workstream mode)")
	cmd.Flags().StringVar(&runnerID, "runner-id", "", "runner id assigned by the launcher (workstream mode)")
	return cmd
}

// runForegroundStart is the default mode: a single runner draining the
// backlog in this process.
func (a *app) runForegroundStart(cmd *cobra.Command, project, branch string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	global, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer global.Close()

	logger, closer, err := a.runnerLogger(pc.cfg, "")
	if err != nil {
		return err
	}
	defer closer.Close()

	r := runner.New(global, pc.store, pc.cfg, a.newRegistry(pc, logger),
		runner.WithLogger(logger))
	return r.Run(cmd.Context(), runner.Options{
		ProjectPath: pc.dir,
		Branch:      branch,
	})
}

// runDetachedStart forks a plain project runner and returns immediately.
func (a *app) runDetachedStart(project string) error {
	dir, err := resolveProject(project)
	if err != nil {
		return err
	}
	if err := requireInit(dir); err != nil {
		return err
	}

	pid, err := workstream.SpawnDetached(workstream.SpawnRequest{ProjectPath: dir})
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{"project": dir, "pid": pid})
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(
		fmt.Sprintf("Runner started in the background (pid %d)", pid)))
	return nil
}

// runParallelLaunch plans workstreams and starts one detached child per
// clone.
func (a *app) runParallelLaunch(cmd *cobra.Command, project string, sectionIDs []string, maxClones int) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	global, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer global.Close()

	logger := a.logger()
	la := workstream.NewLauncher(global, pc.cfg, workstream.WithLauncherLogger(logger))
	result, err := la.Launch(cmd.Context(), pc.store, pc.dir, workstream.LaunchOptions{
		SectionIDs: sectionIDs,
		MaxClones:  maxClones,
	})
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(result)
	}
	st := a.styles()
	fmt.Fprintln(a.stdout, st.Success.Render(
		fmt.Sprintf("Session %s: %d workstreams", result.SessionID, len(result.Workstreams))))
	rows := make([][]string, 0, len(result.Workstreams))
	for _, w := range result.Workstreams {
		rows = append(rows, []string{
			w.ID,
			fmt.Sprintf("%d", w.PID),
			strings.Join(w.SectionIDs, ","),
			w.Branch,
		})
	}
	a.table([]string{"WORKSTREAM", "PID", "SECTIONS", "BRANCH"}, rows)
	return nil
}

// runWorkstreamChild is the body of a spawned workstream process.
func (a *app) runWorkstreamChild(cmd *cobra.Command, project, workstreamID, runnerID string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	global, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer global.Close()

	logger, closer, err := a.runnerLogger(pc.cfg, workstreamID)
	if err != nil {
		return err
	}
	defer closer.Close()

	providers := a.newRegistry(pc, logger)
	engine := merge.New(global, pc.cfg, providers,
		merge.WithLogger(logger),
		merge.WithRunnerID(runnerID))

	r := workstream.NewRunner(global, pc.store, pc.cfg, providers,
		workstream.WithRunnerLogger(logger),
		workstream.WithMerger(engine))
	return r.Run(cmd.Context(), workstream.RunOptions{
		ProjectPath:  pc.dir,
		WorkstreamID: workstreamID,
		RunnerID:     runnerID,
	})
}

func newRunnersStatusCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runners, sessions, and workstream leases",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.runRunnersStatus(project)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only this project")
	return cmd
}

func (a *app) runRunnersStatus(project string) error {
	global, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer global.Close()

	projectFilter := ""
	if project != "" {
		projectFilter, err = resolveProject(project)
		if err != nil {
			return err
		}
	}

	runners, err := global.ListRunners()
	if err != nil {
		return err
	}
	sessions, err := global.ListSessions(projectFilter)
	if err != nil {
		return err
	}
	escalations, err := global.ListOpenEscalations("")
	if err != nil {
		return err
	}
	if projectFilter != "" {
		kept := escalations[:0]
		for _, esc := range escalations {
			if esc.ProjectPath == projectFilter {
				kept = append(kept, esc)
			}
		}
		escalations = kept
	}

	type sessionView struct {
		Session     db.Session      `json:"session"`
		Workstreams []db.Workstream `json:"workstreams"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		ws, err := global.ListWorkstreams(s.ID)
		if err != nil {
			return err
		}
		views = append(views, sessionView{Session: s, Workstreams: ws})
	}

	filtered := runners[:0]
	for _, r := range runners {
		if projectFilter == "" || r.ProjectPath == projectFilter {
			filtered = append(filtered, r)
		}
	}
	runners = filtered

	if a.jsonOut {
		return a.printJSON(map[string]any{
			"runners":     runners,
			"sessions":    views,
			"escalations": escalations,
		})
	}

	st := a.styles()
	fmt.Fprintln(a.stdout, st.Header.Render("Runners"))
	if len(runners) == 0 {
		fmt.Fprintln(a.stdout, "  none")
	} else {
		rows := make([][]string, 0, len(runners))
		for _, r := range runners {
			rows = append(rows, []string{
				r.ID,
				fmt.Sprintf("%d", r.PID),
				r.Status,
				orDash(r.CurrentTaskID),
				agoString(r.HeartbeatAt),
				r.ProjectPath,
			})
		}
		a.table([]string{"ID", "PID", "STATUS", "TASK", "HEARTBEAT", "PROJECT"}, rows)
	}

	fmt.Fprintf(a.stdout, "\n%s\n", st.Header.Render("Sessions"))
	if len(views) == 0 {
		fmt.Fprintln(a.stdout, "  none")
	}
	for _, v := range views {
		fmt.Fprintf(a.stdout, "%s  %s  %s\n", v.Session.ID, v.Session.Status, v.Session.ProjectPath)
		for _, w := range v.Workstreams {
			fmt.Fprintf(a.stdout, "  %s  %-16s  lease %s  sections %s\n",
				w.ID, w.Status, leaseString(w), strings.Join(w.SectionIDs, ","))
		}
	}

	if len(escalations) > 0 {
		fmt.Fprintf(a.stdout, "\n%s\n", st.Header.Render("Open escalations"))
		for _, esc := range escalations {
			fmt.Fprintf(a.stdout, "%s  session %s  %s\n", esc.ID, esc.SessionID, esc.ErrorMessage)
			if esc.WorkspacePath != "" {
				fmt.Fprintf(a.stdout, "  workspace kept at %s\n", esc.WorkspacePath)
			}
		}
	}
	return nil
}

func newRunnersStopCmd(a *app) *cobra.Command {
	var (
		project string
		kill    bool
	)
	cmd := &cobra.Command{
		Use:   "stop [runner-id]",
		Short: "Request a runner to stop",
		Long: `Request a runner to stop.

Stopping is cooperative: the runner row is marked stopped and the loop
exits after the current task. --kill additionally signals the runner's
process group for runners that stopped heartbeating but kept running.

Examples:
  steroids runners stop runner-1a2b3c4d
  steroids runners stop --project .
  steroids runners stop runner-1a2b3c4d --kill`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return a.runRunnersStop(id, project, kill)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "stop every active runner of this project")
	cmd.Flags().BoolVar(&kill, "kill", false, "also signal the runner's process group")
	return cmd
}

func (a *app) runRunnersStop(id, project string, kill bool) error {
	if id == "" && project == "" {
		return steroidserrors.New(steroidserrors.CodeInvalidArgs,
			"nothing to stop").
			WithFix("Pass a runner id or --project")
	}

	global, err := a.openGlobal()
	if err != nil {
		return err
	}
	defer global.Close()

	var targets []db.Runner
	if id != "" {
		r, err := global.GetRunner(id)
		if err != nil {
			return err
		}
		if r == nil {
			return steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
				"no runner %s", id)
		}
		targets = append(targets, *r)
	} else {
		dir, err := resolveProject(project)
		if err != nil {
			return err
		}
		all, err := global.ListRunners()
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.ProjectPath == dir && r.Status != db.RunnerStopped {
				targets = append(targets, r)
			}
		}
	}

	stopped := make([]map[string]any, 0, len(targets))
	for _, r := range targets {
		if err := global.StopRunner(r.ID); err != nil {
			return err
		}
		killed := false
		if kill && r.PID > 0 {
			killed = workstream.KillProcessGroup(r.PID) == nil
		}
		stopped = append(stopped, map[string]any{"id": r.ID, "pid": r.PID, "killed": killed})
		if !a.jsonOut {
			msg := fmt.Sprintf("Stop requested for %s (pid %d)", r.ID, r.PID)
			if killed {
				msg = fmt.Sprintf("Killed %s (pid %d)", r.ID, r.PID)
			}
			fmt.Fprintln(a.stdout, msg)
		}
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{"stopped": stopped})
	}
	if len(targets) == 0 {
		fmt.Fprintln(a.stdout, "No active runners matched")
	}
	return nil
}

func agoString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%s ago", d)
}

func leaseString(w db.Workstream) string {
	if w.LeaseExpiresAt == nil {
		return "unclaimed"
	}
	d := time.Until(*w.LeaseExpiresAt).Round(time.Second)
	if d < 0 {
		return fmt.Sprintf("expired %s ago", -d)
	}
	return fmt.Sprintf("expires in %s", d)
}
