package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

// defaultCleanupAge keeps a month of history.
const defaultCleanupAge = 30 * 24 * time.Hour

func newCleanupCmd(a *app) *cobra.Command {
	var (
		project    string
		olderThan  time.Duration
		dryRun     bool
		pruneTasks bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished sessions, stale runner rows, and old invocation logs",
		Long: `Delete finished sessions, stale runner rows, and old invocation
records. Only terminal state older than the cutoff is touched: running
sessions, active runners, and blocked sessions awaiting a human are
never deleted.

With --prune-tasks, completed/skipped/failed tasks older than the cutoff
are deleted too, along with their audit trails, and the database file is
compacted afterwards.

Examples:
  steroids cleanup
  steroids cleanup --older-than 168h
  steroids cleanup --prune-tasks
  steroids cleanup --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.runCleanup(project, olderThan, dryRun, pruneTasks)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultCleanupAge, "age before terminal state is deleted")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().BoolVar(&pruneTasks, "prune-tasks", false, "also delete terminal tasks and their history")
	return cmd
}

func (a *app) runCleanup(project string, olderThan time.Duration, dryRun, pruneTasks bool) error {
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

	cutoff := time.Now().Add(-olderThan)
	summary := map[string]any{
		"dry_run":          dryRun,
		"cutoff":           cutoff,
		"sessions_deleted": 0,
		"runners_deleted":  0,
		"invocation_rows":  int64(0),
		"log_files":        0,
	}

	// Terminal sessions past the cutoff, with their escalations and
	// workstream rows (the latter cascade on delete).
	sessions, err := global.ListSessions(pc.dir)
	if err != nil {
		return err
	}
	deletedSessions := 0
	for _, s := range sessions {
		if !db.SessionTerminal(s.Status) || s.CreatedAt.After(cutoff) {
			continue
		}
		deletedSessions++
		if dryRun {
			continue
		}
		if _, err := global.ResolveEscalationsForSession(s.ID); err != nil {
			return err
		}
		if err := global.DeleteSession(s.ID); err != nil {
			return err
		}
	}
	summary["sessions_deleted"] = deletedSessions

	// Stopped runner rows past the cutoff.
	runners, err := global.ListRunners()
	if err != nil {
		return err
	}
	deletedRunners := 0
	for _, r := range runners {
		if r.Status != db.RunnerStopped || r.ProjectPath != pc.dir || r.HeartbeatAt.After(cutoff) {
			continue
		}
		deletedRunners++
		if dryRun {
			continue
		}
		if err := global.DeleteRunner(r.ID); err != nil {
			return err
		}
	}
	summary["runners_deleted"] = deletedRunners

	// Invocation rows and their activity logs.
	if !dryRun {
		pruned, err := pc.store.PruneInvocations(cutoff)
		if err != nil {
			return err
		}
		summary["invocation_rows"] = pruned
	}
	logFiles, err := a.cleanupInvocationLogs(pc.dir, cutoff, dryRun)
	if err != nil {
		return err
	}
	summary["log_files"] = logFiles

	// Terminal tasks, opt-in. Vacuum reclaims the space afterwards.
	var prunedTasks int64
	if pruneTasks {
		if dryRun {
			prunedTasks, err = countPrunableTasks(pc.store, cutoff)
			if err != nil {
				return err
			}
		} else {
			prunedTasks, err = pc.store.PruneTasks(cutoff)
			if err != nil {
				return err
			}
			if err := pc.store.Vacuum(); err != nil {
				return err
			}
		}
		summary["tasks_deleted"] = prunedTasks
	}

	if a.jsonOut {
		return a.printJSON(summary)
	}
	verb := "Deleted"
	if dryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(a.stdout, "%s %d sessions, %d runner rows, %v invocation rows, %d log files\n",
		verb, deletedSessions, deletedRunners, summary["invocation_rows"], logFiles)
	if pruneTasks {
		fmt.Fprintf(a.stdout, "%s %d terminal tasks\n", verb, prunedTasks)
	}
	return nil
}

// countPrunableTasks mirrors PruneTasks' selection for dry runs.
func countPrunableTasks(store *db.ProjectDB, cutoff time.Time) (int64, error) {
	tasks, err := store.ListTasks(db.TaskFilter{})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted, task.StatusSkipped, task.StatusFailed:
			if t.UpdatedAt.Before(cutoff) {
				n++
			}
		}
	}
	return n, nil
}

// cleanupInvocationLogs removes activity log files older than the cutoff
// from .steroids/invocations.
func (a *app) cleanupInvocationLogs(projectDir string, cutoff time.Time, dryRun bool) (int, error) {
	dir := filepath.Join(projectDir, config.SteroidsDir, config.InvocationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		removed++
		if dryRun {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
