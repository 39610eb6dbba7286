package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task backlog",
	}
	cmd.AddCommand(
		newTasksNewCmd(a),
		newTasksListCmd(a),
		newTasksShowCmd(a),
		newTasksUpdateCmd(a),
		newTasksDeleteCmd(a),
		newTasksApproveCmd(a),
		newTasksRejectCmd(a),
		newTasksSkipCmd(a),
		newTasksDisputeCmd(a),
		newTasksResolveCmd(a),
		newTasksLogsCmd(a),
	)
	return cmd
}

// specFrontMatter is the optional YAML block at the top of a task spec
// file; fields override the command-line values.
type specFrontMatter struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Section     string `yaml:"section"`
}

func newTasksNewCmd(a *app) *cobra.Command {
	var (
		project     string
		section     string
		specPath    string
		description string
	)
	cmd := &cobra.Command{
		Use:   "new [title]",
		Short: "Create a task",
		Long: `Create a task in the backlog.

The title comes from the argument or from the YAML front matter of a
--spec file. Spec front matter may also set description and section.

Examples:
  steroids tasks new "Fix login timeout"
  steroids tasks new "Add rate limiter" --section SEC-002
  steroids tasks new --spec specs/rate-limiter.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			return a.runTasksNew(project, title, section, specPath, description)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&section, "section", "", "section id or name")
	cmd.Flags().StringVar(&specPath, "spec", "", "task spec file, optionally with YAML front matter")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	return cmd
}

func (a *app) runTasksNew(project, title, section, specPath, description string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	if specPath != "" {
		fm, err := readSpecFrontMatter(specPath)
		if err != nil {
			return err
		}
		if fm.Title != "" {
			title = fm.Title
		}
		if fm.Description != "" && description == "" {
			description = fm.Description
		}
		if fm.Section != "" && section == "" {
			section = fm.Section
		}
	}
	if title == "" {
		return steroidserrors.New(steroidserrors.CodeInvalidArgs,
			"a task needs a title").
			WithFix("Pass one as an argument or in the spec file's front matter")
	}

	sectionID := ""
	if section != "" {
		sec, err := pc.store.ResolveSection(section)
		if err != nil {
			return err
		}
		sectionID = sec.ID
	}

	seq := task.NewSequenceStore(filepath.Join(pc.dir, config.SteroidsDir, "sequences.yaml"))
	id, err := seq.NextTaskID()
	if err != nil {
		return fmt.Errorf("allocate task id: %w", err)
	}

	t := &db.Task{
		ID:          id,
		Title:       title,
		Description: description,
		SectionID:   sectionID,
		SpecPath:    specPath,
	}
	if err := pc.store.CreateTask(t); err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(taskJSON(t))
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(fmt.Sprintf("Created %s: %s", t.ID, t.Title)))
	return nil
}

// readSpecFrontMatter parses the optional leading "---" YAML block of a
// spec file.
func readSpecFrontMatter(path string) (*specFrontMatter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, steroidserrors.Wrap(err, steroidserrors.CodeInvalidArgs,
			fmt.Sprintf("cannot read spec file %s", path))
	}
	fm := &specFrontMatter{}
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return fm, nil
	}
	rest := data[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return fm, nil
	}
	if err := yaml.Unmarshal(rest[:end], fm); err != nil {
		return nil, steroidserrors.Wrap(err, steroidserrors.CodeInvalidArgs,
			fmt.Sprintf("invalid front matter in %s", path))
	}
	return fm, nil
}

func newTasksListCmd(a *app) *cobra.Command {
	var (
		project string
		status  string
		section string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.runTasksList(project, status, section)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&section, "section", "", "filter by section id or name")
	return cmd
}

func (a *app) runTasksList(project, status, section string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	filter := db.TaskFilter{}
	if status != "" {
		if !task.IsValidStatus(task.Status(status)) {
			return steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
				"unknown status %q", status)
		}
		filter.Status = task.Status(status)
	}
	if section != "" {
		sec, err := pc.store.ResolveSection(section)
		if err != nil {
			return err
		}
		filter.SectionID = sec.ID
	}

	tasks, err := pc.store.ListTasks(filter)
	if err != nil {
		return err
	}

	if a.jsonOut {
		out := make([]map[string]any, 0, len(tasks))
		for i := range tasks {
			out = append(out, taskJSON(&tasks[i]))
		}
		return a.printJSON(out)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(a.stdout, `No tasks found. Create one with: steroids tasks new "Your task"`)
		return nil
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		sectionCell := t.SectionID
		if sectionCell == "" {
			sectionCell = "-"
		}
		rows = append(rows, []string{
			t.ID,
			fmt.Sprintf("%s %s", statusIcon(t.Status), t.Status),
			sectionCell,
			fmt.Sprintf("%d", t.RejectionCount),
			t.Title,
		})
	}
	a.table([]string{"ID", "STATUS", "SECTION", "REJ", "TITLE"}, rows)
	return nil
}

func newTasksShowCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runTasksShow(project, args[0])
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runTasksShow(project, id string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	t, err := pc.store.GetTask(id)
	if err != nil {
		return err
	}
	if t == nil {
		return steroidserrors.ErrTaskNotFound(id)
	}
	trail, err := pc.store.AuditTrail(id)
	if err != nil {
		return err
	}
	disputes, err := pc.store.ListDisputes(id)
	if err != nil {
		return err
	}
	invocations, err := pc.store.ListInvocations(id)
	if err != nil {
		return err
	}

	if a.jsonOut {
		audit := make([]map[string]any, 0, len(trail))
		for _, e := range trail {
			audit = append(audit, map[string]any{
				"from":       e.FromStatus,
				"to":         e.ToStatus,
				"actor":      e.Actor,
				"notes":      e.Notes,
				"commit_sha": e.CommitSHA,
				"created_at": e.CreatedAt,
			})
		}
		data := taskJSON(t)
		data["audit"] = audit
		if len(disputes) > 0 {
			out := make([]map[string]any, 0, len(disputes))
			for i := range disputes {
				out = append(out, disputeJSON(&disputes[i]))
			}
			data["disputes"] = out
		}
		if len(invocations) > 0 {
			out := make([]map[string]any, 0, len(invocations))
			for _, inv := range invocations {
				out = append(out, map[string]any{
					"id":       inv.ID,
					"role":     inv.Role,
					"provider": inv.Provider,
					"model":    inv.Model,
					"status":   inv.Status,
					"success":  inv.Success,
				})
			}
			data["invocations"] = out
		}
		return a.printJSON(data)
	}

	st := a.styles()
	fmt.Fprintln(a.stdout, st.Header.Render(fmt.Sprintf("%s: %s", t.ID, t.Title)))
	fmt.Fprintf(a.stdout, "Status:     %s %s\n", statusIcon(t.Status), t.Status)
	if t.SectionID != "" {
		fmt.Fprintf(a.stdout, "Section:    %s\n", t.SectionID)
	}
	if t.SpecPath != "" {
		fmt.Fprintf(a.stdout, "Spec:       %s\n", t.SpecPath)
	}
	fmt.Fprintf(a.stdout, "Rejections: %d\n", t.RejectionCount)
	fmt.Fprintf(a.stdout, "Created:    %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"))
	if t.Description != "" {
		fmt.Fprintf(a.stdout, "\n%s\n", t.Description)
	}
	if len(trail) > 0 {
		fmt.Fprintf(a.stdout, "\n%s\n", st.Header.Render("History"))
		for _, e := range trail {
			line := fmt.Sprintf("  %s  %s → %s  (%s)",
				e.CreatedAt.Local().Format("2006-01-02 15:04"), orDash(string(e.FromStatus)), e.ToStatus, e.Actor)
			if e.Notes != "" {
				line += "  " + truncate(strings.ReplaceAll(e.Notes, "\n", " "), 60)
			}
			fmt.Fprintln(a.stdout, line)
		}
	}
	if len(disputes) > 0 {
		fmt.Fprintf(a.stdout, "\n%s\n", st.Header.Render("Disputes"))
		for _, d := range disputes {
			line := fmt.Sprintf("  %s  %s %s: %s", d.ID, d.Status, d.Type,
				truncate(strings.ReplaceAll(d.Reason, "\n", " "), 60))
			if d.Status == task.DisputeResolved && d.Resolution != "" {
				line += fmt.Sprintf("  resolved: %s", d.Resolution)
			}
			fmt.Fprintln(a.stdout, line)
		}
	}
	if len(invocations) > 0 {
		fmt.Fprintf(a.stdout, "\n%s\n", st.Header.Render("Invocations"))
		for _, inv := range invocations {
			fmt.Fprintf(a.stdout, "  %s  %s %s (%s)\n", inv.ID, inv.Role, inv.Provider, inv.Status)
		}
	}
	return nil
}

func newTasksUpdateCmd(a *app) *cobra.Command {
	var (
		project string
		status  string
		notes   string
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Transition a task to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runTasksUpdate(project, args[0], status, notes)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&status, "status", "", "target status (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "audit note")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func (a *app) runTasksUpdate(project, id, status, notes string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	if !task.IsValidStatus(task.Status(status)) {
		return steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
			"unknown status %q", status)
	}
	t, err := pc.store.TransitionTask(id, task.Status(status), db.TransitionMeta{
		Actor: "human",
		Notes: notes,
	})
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(taskJSON(t))
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(
		fmt.Sprintf("%s → %s", t.ID, t.Status)))
	return nil
}

func newTasksDeleteCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its history",
		Long: `Delete a task together with its audit trail and disputes. This is
for tasks created by mistake; finished work should stay for the record
(see cleanup --prune-tasks for aging out old history).`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runTasksDelete(project, args[0])
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runTasksDelete(project, id string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	if err := pc.store.DeleteTask(id); err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(map[string]any{"deleted": id})
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(fmt.Sprintf("Deleted %s", id)))
	return nil
}

// The verdict commands are what the reviewer prompt instructs the model
// to run; the loop accepts a task the reviewer transitioned itself.

func newTasksApproveCmd(a *app) *cobra.Command {
	var (
		project string
		actor   string
	)
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a task under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runVerdict(project, args[0], task.StatusCompleted, actor, "approved via command")
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&actor, "actor", "reviewer", "who is recording the verdict")
	return cmd
}

func newTasksRejectCmd(a *app) *cobra.Command {
	var (
		project string
		actor   string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a task under review back to the coder",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runVerdict(project, args[0], task.StatusInProgress, actor, reason)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&actor, "actor", "reviewer", "who is recording the verdict")
	cmd.Flags().StringVar(&reason, "reason", "", "what must change (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTasksSkipCmd(a *app) *cobra.Command {
	var (
		project string
		actor   string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "skip <task-id>",
		Short: "Skip a task that should not be done",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			notes := reason
			if notes == "" {
				notes = "skipped via command"
			}
			return a.runVerdict(project, args[0], task.StatusSkipped, actor, notes)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&actor, "actor", "reviewer", "who is recording the verdict")
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is skipped")
	return cmd
}

func (a *app) runVerdict(project, id string, to task.Status, actor, notes string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	t, err := pc.store.TransitionTask(id, to, db.TransitionMeta{Actor: actor, Notes: notes})
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(taskJSON(t))
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(
		fmt.Sprintf("%s → %s", t.ID, t.Status)))
	return nil
}

func newTasksDisputeCmd(a *app) *cobra.Command {
	var (
		project string
		actor   string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "dispute <task-id>",
		Short: "Dispute a task as wrong or impossible",
		Long: `Dispute a task as wrong or impossible. The task leaves the loop
until a human resolves the dispute.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runTasksDispute(project, args[0], actor, reason)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&actor, "actor", "reviewer", "who is raising the dispute")
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is disputed (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (a *app) runTasksDispute(project, id, actor, reason string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	if existing, err := pc.store.OpenBlockingDispute(id); err != nil {
		return err
	} else if existing != nil {
		return steroidserrors.Newf(steroidserrors.CodeDisputeOpen,
			"task %s already has an open dispute (%s)", id, existing.ID).
			WithFix(fmt.Sprintf("Resolve it first: steroids tasks resolve %s --resolution <decision>", existing.ID))
	}

	t, err := pc.store.TransitionTask(id, task.StatusDisputed,
		db.TransitionMeta{Actor: actor, Notes: reason})
	if err != nil {
		return err
	}
	dispute := &db.Dispute{
		ID:               uuid.NewString(),
		TaskID:           id,
		Type:             task.DisputeReviewer,
		Reason:           reason,
		ReviewerPosition: reason,
		CreatedBy:        actor,
	}
	if err := pc.store.CreateDispute(dispute); err != nil {
		return err
	}

	if a.jsonOut {
		data := taskJSON(t)
		data["dispute_id"] = dispute.ID
		return a.printJSON(data)
	}
	fmt.Fprintln(a.stdout, a.styles().Warn.Render(
		fmt.Sprintf("%s disputed (%s)", t.ID, dispute.ID)))
	return nil
}

func newTasksResolveCmd(a *app) *cobra.Command {
	var (
		project    string
		actor      string
		resolution string
		notes      string
	)
	cmd := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Resolve an open dispute",
		Long: `Resolve an open dispute with a decision. The task itself stays in
its current status; create a follow-up task if the work should continue
in a different shape.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runTasksResolve(project, args[0], resolution, notes, actor)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&actor, "actor", "human", "who is resolving the dispute")
	cmd.Flags().StringVar(&resolution, "resolution", "", "the decision (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "how the decision was reached")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func (a *app) runTasksResolve(project, disputeID, resolution, notes, actor string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	d, err := pc.store.GetDispute(disputeID)
	if err != nil {
		return err
	}
	if d == nil {
		return steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
			"no dispute %s", disputeID)
	}
	if err := pc.store.ResolveDispute(disputeID, resolution, notes, actor); err != nil {
		return err
	}
	d, err = pc.store.GetDispute(disputeID)
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(disputeJSON(d))
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(
		fmt.Sprintf("%s resolved: %s", d.ID, d.Resolution)))
	return nil
}

func newTasksLogsCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "logs <invocation-id>",
		Short: "Show a provider invocation and its activity log",
		Long: `Show one provider invocation: the recorded outcome plus the activity
streamed while it ran. Invocation ids appear under tasks show.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runTasksLogs(project, args[0])
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runTasksLogs(project, id string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	inv, err := pc.store.GetInvocation(id)
	if err != nil {
		return err
	}
	if inv == nil {
		return steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
			"no invocation %s", id)
	}

	logPath := filepath.Join(pc.dir, config.SteroidsDir, config.InvocationsDir, id+".log")
	raw, err := os.ReadFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var events [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			events = append(events, line)
		}
	}

	if a.jsonOut {
		data := map[string]any{
			"id":         inv.ID,
			"task_id":    inv.TaskID,
			"role":       inv.Role,
			"provider":   inv.Provider,
			"model":      inv.Model,
			"status":     inv.Status,
			"success":    inv.Success,
			"timed_out":  inv.TimedOut,
			"started_at": inv.StartedAt,
		}
		if inv.CompletedAt != nil {
			data["completed_at"] = inv.CompletedAt
		}
		if inv.Response != "" {
			data["response"] = inv.Response
		}
		if inv.Error != "" {
			data["error"] = inv.Error
		}
		if len(events) > 0 {
			activity := make([]json.RawMessage, 0, len(events))
			for _, ev := range events {
				activity = append(activity, json.RawMessage(ev))
			}
			data["activity"] = activity
		}
		return a.printJSON(data)
	}

	st := a.styles()
	fmt.Fprintln(a.stdout, st.Header.Render(
		fmt.Sprintf("%s  %s %s", inv.ID, inv.Role, inv.Provider)))
	if inv.Model != "" {
		fmt.Fprintf(a.stdout, "Model:   %s\n", inv.Model)
	}
	if inv.TaskID != "" {
		fmt.Fprintf(a.stdout, "Task:    %s\n", inv.TaskID)
	}
	fmt.Fprintf(a.stdout, "Status:  %s\n", inv.Status)
	fmt.Fprintf(a.stdout, "Started: %s\n", inv.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if inv.Error != "" {
		fmt.Fprintf(a.stdout, "Error:   %s\n", inv.Error)
	}
	if len(events) > 0 {
		fmt.Fprintf(a.stdout, "\n%s\n", st.Header.Render("Activity"))
		for _, ev := range events {
			ts := gjson.GetBytes(ev, "time").String()
			switch gjson.GetBytes(ev, "event").String() {
			case provider.EventStart:
				fmt.Fprintf(a.stdout, "  %s  start %s %s\n", ts,
					gjson.GetBytes(ev, "provider").String(),
					gjson.GetBytes(ev, "role").String())
			case provider.EventComplete:
				fmt.Fprintf(a.stdout, "  %s  %s (exit %d, %dms)\n", ts,
					gjson.GetBytes(ev, "status").String(),
					gjson.GetBytes(ev, "exit_code").Int(),
					gjson.GetBytes(ev, "duration_ms").Int())
			default:
				fmt.Fprintf(a.stdout, "  %s  %s\n", ts, gjson.GetBytes(ev, "note").String())
			}
		}
	} else {
		fmt.Fprintln(a.stdout, st.Subtle.Render("no activity log on disk"))
	}
	if inv.Response != "" {
		fmt.Fprintf(a.stdout, "\n%s\n%s\n", st.Header.Render("Response"), inv.Response)
	}
	return nil
}

func disputeJSON(d *db.Dispute) map[string]any {
	out := map[string]any{
		"id":         d.ID,
		"task_id":    d.TaskID,
		"type":       d.Type,
		"status":     d.Status,
		"reason":     d.Reason,
		"created_by": d.CreatedBy,
		"created_at": d.CreatedAt,
	}
	if d.Resolution != "" {
		out["resolution"] = d.Resolution
		out["resolution_notes"] = d.ResolutionNotes
		out["resolved_by"] = d.ResolvedBy
		out["resolved_at"] = d.ResolvedAt
	}
	return out
}

func taskJSON(t *db.Task) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"title":           t.Title,
		"description":     t.Description,
		"status":          t.Status,
		"section_id":      t.SectionID,
		"spec_path":       t.SpecPath,
		"rejection_count": t.RejectionCount,
		"created_at":      t.CreatedAt,
		"updated_at":      t.UpdatedAt,
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
