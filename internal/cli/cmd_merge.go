package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/merge"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

func newMergeCmd(a *app) *cobra.Command {
	var (
		project           string
		sessionID         string
		workstreams       []string
		remote            string
		mainBranch        string
		integrationBranch string
		validationCmd     string
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a parallel session into mainline",
		Long: `Merge a parallel session's completed workstreams into mainline.

Cherry-picks each workstream's sealed commits onto the integration
branch in completion order, drives conflicts through the coder/reviewer
loop, runs the validation command, and pushes. Without --session the
project's active session is merged.

Examples:
  steroids merge
  steroids merge --session sess-1a2b3c4d
  steroids merge --validation-cmd "go test ./..."`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runMerge(cmd, project, sessionID, workstreams,
				remote, mainBranch, integrationBranch, validationCmd)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the project's active session)")
	cmd.Flags().StringSliceVar(&workstreams, "workstreams", nil, "restrict the merge to these workstream ids")
	cmd.Flags().StringVar(&remote, "remote", "", "git remote (default: from config)")
	cmd.Flags().StringVar(&mainBranch, "main-branch", "", "mainline branch (default: from config)")
	cmd.Flags().StringVar(&integrationBranch, "integration-branch", "", "integration branch (default: derived from the session)")
	cmd.Flags().StringVar(&validationCmd, "validation-cmd", "", "validation command run before the push")
	return cmd
}

func (a *app) runMerge(cmd *cobra.Command, project, sessionID string, workstreams []string,
	remote, mainBranch, integrationBranch, validationCmd string) error {
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

	if sessionID == "" {
		repoID, err := util.ProjectHash(pc.dir)
		if err != nil {
			return err
		}
		active, err := global.ActiveSessionForRepo(repoID)
		if err != nil {
			return err
		}
		if active == nil {
			return steroidserrors.New(steroidserrors.CodeSessionNotFound,
				fmt.Sprintf("no active parallel session for %s", pc.dir)).
				WithFix("Pass --session to merge a finished session by id")
		}
		sessionID = active.ID
	}

	logger := a.logger()
	engine := merge.New(global, pc.cfg, a.newRegistry(pc, logger),
		merge.WithLogger(logger))

	result, mergeErr := engine.Merge(cmd.Context(), merge.Request{
		SessionID:         sessionID,
		Workstreams:       workstreams,
		Remote:            remote,
		MainBranch:        mainBranch,
		IntegrationBranch: integrationBranch,
		ValidationCommand: validationCmd,
	})
	if result != nil && !a.jsonOut {
		var esc *db.ValidationEscalation
		if result.EscalationID != "" {
			esc, _ = global.GetValidationEscalation(result.EscalationID)
		}
		a.printMergeResult(result, esc)
	}
	if mergeErr != nil {
		return mergeErr
	}
	if a.jsonOut {
		return a.printJSON(result)
	}
	return nil
}

func (a *app) printMergeResult(r *merge.Result, esc *db.ValidationEscalation) {
	st := a.styles()
	if r.Success {
		fmt.Fprintln(a.stdout, st.Success.Render(
			fmt.Sprintf("Session %s merged: %d commits from %d workstreams",
				r.SessionID, r.CompletedCommits, len(r.Workstreams))))
	} else {
		fmt.Fprintln(a.stdout, st.Warn.Render(
			fmt.Sprintf("Session %s merge incomplete", r.SessionID)))
	}
	if r.Conflicts > 0 {
		fmt.Fprintf(a.stdout, "Conflicts resolved: %d\n", r.Conflicts)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(a.stdout, "Workstreams skipped: %d\n", r.Skipped)
	}
	if r.Pushed {
		fmt.Fprintln(a.stdout, "Pushed to remote")
	}
	if r.EscalationID != "" {
		fmt.Fprintf(a.stdout, "Escalation filed: %s\n", r.EscalationID)
		if esc != nil {
			if esc.Command != "" {
				fmt.Fprintf(a.stdout, "  validation: %s\n", esc.Command)
			}
			if esc.ErrorMessage != "" {
				fmt.Fprintf(a.stdout, "  %s\n", esc.ErrorMessage)
			}
			if esc.WorkspacePath != "" {
				fmt.Fprintf(a.stdout, "  workspace kept at %s\n", esc.WorkspacePath)
			}
		}
	}
	for _, e := range r.Errors {
		fmt.Fprintln(a.stdout, st.Subtle.Render("  "+e))
	}
}
