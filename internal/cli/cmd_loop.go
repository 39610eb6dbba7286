package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/runner"
)

func newLoopCmd(a *app) *cobra.Command {
	var (
		project string
		section string
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the coder/reviewer loop in the foreground",
		Long: `Run the coder/reviewer loop in the foreground.

Drains eligible tasks through the coder, reviewer, and coordinator until
the backlog is empty or a stop is requested. Equivalent to
'runners start' without detaching.

Examples:
  steroids loop
  steroids loop --once
  steroids loop --section SEC-002`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLoop(cmd, project, section, once)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&section, "section", "", "only drain this section")
	cmd.Flags().BoolVar(&once, "once", false, "process a single task and exit")
	return cmd
}

func (a *app) runLoop(cmd *cobra.Command, project, section string, once bool) error {
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
	if err := r.Run(cmd.Context(), runner.Options{
		ProjectPath: pc.dir,
		Once:        once,
		Section:     section,
	}); err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{"project": pc.dir, "once": once})
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render("Loop finished"))
	return nil
}
