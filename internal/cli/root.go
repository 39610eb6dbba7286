// Package cli implements the steroids command-line interface. Commands
// stay thin: they parse flags, open the stores, and hand off to the
// domain packages; presentation lives in output.go.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/logging"
)

// app carries the global flag state and the store constructors, so tests
// can substitute in-memory databases and capture output.
type app struct {
	cfgFile string
	jsonOut bool
	quiet   bool
	verbose bool
	noColor bool

	stdout io.Writer
	stderr io.Writer

	openGlobal  func() (*db.GlobalDB, error)
	openProject func(projectDir string) (*db.ProjectDB, error)
	loadConfig  func(projectDir string) (*config.Config, error)
}

func newApp() *app {
	a := &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	a.openGlobal = a.globalStore
	a.openProject = a.projectStore
	a.loadConfig = func(projectDir string) (*config.Config, error) {
		return config.LoadWithOverride(projectDir, a.cfgFile)
	}
	return a
}

// logger builds the console logger for the current flag set.
func (a *app) logger() *slog.Logger {
	return logging.NewWithWriter(a.stderr, logging.Options{
		Verbose: a.verbose,
		Quiet:   a.quiet,
		JSON:    a.jsonOut,
	})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "steroids",
		Short: "Parallel execution engine for LLM coding agents",
		Long: `steroids drives coder and reviewer agents over a task backlog: a runner
drains tasks through the coder/reviewer loop, parallel sessions split the
backlog into isolated workstream clones, and the merge engine cherry-picks
finished workstreams back into mainline.

Quick start:
  steroids init                     Initialize the current project
  steroids tasks new "Fix login"    Create a task
  steroids loop --once              Run a single task through the loop
  steroids runners start --parallel Launch a parallel session`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.applyEnvFlags(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "explicit config file overlaid on the project config")
	pf.BoolVar(&a.jsonOut, "json", false, "machine-readable JSON output")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress non-essential output")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVar(&a.noColor, "no-color", false, "disable styled output")

	root.AddCommand(
		newInitCmd(a),
		newTasksCmd(a),
		newSectionsCmd(a),
		newLoopCmd(a),
		newRunnersCmd(a),
		newMergeCmd(a),
		newAICmd(a),
		newWakeupCmd(a),
		newCleanupCmd(a),
		newVersionCmd(a),
	)
	return root
}

// applyEnvFlags overlays STEROIDS_* environment variables onto global
// flags the caller did not set explicitly.
func (a *app) applyEnvFlags(cmd *cobra.Command) {
	v := viper.New()
	v.SetEnvPrefix("STEROIDS")
	v.AutomaticEnv()

	flags := cmd.Flags()
	if !flags.Changed("json") && v.GetBool("json") {
		a.jsonOut = true
	}
	if !flags.Changed("quiet") && v.GetBool("quiet") {
		a.quiet = true
	}
	if !flags.Changed("verbose") && v.GetBool("verbose") {
		a.verbose = true
	}
	if !flags.Changed("no-color") && v.GetBool("no_color") {
		a.noColor = true
	}
	if !flags.Changed("config") && a.cfgFile == "" {
		a.cfgFile = v.GetString("config")
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	root := newRootCmd(a)
	if err := root.ExecuteContext(ctx); err != nil {
		a.printError(err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	if serr := steroidserrors.AsSteroidsError(err); serr != nil {
		return steroidserrors.ExitCodeFor(serr.Code)
	}
	return steroidserrors.ExitGeneral
}
