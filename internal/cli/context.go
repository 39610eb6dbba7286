package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/logging"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// resolveProject canonicalizes the --project flag (default: cwd).
func resolveProject(flag string) (string, error) {
	if flag == "" {
		flag = "."
	}
	dir, err := util.CanonicalProjectPath(flag)
	if err != nil {
		return "", steroidserrors.Wrap(err, steroidserrors.CodeInvalidArgs,
			fmt.Sprintf("cannot resolve project path %q", flag))
	}
	return dir, nil
}

// requireInit fails with NOT_INITIALIZED when the project has no
// .steroids directory.
func requireInit(dir string) error {
	if !config.IsInitialized(dir) {
		return steroidserrors.ErrNotInitialized(dir)
	}
	return nil
}

// projectContext bundles the resolved project directory with its config
// and open store. Close releases the store.
type projectContext struct {
	dir   string
	cfg   *config.Config
	store *db.ProjectDB
}

func (p *projectContext) Close() {
	if p.store != nil {
		p.store.Close()
	}
}

// projectStore opens the project database honoring the project's database
// config: sqlite in .steroids unless postgres is selected.
func (a *app) projectStore(projectDir string) (*db.ProjectDB, error) {
	cfg, err := a.loadConfig(projectDir)
	if err != nil {
		return nil, err
	}
	return db.OpenProjectStore(projectDir, cfg.Database.Driver, cfg.Database.Postgres.DSN())
}

// globalStore opens the global database honoring the user-level database
// config.
func (a *app) globalStore() (*db.GlobalDB, error) {
	cfg, err := config.LoadGlobal()
	if err != nil {
		return nil, err
	}
	return db.OpenGlobalStore(cfg.Database.Driver, cfg.Database.Postgres.DSN())
}

// openProjectContext resolves, checks init, loads config, and opens the
// project database.
func (a *app) openProjectContext(projectFlag string) (*projectContext, error) {
	dir, err := resolveProject(projectFlag)
	if err != nil {
		return nil, err
	}
	if err := requireInit(dir); err != nil {
		return nil, err
	}
	cfg, err := a.loadConfig(dir)
	if err != nil {
		return nil, err
	}
	store, err := a.openProject(dir)
	if err != nil {
		return nil, err
	}
	return &projectContext{dir: dir, cfg: cfg, store: store}, nil
}

// newRegistry builds the provider registry for a project: invocations
// recorded to the store, activity streamed to .steroids/invocations.
func (a *app) newRegistry(pc *projectContext, logger *slog.Logger) *provider.Registry {
	exec := provider.NewExecutor(
		provider.WithExecutorLogger(logger),
		provider.WithRecorder(pc.store),
		provider.WithActivityLogDir(filepath.Join(pc.dir, config.SteroidsDir, config.InvocationsDir)),
	)
	return provider.NewRegistry(exec)
}

// runnerLogger picks the log destination for long-running commands:
// workstream children log to their workstream file, detached daemons to
// a pid-named file, and interactive runs to the console. The closer is
// never nil.
func (a *app) runnerLogger(cfg *config.Config, workstreamID string) (*slog.Logger, io.Closer, error) {
	opts := logging.Options{Verbose: a.verbose, Quiet: a.quiet, JSON: a.jsonOut}
	if cfg.Parallel.DaemonLogs {
		home, err := config.GlobalHome()
		if err != nil {
			return nil, nil, err
		}
		if workstreamID != "" {
			return logging.NewDaemonLogger(logging.WorkstreamLogPath(home, workstreamID), opts)
		}
		if f, ok := a.stderr.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
			return logging.NewDaemonLogger(logging.DaemonLogPath(home, os.Getpid()), opts)
		}
	}
	return a.logger(), nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
