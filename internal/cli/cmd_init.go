package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		project string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize steroids in a project",
		Long: `Initialize steroids in a project directory.

Creates the .steroids control directory with a default config, the task
database, and the invocation/log/backup subdirectories, then registers
the project in the global registry so wakeup passes can find it.

Examples:
  steroids init
  steroids init --project ~/code/api
  steroids init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := resolveProject(project)
			if err != nil {
				return err
			}
			if config.IsInitialized(dir) && !force {
				return steroidserrors.New(steroidserrors.CodeInvalidArgs,
					fmt.Sprintf("steroids is already initialized in %s", dir)).
					WithFix("Use --force to overwrite the existing config")
			}
			return a.runInit(dir, force)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")
	return cmd
}

func (a *app) runInit(dir string, force bool) error {
	controlDir := filepath.Join(dir, config.SteroidsDir)
	for _, sub := range []string{"", config.InvocationsDir, config.LogsDir, config.BackupDir} {
		if err := os.MkdirAll(filepath.Join(controlDir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Join(controlDir, sub), err)
		}
	}

	cfgPath := filepath.Join(controlDir, config.ConfigFileName)
	wroteConfig := false
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) || force {
		if err := config.Default().Save(dir); err != nil {
			return err
		}
		wroteConfig = true
	}

	store, err := a.openProject(dir)
	if err != nil {
		return err
	}
	store.Close()

	a.registerProject(dir)

	if a.jsonOut {
		return a.printJSON(map[string]any{
			"project":  dir,
			"config":   cfgPath,
			"database": db.ProjectDBPath(dir),
			"created":  wroteConfig,
		})
	}
	st := a.styles()
	fmt.Fprintln(a.stdout, st.Success.Render(fmt.Sprintf("Initialized steroids in %s", dir)))
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Next steps:")
	fmt.Fprintln(a.stdout, `  steroids tasks new "Your first task"`)
	fmt.Fprintln(a.stdout, "  steroids loop --once")
	return nil
}

// registerProject records the project in the global registry. Failure
// only costs wakeup discovery, so it never fails init.
func (a *app) registerProject(dir string) {
	hash, err := util.ProjectHash(dir)
	if err != nil {
		return
	}
	global, err := a.openGlobal()
	if err != nil {
		return
	}
	defer global.Close()
	now := time.Now().UTC()
	_ = global.RegisterProject(db.Project{
		ID:           hash,
		Path:         dir,
		Name:         filepath.Base(dir),
		RegisteredAt: now,
		LastSeenAt:   &now,
	})
}
