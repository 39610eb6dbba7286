package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
)

func newAICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ai",
		Short: "Inspect and test provider back ends",
	}
	cmd.AddCommand(
		newAIProvidersCmd(a),
		newAIModelsCmd(a),
		newAITestCmd(a),
	)
	return cmd
}

// bareRegistry builds a registry without a project: no recorder, no
// activity logs. ai commands work before init.
func (a *app) bareRegistry() *provider.Registry {
	return provider.NewRegistry(provider.NewExecutor(
		provider.WithExecutorLogger(a.logger()),
	))
}

func newAIProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers and whether their CLIs are installed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.runAIProviders()
		},
	}
}

func (a *app) runAIProviders() error {
	reg := a.bareRegistry()

	type providerView struct {
		Name      string `json:"name"`
		Available bool   `json:"available"`
	}
	views := make([]providerView, 0)
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			return err
		}
		views = append(views, providerView{Name: name, Available: p.Available()})
	}

	if a.jsonOut {
		return a.printJSON(views)
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		avail := "not installed"
		if v.Available {
			avail = "available"
		}
		rows = append(rows, []string{v.Name, avail})
	}
	a.table([]string{"PROVIDER", "STATUS"}, rows)
	return nil
}

func newAIModelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models <provider>",
		Short: "List the models a provider can run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAIModels(cmd, args[0])
		},
	}
	return cmd
}

func (a *app) runAIModels(cmd *cobra.Command, name string) error {
	reg := a.bareRegistry()
	p, err := reg.Get(name)
	if err != nil {
		return err
	}
	models, err := p.ListModels(cmd.Context())
	if err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{"provider": name, "models": models})
	}
	for _, m := range models {
		fmt.Fprintln(a.stdout, m)
	}
	return nil
}

func newAITestCmd(a *app) *cobra.Command {
	var (
		project string
		role    string
		model   string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a trivial prompt through a role's provider",
		Long: `Send a trivial prompt through a role's provider and report the
round trip. Uses the project config when run inside an initialized
project, defaults otherwise.

Examples:
  steroids ai test
  steroids ai test --role reviewer
  steroids ai test --role coder --model sonnet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAITest(cmd, project, role, model)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().StringVar(&role, "role", "coder", "role whose provider to test")
	cmd.Flags().StringVar(&model, "model", "", "override the role's model")
	return cmd
}

func (a *app) runAITest(cmd *cobra.Command, project, role, model string) error {
	dir, err := resolveProject(project)
	if err != nil {
		return err
	}
	cfg := config.Default()
	if config.IsInitialized(dir) {
		cfg, err = a.loadConfig(dir)
		if err != nil {
			return err
		}
	}

	reg := a.bareRegistry()
	p, resolvedModel, err := reg.ForRole(cfg, role)
	if err != nil {
		return err
	}
	if model != "" {
		resolvedModel = model
	}

	start := time.Now()
	res, err := p.Invoke(cmd.Context(), "Reply with the single word: pong", provider.Options{
		Model:   resolvedModel,
		WorkDir: dir,
		Role:    role,
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	if a.jsonOut {
		return a.printJSON(map[string]any{
			"provider":    p.Name(),
			"model":       resolvedModel,
			"success":     res.Success,
			"duration_ms": elapsed.Milliseconds(),
			"response":    truncate(res.Stdout, 200),
		})
	}
	st := a.styles()
	if res.Success {
		fmt.Fprintln(a.stdout, st.Success.Render(
			fmt.Sprintf("%s (%s) responded in %s", p.Name(), resolvedModel, elapsed)))
	} else {
		fmt.Fprintln(a.stdout, st.Error.Render(
			fmt.Sprintf("%s (%s) failed after %s", p.Name(), resolvedModel, elapsed)))
		if res.Stderr != "" {
			fmt.Fprintln(a.stdout, st.Subtle.Render(truncate(res.Stderr, 400)))
		}
	}
	return nil
}
