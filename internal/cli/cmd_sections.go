package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

func newSectionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "Manage backlog sections",
	}
	deps := &cobra.Command{
		Use:   "deps",
		Short: "Manage section dependencies",
	}
	deps.AddCommand(newSectionsDepsAddCmd(a), newSectionsDepsRemoveCmd(a))
	cmd.AddCommand(
		newSectionsNewCmd(a),
		newSectionsListCmd(a),
		newSectionsSkipCmd(a, true),
		newSectionsSkipCmd(a, false),
		newSectionsDeleteCmd(a),
		deps,
	)
	return cmd
}

func newSectionsNewCmd(a *app) *cobra.Command {
	var (
		project  string
		priority int
		position int
	)
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a section",
		Long: `Create a section.

Sections group tasks for ordering and parallel partitioning. Priority
runs 0 (highest) to 100 (lowest); position orders sections within equal
priority.

Examples:
  steroids sections new "API layer"
  steroids sections new "Migrations" --priority 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runSectionsNew(project, args[0], priority, position)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	cmd.Flags().IntVar(&priority, "priority", db.DefaultSectionPriority, "scheduling priority, 0 highest to 100 lowest")
	cmd.Flags().IntVar(&position, "position", 0, "position within equal priority (default: after existing sections)")
	return cmd
}

func (a *app) runSectionsNew(project, name string, priority, position int) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	if position == 0 {
		existing, err := pc.store.ListSections()
		if err != nil {
			return err
		}
		for _, s := range existing {
			if s.Position >= position {
				position = s.Position + 1
			}
		}
	}

	seq := task.NewSequenceStore(filepath.Join(pc.dir, config.SteroidsDir, "sequences.yaml"))
	id, err := seq.NextSectionID()
	if err != nil {
		return fmt.Errorf("allocate section id: %w", err)
	}

	sec := &db.Section{
		ID:       id,
		Name:     name,
		Position: position,
		Priority: priority,
	}
	if err := pc.store.SaveSection(sec); err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(sectionJSON(sec, nil, db.SectionWork{}))
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(fmt.Sprintf("Created %s: %s", sec.ID, sec.Name)))
	return nil
}

func newSectionsListCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sections with their dependencies and open work",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.runSectionsList(project)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runSectionsList(project string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	sections, err := pc.store.ListSections()
	if err != nil {
		return err
	}
	deps, err := pc.store.AllSectionDependencies()
	if err != nil {
		return err
	}
	work, err := pc.store.SectionWorkCounts()
	if err != nil {
		return err
	}

	if a.jsonOut {
		out := make([]map[string]any, 0, len(sections))
		for i := range sections {
			s := &sections[i]
			out = append(out, sectionJSON(s, deps[s.ID], work[s.ID]))
		}
		return a.printJSON(out)
	}
	if len(sections) == 0 {
		fmt.Fprintln(a.stdout, `No sections found. Create one with: steroids sections new "Name"`)
		return nil
	}
	rows := make([][]string, 0, len(sections))
	for _, s := range sections {
		state := ""
		if s.Skipped {
			state = " (skipped)"
		}
		depCell := "-"
		if len(deps[s.ID]) > 0 {
			depCell = strings.Join(deps[s.ID], ",")
		}
		rows = append(rows, []string{
			s.ID,
			fmt.Sprintf("%d", s.Priority),
			fmt.Sprintf("%d", work[s.ID].Open),
			depCell,
			s.Name + state,
		})
	}
	a.table([]string{"ID", "PRI", "OPEN", "DEPENDS ON", "NAME"}, rows)
	return nil
}

func newSectionsSkipCmd(a *app, skip bool) *cobra.Command {
	var project string
	use, short := "skip <section>", "Exclude a section from scheduling and partitioning"
	if !skip {
		use, short = "unskip <section>", "Put a skipped section back into scheduling"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runSectionsSkip(project, args[0], skip)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runSectionsSkip(project, ref string, skip bool) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	sec, err := pc.store.ResolveSection(ref)
	if err != nil {
		return err
	}
	if err := pc.store.SetSectionSkipped(sec.ID, skip); err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{"section": sec.ID, "skipped": skip})
	}
	if skip {
		fmt.Fprintf(a.stdout, "%s skipped\n", sec.ID)
	} else {
		fmt.Fprintf(a.stdout, "%s back in rotation\n", sec.ID)
	}
	return nil
}

func newSectionsDeleteCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "delete <section>",
		Short: "Delete a section; its tasks become sectionless",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runSectionsDelete(project, args[0])
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runSectionsDelete(project, ref string) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	sec, err := pc.store.ResolveSection(ref)
	if err != nil {
		return err
	}
	if err := pc.store.DeleteSection(sec.ID); err != nil {
		return err
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{"deleted": sec.ID})
	}
	fmt.Fprintln(a.stdout, a.styles().Success.Render(fmt.Sprintf("Deleted %s", sec.ID)))
	return nil
}

func newSectionsDepsAddCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "add <section> <depends-on>",
		Short: "Add a section dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runSectionsDeps(project, args[0], args[1], true)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func newSectionsDepsRemoveCmd(a *app) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:     "remove <section> <depends-on>",
		Aliases: []string{"rm"},
		Short:   "Remove a section dependency",
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.runSectionsDeps(project, args[0], args[1], false)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project directory (default: current directory)")
	return cmd
}

func (a *app) runSectionsDeps(project, sectionRef, dependsOnRef string, add bool) error {
	pc, err := a.openProjectContext(project)
	if err != nil {
		return err
	}
	defer pc.Close()

	sec, err := pc.store.ResolveSection(sectionRef)
	if err != nil {
		return err
	}
	dep, err := pc.store.ResolveSection(dependsOnRef)
	if err != nil {
		return err
	}

	if add {
		if err := pc.store.AddSectionDependency(sec.ID, dep.ID); err != nil {
			return err
		}
	} else {
		if err := pc.store.RemoveSectionDependency(sec.ID, dep.ID); err != nil {
			return err
		}
	}

	if a.jsonOut {
		return a.printJSON(map[string]any{
			"section":    sec.ID,
			"depends_on": dep.ID,
			"added":      add,
		})
	}
	verb := "now depends on"
	if !add {
		verb = "no longer depends on"
	}
	fmt.Fprintf(a.stdout, "%s %s %s\n", sec.ID, verb, dep.ID)
	return nil
}

func sectionJSON(s *db.Section, deps []string, work db.SectionWork) map[string]any {
	if deps == nil {
		deps = []string{}
	}
	return map[string]any{
		"id":         s.ID,
		"name":       s.Name,
		"position":   s.Position,
		"priority":   s.Priority,
		"skipped":    s.Skipped,
		"depends_on": deps,
		"open_tasks": work.Open,
		"created_at": s.CreatedAt,
	}
}
