package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags.
var (
	version = "0.1.0-dev"
	commit  = ""
	date    = ""
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show steroids version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if a.jsonOut {
				return a.printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    date,
				})
			}
			line := "steroids version " + version
			if commit != "" {
				line += fmt.Sprintf(" (%s", commit)
				if date != "" {
					line += ", built " + date
				}
				line += ")"
			}
			fmt.Fprintln(a.stdout, line)
			return nil
		},
	}
}
