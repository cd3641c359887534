// Package commands implements the clinops command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinprecision/clinops-core/cli/styles"
	"github.com/clinprecision/clinops-core/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the clinops command tree.
func NewRootCommand() *cobra.Command {
	var (
		noColor    bool
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "clinops",
		Short: "Clinical trial operations core",
		Long: ui.SimpleBanner() + `

Runs the event-sourced clinical operations engine: studies, protocol
versions, database builds, study design, visits and form data.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("clinops init") + `              Write a clinops.yaml
  ` + styles.Code.Render("clinops migrate up") + `        Create the event store schema
  ` + styles.Code.Render("clinops serve") + `             Run the engine and the ops endpoints
  ` + styles.Code.Render("clinops diagnose") + `          Check your setup`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				styles.DisableColors()
				ui.Plain = true
			}
			ui.Output = cmd.OutOrStdout()
			configOverride = configPath
		},
	}

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colors and animations")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to clinops.yaml (default: search upwards from the working directory)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewProjectionCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), styles.FormatError(err.Error()))
		return err
	}

	return nil
}
