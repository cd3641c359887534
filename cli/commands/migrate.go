package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinprecision/clinops-core/adapters/postgres"
	"github.com/clinprecision/clinops-core/cli/styles"
	"github.com/clinprecision/clinops-core/cli/ui"
	"github.com/clinprecision/clinops-core/projection"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the event store schema",
		Long: `Create and inspect the PostgreSQL schema: the event log, projection
checkpoints, audit trail, idempotency and outbox tables, and the read
model tables.

Examples:
  clinops migrate up        # Create or upgrade the schema
  clinops migrate status    # Show the applied schema version`,
	}

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateStatusCommand())

	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Create or upgrade the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := SetupStoreEnv(cmd.Context())
			if errors.Is(err, errMemoryDriver) {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}
			if err != nil {
				return err
			}
			defer env.Close()

			return ui.RunTask("Migrating schema "+env.Adapter.Schema()+"...", func() (string, error) {
				return migrateUp(cmd.Context(), env.Adapter)
			})
		},
	}
}

// migrateUp applies the store migrations, then creates the read model
// tables.
func migrateUp(ctx context.Context, a *postgres.PostgresAdapter) (string, error) {
	before, err := a.MigrationVersion(ctx)
	if err != nil {
		return "", err
	}
	if err := a.Migrate(ctx); err != nil {
		return "", err
	}
	if _, err := projection.NewPostgresReadModels(a); err != nil {
		return "", fmt.Errorf("creating read model tables: %w", err)
	}
	if before == postgres.SchemaVersion {
		return fmt.Sprintf("Schema %s is up to date (version %d)", a.Schema(), before), nil
	}
	return fmt.Sprintf("Schema %s migrated from version %d to %d", a.Schema(), before, postgres.SchemaVersion), nil
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := SetupStoreEnv(cmd.Context())
			if errors.Is(err, errMemoryDriver) {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver - no schema to migrate"))
				return nil
			}
			if err != nil {
				return err
			}
			defer env.Close()

			version, err := env.Adapter.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Title.Render(styles.IconDatabase+" Migration Status"))

			table := ui.NewTable("", "")
			table.AddRow("Schema", env.Adapter.Schema())
			table.AddRow("Applied", fmt.Sprintf("%d", version))
			table.AddRow("Latest", fmt.Sprintf("%d", postgres.SchemaVersion))
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out)

			switch {
			case version == 0:
				fmt.Fprintln(out, styles.FormatWarning("Schema not created. Run 'clinops migrate up'"))
			case version < postgres.SchemaVersion:
				fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf("%d migration(s) pending", postgres.SchemaVersion-version)))
			default:
				fmt.Fprintln(out, styles.FormatSuccess("Database is up to date"))
			}
			return nil
		},
	}
}
