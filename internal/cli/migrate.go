package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bustrack/internal/db"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	CreateDB bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the database schema. Migrations are idempotent.

Examples:
  bustrack migrate
  DB_DRIVER=sqlite3 SQLITE_PATH=./bustrack.db bustrack migrate
  bustrack migrate --create-db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.CreateDB, "create-db", false, "create the Postgres database first if it does not exist")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}

	if opts.CreateDB && cfg.DBDriver == "pgx" {
		created, err := db.CreateDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create database", err)
		}
		if created {
			logger.Info("database created")
		}
	}

	conn, err := openDB(cmd, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return WrapExitError(ExitCommandError, "failed to migrate database", err)
	}
	logger.Info("schema up to date", "driver", cfg.DBDriver)
	if opts.Format == "json" {
		return writeJSON(cmd, map[string]any{"migrated": true, "driver": cfg.DBDriver})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Schema up to date.")
	return nil
}
