// Package cli implements the bustrack command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"bustrack/internal/config"
	"bustrack/internal/db"
	"bustrack/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel  string
	LogFormat string
	Format    string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the bustrack CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bustrack",
		Short: "School bus trip tracking",
		Long: `bustrack tracks school bus trips: driver devices report positions, stop
events and student scans; parents and staff follow trips live.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format override (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRosterCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// logger builds the process logger from config, honoring flag overrides.
func (o *RootOptions) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level, format := "info", "text"
	if cfg != nil {
		level, format = cfg.LogLevel, cfg.LogFormat
	}
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	if o.LogFormat != "" {
		format = o.LogFormat
	}
	return logging.New(cmd.ErrOrStderr(), level, format)
}

// load reads configuration and builds the logger.
func (o *RootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, WrapExitError(ExitConfigError, "failed to load configuration", err)
	}
	return cfg, o.logger(cmd, cfg), nil
}

// openDB opens and pings the configured database.
func openDB(cmd *cobra.Command, cfg *config.Config) (*sqlx.DB, error) {
	conn, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := db.Ping(cmd.Context(), conn); err != nil {
		_ = conn.Close()
		return nil, WrapExitError(ExitCommandError, "database unreachable", err)
	}
	return conn, nil
}
