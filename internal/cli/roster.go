package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bustrack/internal/roster"
)

// NewRosterCommand creates the roster command group.
func NewRosterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage routes, stops and student assignments",
	}
	cmd.AddCommand(newRosterImportCommand(rootOpts))
	cmd.AddCommand(newRosterValidateCommand(rootOpts))
	return cmd
}

type rosterSummary struct {
	Routes   int `json:"routes"`
	Stops    int `json:"stops"`
	Students int `json:"students"`
}

func summarize(f *roster.File) rosterSummary {
	var s rosterSummary
	s.Routes = len(f.Routes)
	for _, r := range f.Routes {
		s.Stops += len(r.Stops)
		s.Students += len(r.Students)
	}
	return s
}

func (o *RootOptions) printSummary(cmd *cobra.Command, verb string, s rosterSummary) error {
	if o.Format == "json" {
		return writeJSON(cmd, s)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d routes, %d stops, %d student assignments.\n", verb, s.Routes, s.Stops, s.Students)
	return nil
}

func newRosterImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load a roster YAML file into the database",
		Long: `Load a roster YAML file into the database. Each route in the file
replaces the stored stops and student assignments of that route. Routes with
an open trip are refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := roster.Load(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "invalid roster", err)
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			conn, err := openDB(cmd, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := roster.Import(cmd.Context(), conn, f); err != nil {
				return WrapExitError(ExitCommandError, "failed to import roster", err)
			}
			s := summarize(f)
			logger.Info("roster imported", "routes", s.Routes, "stops", s.Stops, "students", s.Students)
			return opts.printSummary(cmd, "Imported", s)
		},
	}
}

func newRosterValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a roster YAML file without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := roster.Load(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "invalid roster", err)
			}
			return opts.printSummary(cmd, "Valid:", summarize(f))
		},
	}
}
