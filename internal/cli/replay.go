package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"bustrack/internal/models"
	"bustrack/internal/roster"
	"bustrack/internal/store"
	"bustrack/internal/tracking"
)

// ReplayResult is the rebuilt projection of one trip.
type ReplayResult struct {
	TripID           string            `json:"tripId"`
	Status           models.TripStatus `json:"status,omitempty"`
	CurrentStopIndex int               `json:"currentStopIndex"`
	StudentsOnBoard  int               `json:"studentsOnBoard"`
	Error            string            `json:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay TRIP_ID...",
		Short: "Rebuild trip position, stop index and occupancy from the event logs",
		Long: `Recompute each trip's current position, current stop index and students on
board from its fix, stop event and scan logs, and store the result. The logs
are never modified.

Exit codes:
  0 - All trips rebuilt
  1 - At least one trip could not be rebuilt
  2 - Command error`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd, args)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, cmd *cobra.Command, tripIDs []string) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	conn, err := openDB(cmd, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	engine := tracking.New(store.New(conn), roster.NewSQLRegistry(conn),
		tracking.WithLogger(logger),
		tracking.WithLocation(cfg.Location),
	)

	results := make([]ReplayResult, 0, len(tripIDs))
	failed := 0
	for _, id := range tripIDs {
		trip, err := engine.ReplayTrip(cmd.Context(), id)
		if err != nil {
			failed++
			results = append(results, ReplayResult{TripID: id, Error: err.Error()})
			continue
		}
		results = append(results, ReplayResult{
			TripID:           trip.ID,
			Status:           trip.Status,
			CurrentStopIndex: trip.CurrentStopIndex,
			StudentsOnBoard:  trip.StudentsOnBoard,
		})
	}

	if opts.Format == "json" {
		if err := writeJSON(cmd, results); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(out, "%s: %s\n", r.TripID, r.Error)
				continue
			}
			fmt.Fprintf(out, "%s: status=%s stop_index=%d on_board=%d\n", r.TripID, r.Status, r.CurrentStopIndex, r.StudentsOnBoard)
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d trips could not be rebuilt", failed, len(tripIDs)))
	}
	return nil
}
