package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bustrack/internal/config"
	"bustrack/internal/models"
	"bustrack/internal/roster"
	"bustrack/internal/sim"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	APIURL      string
	Routes      []string
	Drivers     []string
	Key         string
	TripType    string
	ServiceDate string
	RosterFile  string
	Speed       float64
	Tick        time.Duration
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive simulated buses against a running API",
		Long: `Drive one simulated bus per route through the device API: start the trip,
report positions along the stops, record arrivals, departures and student
scans, and end the trip at the last stop.

Routes come from --roster when given, otherwise from the configured database.
Device keys default to DEVICE_KEYS.

Examples:
  bustrack simulate --route R1 --driver D1 --speed 20
  bustrack simulate --roster roster.yaml --route R1 --route R2 --type afternoon`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.APIURL, "api", "http://localhost:8080", "base URL of the tracking API")
	cmd.Flags().StringSliceVar(&opts.Routes, "route", nil, "route id to drive (repeatable)")
	_ = cmd.MarkFlagRequired("route")
	cmd.Flags().StringSliceVar(&opts.Drivers, "driver", nil, "driver id per route, in --route order (default sim-<route>)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "device key for every driver (default from DEVICE_KEYS)")
	cmd.Flags().StringVar(&opts.TripType, "type", "morning", "trip type (morning|afternoon)")
	cmd.Flags().StringVar(&opts.ServiceDate, "date", "", "service date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&opts.RosterFile, "roster", "", "read routes from this roster file instead of the database")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 10, "simulated seconds per real second")
	cmd.Flags().DurationVar(&opts.Tick, "tick", time.Second, "wall-clock interval between position updates")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	tripType := models.TripType(opts.TripType)
	if !tripType.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid trip type %q", opts.TripType))
	}

	logger := opts.logger(cmd, nil)
	plans, err := opts.plans(cmd, tripType)
	if err != nil {
		return err
	}

	keys, err := config.ParseDeviceKeys(os.Getenv("DEVICE_KEYS"))
	if err != nil {
		return WrapExitError(ExitConfigError, "invalid DEVICE_KEYS", err)
	}
	mgr := sim.NewManager(func(driverID string) sim.Device {
		key := opts.Key
		if key == "" {
			key = keys[driverID]
		}
		return sim.NewHTTPDevice(opts.APIURL, driverID, key, 10*time.Second)
	}, sim.Options{Tick: opts.Tick, Speed: opts.Speed, Logger: logger})

	for _, p := range plans {
		mgr.Start(ctx, p)
	}

	done := make(chan []sim.Result, 1)
	go func() { done <- mgr.Wait() }()
	var results []sim.Result
	select {
	case results = <-done:
	case <-ctx.Done():
		mgr.Stop()
		results = <-done
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, r := range results {
		switch {
		case r.Err == nil:
			fmt.Fprintf(out, "%s: trip %s completed\n", r.RouteID, r.TripID)
		case errors.Is(r.Err, context.Canceled):
			fmt.Fprintf(out, "%s: trip %s interrupted\n", r.RouteID, r.TripID)
		default:
			failed++
			fmt.Fprintf(out, "%s: %v\n", r.RouteID, r.Err)
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d simulated trips failed", failed, len(results)))
	}
	return nil
}

// plans builds one plan per requested route.
func (o *SimulateOptions) plans(cmd *cobra.Command, tripType models.TripType) ([]*sim.Plan, error) {
	lookup, closeFn, err := o.routeSource(cmd)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	plans := make([]*sim.Plan, 0, len(o.Routes))
	for i, routeID := range o.Routes {
		route, students, err := lookup(cmd.Context(), routeID, string(tripType))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("route %s", routeID), err)
		}
		driver := "sim-" + routeID
		if i < len(o.Drivers) && o.Drivers[i] != "" {
			driver = o.Drivers[i]
		}
		p, err := sim.NewPlan(route, students, tripType, driver, o.ServiceDate)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("route %s", routeID), err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

type routeLookup func(ctx context.Context, routeID, direction string) (roster.Route, []roster.Assignment, error)

func (o *SimulateOptions) routeSource(cmd *cobra.Command) (routeLookup, func(), error) {
	if o.RosterFile != "" {
		f, err := roster.Load(o.RosterFile)
		if err != nil {
			return nil, nil, WrapExitError(ExitFailure, "invalid roster", err)
		}
		return func(_ context.Context, routeID, direction string) (roster.Route, []roster.Assignment, error) {
			for _, rf := range f.Routes {
				if rf.ID != routeID {
					continue
				}
				var students []roster.Assignment
				for _, a := range rf.Students {
					if a.Direction == direction {
						students = append(students, a)
					}
				}
				return rf.Route, students, nil
			}
			return roster.Route{}, nil, fmt.Errorf("not in %s", o.RosterFile)
		}, func() {}, nil
	}

	cfg, _, err := o.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	conn, err := openDB(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	reg := roster.NewSQLRegistry(conn)
	return func(ctx context.Context, routeID, direction string) (roster.Route, []roster.Assignment, error) {
		route, err := reg.Route(ctx, routeID)
		if err != nil {
			return roster.Route{}, nil, err
		}
		students, err := reg.Roster(ctx, routeID, direction)
		return route, students, err
	}, func() { _ = conn.Close() }, nil
}
