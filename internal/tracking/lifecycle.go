package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bustrack/internal/models"
	"bustrack/internal/roster"
	"bustrack/internal/store"
)

// NewTrip describes a trip to schedule ahead of its start.
type NewTrip struct {
	RouteID        string
	DriverID       string
	TripType       models.TripType
	ServiceDate    string
	ScheduledStart *time.Time
}

// StartTrip is the device's request to begin a trip.
type StartTrip struct {
	RouteID     string
	DriverID    string
	TripType    models.TripType
	ServiceDate string // defaults to today in the engine's zone
}

// ScheduleTrip creates a trip in the scheduled state. It fails with
// CodeActiveTripExists when the route already has an open trip of that type
// on that date.
func (e *Engine) ScheduleTrip(ctx context.Context, in NewTrip) (models.Trip, error) {
	date, err := e.normalizeKey(in.RouteID, in.TripType, in.ServiceDate)
	if err != nil {
		return models.Trip{}, err
	}
	route, err := e.route(ctx, in.RouteID)
	if err != nil {
		return models.Trip{}, err
	}
	start := in.ScheduledStart
	if start == nil {
		if start, err = firstScheduled(route, date, e.location); err != nil {
			return models.Trip{}, err
		}
	}

	now := e.now()
	trip := models.Trip{
		ID:             e.newID(),
		RouteID:        route.ID,
		DriverID:       in.DriverID,
		ServiceDate:    date,
		TripType:       in.TripType,
		Status:         models.TripScheduled,
		ScheduledStart: start,
		CreatedAt:      now,
	}

	e.lifecycleMu.Lock()
	err = e.insertOpenTrip(ctx, trip)
	e.lifecycleMu.Unlock()
	if err != nil {
		return models.Trip{}, err
	}

	if e.metrics != nil {
		e.metrics.TripsScheduled.Inc()
	}
	e.logger.Info("trip scheduled", "trip_id", trip.ID, "route_id", trip.RouteID, "service_date", date, "trip_type", trip.TripType)
	e.changed(trip, models.ChangeLifecycle)
	return e.getTrip(ctx, e.store.Queries(), trip.ID)
}

// StartTrip begins a trip. A scheduled trip for the key is promoted; an
// in-progress one fails with CodeActiveTripExists and nothing is created.
// On success the trip is in_progress with zeroed progress and occupancy.
func (e *Engine) StartTrip(ctx context.Context, in StartTrip) (models.Trip, error) {
	if asserted, ok := DriverFromContext(ctx); ok {
		if in.DriverID == "" {
			in.DriverID = asserted
		} else if in.DriverID != asserted {
			return models.Trip{}, &Error{Code: CodeForbidden, Message: fmt.Sprintf("device is bound to driver %s, not %s", asserted, in.DriverID)}
		}
	}
	if strings.TrimSpace(in.DriverID) == "" {
		return models.Trip{}, errInvalid("driver id is required")
	}
	if in.ServiceDate == "" {
		in.ServiceDate = e.clock.Now().In(e.location).Format("2006-01-02")
	}
	date, err := e.normalizeKey(in.RouteID, in.TripType, in.ServiceDate)
	if err != nil {
		return models.Trip{}, err
	}
	route, err := e.route(ctx, in.RouteID)
	if err != nil {
		return models.Trip{}, err
	}
	scheduled, err := firstScheduled(route, date, e.location)
	if err != nil {
		return models.Trip{}, err
	}

	e.lifecycleMu.Lock()
	tripID, err := e.startLocked(ctx, route, date, in, scheduled)
	e.lifecycleMu.Unlock()
	if err != nil {
		return models.Trip{}, err
	}

	trip, err := e.getTrip(ctx, e.store.Queries(), tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if e.metrics != nil {
		e.metrics.TripsStarted.Inc()
	}
	e.refreshActiveGauge(ctx)
	e.logger.Info("trip started", "trip_id", trip.ID, "route_id", trip.RouteID, "driver_id", trip.DriverID, "trip_type", trip.TripType)
	e.publishFeed(ctx, models.FeedItem{
		Kind:    models.FeedTripStarted,
		TripID:  trip.ID,
		RouteID: trip.RouteID,
		Message: fmt.Sprintf("%s trip on route %s started", trip.TripType, route.Name),
		At:      e.now(),
	})
	e.changed(trip, models.ChangeLifecycle)
	return trip, nil
}

func (e *Engine) startLocked(ctx context.Context, route roster.Route, date string, in StartTrip, scheduled *time.Time) (string, error) {
	q := e.store.Queries()
	now := e.now()

	existing, ok, err := q.FindOpenTrip(ctx, route.ID, date, in.TripType)
	if err != nil {
		return "", err
	}
	if ok {
		if existing.Status != models.TripScheduled {
			return "", errActiveTripExists(existing)
		}
		if existing.DriverID != "" && existing.DriverID != in.DriverID {
			return "", errForbidden(existing.ID, in.DriverID)
		}
		started, err := q.StartTrip(ctx, existing.ID, in.DriverID, now)
		if err != nil {
			return "", err
		}
		if !started {
			return "", e.conflict(ctx, route.ID, date, in.TripType)
		}
		return existing.ID, nil
	}

	trip := models.Trip{
		ID:             e.newID(),
		RouteID:        route.ID,
		DriverID:       in.DriverID,
		ServiceDate:    date,
		TripType:       in.TripType,
		Status:         models.TripInProgress,
		ScheduledStart: scheduled,
		ActualStart:    &now,
		CreatedAt:      now,
	}
	if err := e.insertOpenTrip(ctx, trip); err != nil {
		return "", err
	}
	return trip.ID, nil
}

// insertOpenTrip inserts a scheduled or in-progress trip. The caller holds
// lifecycleMu; the partial unique index covers writers in other processes.
func (e *Engine) insertOpenTrip(ctx context.Context, trip models.Trip) error {
	q := e.store.Queries()
	existing, ok, err := q.FindOpenTrip(ctx, trip.RouteID, trip.ServiceDate, trip.TripType)
	if err != nil {
		return err
	}
	if ok {
		return errActiveTripExists(existing)
	}
	inserted, err := q.InsertTrip(ctx, trip)
	if err != nil {
		return err
	}
	if !inserted {
		return e.conflict(ctx, trip.RouteID, trip.ServiceDate, trip.TripType)
	}
	return nil
}

// conflict builds the error for a check-and-set lost to another writer.
func (e *Engine) conflict(ctx context.Context, routeID, date string, tripType models.TripType) error {
	existing, ok, err := e.store.Queries().FindOpenTrip(ctx, routeID, date, tripType)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Code: CodeActiveTripExists, Message: fmt.Sprintf("route %s changed concurrently", routeID)}
	}
	return errActiveTripExists(existing)
}

// EndTrip completes an in-progress trip. Every stop that never saw an
// arrival or a terminal event gets a synthetic skip in the same transaction
// that marks the trip completed.
func (e *Engine) EndTrip(ctx context.Context, tripID string) (models.Trip, error) {
	trip, err := e.getTrip(ctx, e.store.Queries(), tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := checkWriter(ctx, trip); err != nil {
		return models.Trip{}, err
	}
	if trip.Status != models.TripInProgress {
		return models.Trip{}, &Error{Code: CodeNotInProgress, Message: fmt.Sprintf("trip %s is %s", trip.ID, trip.Status), TripID: trip.ID}
	}
	route, err := e.route(ctx, trip.RouteID)
	if err != nil {
		return models.Trip{}, err
	}

	now := e.now()
	var skipped int
	err = e.store.InTx(ctx, func(q *store.Queries) error {
		events, err := q.ListStopEvents(ctx, trip.ID)
		if err != nil {
			return err
		}
		touched := make(map[string]bool, len(events))
		for _, ev := range events {
			touched[ev.StopID] = true
		}
		for _, stop := range route.Stops {
			if touched[stop.ID] {
				continue
			}
			sched, err := stop.ScheduledAt(trip.ServiceDate, e.location)
			if err != nil {
				return err
			}
			if _, _, err := q.AppendStopEvent(ctx, models.StopEvent{
				TripID:        trip.ID,
				StopID:        stop.ID,
				StopNumber:    stop.Number,
				Type:          models.StopSkipped,
				ScheduledTime: sched,
				ActualTime:    now,
				Synthetic:     true,
			}); err != nil {
				return err
			}
			skipped++
		}
		ok, err := q.SetTripStatus(ctx, trip.ID, models.TripInProgress, models.TripCompleted, &now)
		if err != nil {
			return err
		}
		if !ok {
			return &Error{Code: CodeNotInProgress, Message: fmt.Sprintf("trip %s is no longer in progress", trip.ID), TripID: trip.ID}
		}
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}

	trip, err = e.getTrip(ctx, e.store.Queries(), trip.ID)
	if err != nil {
		return models.Trip{}, err
	}
	if e.metrics != nil {
		e.metrics.TripsCompleted.Inc()
		e.metrics.StopEvents.WithLabelValues(string(models.StopSkipped)).Add(float64(skipped))
	}
	e.refreshActiveGauge(ctx)
	e.logger.Info("trip completed", "trip_id", trip.ID, "route_id", trip.RouteID, "synthetic_skips", skipped)
	e.publishFeed(ctx, models.FeedItem{
		Kind:    models.FeedTripCompleted,
		TripID:  trip.ID,
		RouteID: trip.RouteID,
		Message: fmt.Sprintf("%s trip on route %s completed", trip.TripType, route.Name),
		At:      now,
	})
	e.changed(trip, models.ChangeLifecycle)
	return trip, nil
}

// CancelTrip cancels a trip that has not started.
func (e *Engine) CancelTrip(ctx context.Context, tripID string) (models.Trip, error) {
	q := e.store.Queries()
	trip, err := e.getTrip(ctx, q, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := checkWriter(ctx, trip); err != nil {
		return models.Trip{}, err
	}
	invalid := &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot cancel a %s trip", trip.Status), TripID: trip.ID}
	if trip.Status != models.TripScheduled {
		return models.Trip{}, invalid
	}
	ok, err := q.SetTripStatus(ctx, trip.ID, models.TripScheduled, models.TripCancelled, nil)
	if err != nil {
		return models.Trip{}, err
	}
	if !ok {
		return models.Trip{}, invalid
	}
	if e.metrics != nil {
		e.metrics.TripsCancelled.Inc()
	}
	trip.Status = models.TripCancelled
	e.logger.Info("trip cancelled", "trip_id", trip.ID, "route_id", trip.RouteID)
	e.changed(trip, models.ChangeLifecycle)
	return trip, nil
}

// GetTrip returns the stored trip row.
func (e *Engine) GetTrip(ctx context.Context, tripID string) (models.Trip, error) {
	return e.getTrip(ctx, e.store.Reads(), tripID)
}

// ActiveTrips lists trips currently in progress.
func (e *Engine) ActiveTrips(ctx context.Context) ([]models.Trip, error) {
	return e.store.Reads().ListTripsByStatus(ctx, models.TripInProgress)
}

func (e *Engine) normalizeKey(routeID string, tripType models.TripType, date string) (string, error) {
	if strings.TrimSpace(routeID) == "" {
		return "", errInvalid("route id is required")
	}
	if !tripType.Valid() {
		return "", errInvalid("trip type must be morning or afternoon, got %q", tripType)
	}
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", errInvalid("service date must be YYYY-MM-DD, got %q", date)
	}
	return d.Format("2006-01-02"), nil
}

func firstScheduled(route roster.Route, date string, loc *time.Location) (*time.Time, error) {
	for _, s := range route.Stops {
		t, err := s.ScheduledAt(date, loc)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}
