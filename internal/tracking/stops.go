package tracking

import (
	"context"
	"fmt"
	"math"

	"bustrack/internal/models"
	"bustrack/internal/roster"
	"bustrack/internal/store"
)

// RecordArrival records the bus arriving at a stop and advances the trip's
// current stop index. A repeated arrival fails with CodeAlreadyArrived and
// carries the stored event; callers treat it as success.
func (e *Engine) RecordArrival(ctx context.Context, tripID, stopID string) (models.StopEvent, error) {
	return e.recordStopEvent(ctx, tripID, stopID, models.StopArrived, 0, 0)
}

// RecordDeparture closes a stop that was arrived at.
func (e *Engine) RecordDeparture(ctx context.Context, tripID, stopID string, boarded, exited int) (models.StopEvent, error) {
	if boarded < 0 || exited < 0 {
		return models.StopEvent{}, errInvalid("boarded and exited counts must be non-negative")
	}
	return e.recordStopEvent(ctx, tripID, stopID, models.StopDeparted, boarded, exited)
}

// RecordSkip closes a stop the bus passed without arriving.
func (e *Engine) RecordSkip(ctx context.Context, tripID, stopID string) (models.StopEvent, error) {
	return e.recordStopEvent(ctx, tripID, stopID, models.StopSkipped, 0, 0)
}

func (e *Engine) recordStopEvent(ctx context.Context, tripID, stopID string, typ models.StopEventType, boarded, exited int) (models.StopEvent, error) {
	trip, err := e.activeTrip(ctx, e.store.Queries(), tripID)
	if err != nil {
		return models.StopEvent{}, err
	}
	route, err := e.route(ctx, trip.RouteID)
	if err != nil {
		return models.StopEvent{}, err
	}
	stop, ok := route.Stop(stopID)
	if !ok {
		return models.StopEvent{}, &Error{Code: CodeNotFound, Message: fmt.Sprintf("stop %s is not on route %s", stopID, route.ID), TripID: tripID, StopID: stopID}
	}
	sched, err := stop.ScheduledAt(trip.ServiceDate, e.location)
	if err != nil {
		return models.StopEvent{}, err
	}

	ev := models.StopEvent{
		TripID:          trip.ID,
		StopID:          stop.ID,
		StopNumber:      stop.Number,
		Type:            typ,
		ScheduledTime:   sched,
		ActualTime:      e.now(),
		StudentsBoarded: boarded,
		StudentsExited:  exited,
	}
	err = e.store.InTx(ctx, func(q *store.Queries) error {
		if _, err := e.activeTrip(ctx, q, tripID); err != nil {
			return err
		}
		existing, err := q.StopEventsForStop(ctx, trip.ID, stop.ID)
		if err != nil {
			return err
		}
		if err := checkStopTransition(trip.ID, stop.ID, typ, existing); err != nil {
			return err
		}
		seq, ok, err := q.AppendStopEvent(ctx, ev)
		if err != nil {
			return err
		}
		if !ok {
			// Lost a race with a concurrent write for the same stop.
			existing, err := q.StopEventsForStop(ctx, trip.ID, stop.ID)
			if err != nil {
				return err
			}
			if err := checkStopTransition(trip.ID, stop.ID, typ, existing); err != nil {
				return err
			}
			return fmt.Errorf("stop event for %s/%s rejected by store", trip.ID, stop.ID)
		}
		ev.Seq = seq
		if typ == models.StopArrived {
			return q.AdvanceStopIndex(ctx, trip.ID, stop.Number)
		}
		return nil
	})
	if err != nil {
		return models.StopEvent{}, err
	}

	if e.metrics != nil {
		e.metrics.StopEvents.WithLabelValues(string(typ)).Inc()
	}
	e.logger.Info("stop event", "trip_id", trip.ID, "stop_id", stop.ID, "stop_number", stop.Number, "type", typ)
	if typ == models.StopArrived {
		e.checkDelay(ctx, trip, stop, ev)
	}
	e.changed(trip, models.ChangeStop)
	return ev, nil
}

// checkStopTransition enforces per-stop exclusivity: at most one arrival,
// at most one terminal event, nothing after a terminal event, and a
// departure only after an arrival.
func checkStopTransition(tripID, stopID string, typ models.StopEventType, existing []models.StopEvent) error {
	var arrival, terminal *models.StopEvent
	for i := range existing {
		ev := &existing[i]
		switch ev.Type {
		case models.StopArrived:
			arrival = ev
		case models.StopDeparted, models.StopSkipped:
			terminal = ev
		}
	}
	if terminal != nil {
		return &Error{
			Code:    CodeAlreadyTerminal,
			Message: fmt.Sprintf("stop %s already %s", stopID, terminal.Type),
			TripID:  tripID,
			StopID:  stopID,
		}
	}
	switch typ {
	case models.StopArrived, models.StopSkipped:
		if arrival != nil {
			msg := fmt.Sprintf("stop %s already arrived", stopID)
			if typ == models.StopSkipped {
				msg += "; record a departure instead"
			}
			return &Error{Code: CodeAlreadyArrived, Message: msg, TripID: tripID, StopID: stopID, Existing: arrival}
		}
	case models.StopDeparted:
		if arrival == nil {
			return &Error{Code: CodeNotArrived, Message: fmt.Sprintf("stop %s has no arrival", stopID), TripID: tripID, StopID: stopID}
		}
	}
	return nil
}

func (e *Engine) checkDelay(ctx context.Context, trip models.Trip, stop roster.Stop, ev models.StopEvent) {
	if ev.ScheduledTime == nil {
		return
	}
	late := ev.ActualTime.Sub(*ev.ScheduledTime)
	if late <= e.delayThreshold {
		return
	}
	minutes := int(math.Round(late.Minutes()))
	e.logger.Info("trip running late", "trip_id", trip.ID, "stop_id", stop.ID, "delay_minutes", minutes)
	e.publishFeed(ctx, models.FeedItem{
		Kind:         models.FeedTripDelayed,
		TripID:       trip.ID,
		RouteID:      trip.RouteID,
		StopID:       stop.ID,
		DelayMinutes: minutes,
		Message:      fmt.Sprintf("bus is running about %d min late at %s", minutes, stop.Name),
		At:           ev.ActualTime,
	})
}
