package tracking

import (
	"context"
	"sort"

	"bustrack/internal/models"
	"bustrack/internal/store"
)

// project derives the trip's denormalized fields from its event logs. It is
// the reference for what the incremental writers maintain.
func project(fixes []models.LocationFix, events []models.StopEvent, scans []models.ScanEvent) store.Projection {
	var p store.Projection

	if ordered := orderFixes(fixes); len(ordered) > 0 {
		latest := ordered[len(ordered)-1]
		lat, lon := latest.Latitude, latest.Longitude
		at := latest.RecordedAt
		p.Latitude, p.Longitude = &lat, &lon
		p.Speed, p.Heading = latest.Speed, latest.Heading
		p.LastLocationUpdate = &at
	}

	for _, ev := range events {
		if ev.Type == models.StopArrived && ev.StopNumber > p.CurrentStopIndex {
			p.CurrentStopIndex = ev.StopNumber
		}
	}

	n := 0
	for _, sc := range scans {
		switch sc.Type {
		case models.ScanBoard:
			n++
		case models.ScanExit:
			if !sc.Anomaly {
				n--
			}
		}
	}
	p.StudentsOnBoard = clampOnBoard(n)
	return p
}

// orderFixes sorts fixes by recorded time, ties by ingestion order, so the
// last element is the one the position snapshot points at.
func orderFixes(fixes []models.LocationFix) []models.LocationFix {
	out := append([]models.LocationFix(nil), fixes...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// ReplayTrip recomputes the trip's position, current stop index and
// occupancy from its event logs and stores the result. Use it to repair a
// trip after manual data fixes; the logs themselves are never touched.
func (e *Engine) ReplayTrip(ctx context.Context, tripID string) (models.Trip, error) {
	var trip models.Trip
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		if trip, err = e.getTrip(ctx, q, tripID); err != nil {
			return err
		}
		fixes, err := q.ListFixes(ctx, tripID)
		if err != nil {
			return err
		}
		events, err := q.ListStopEvents(ctx, tripID)
		if err != nil {
			return err
		}
		scans, err := q.ListScans(ctx, tripID)
		if err != nil {
			return err
		}
		return q.SaveProjection(ctx, tripID, project(fixes, events, scans))
	})
	if err != nil {
		return models.Trip{}, err
	}
	trip, err = e.getTrip(ctx, e.store.Queries(), tripID)
	if err != nil {
		return models.Trip{}, err
	}
	e.logger.Info("trip replayed", "trip_id", trip.ID, "current_stop_index", trip.CurrentStopIndex, "students_on_board", trip.StudentsOnBoard)
	e.changed(trip, models.ChangeLifecycle)
	return trip, nil
}
