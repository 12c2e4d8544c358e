package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bustrack/internal/models"
)

const tripColumns = `id, route_id, driver_id, service_date, trip_type, status,
    scheduled_start, actual_start, actual_end, current_stop_index, students_on_board,
    current_latitude, current_longitude, current_speed, current_heading,
    last_location_update, created_at`

// InsertTrip inserts t unless another open trip holds its
// (route, date, type) key. It reports whether the row was written.
func (q *Queries) InsertTrip(ctx context.Context, t models.Trip) (bool, error) {
	res, err := q.exec(ctx, `
INSERT INTO trips (id, route_id, driver_id, service_date, trip_type, status,
    scheduled_start, actual_start, current_stop_index, students_on_board, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		t.ID, t.RouteID, t.DriverID, t.ServiceDate, string(t.TripType), string(t.Status),
		utcPtr(t.ScheduledStart), utcPtr(t.ActualStart), t.CurrentStopIndex, t.StudentsOnBoard, utc(t.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	return n == 1, nil
}

func (q *Queries) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	var t models.Trip
	if err := q.get(ctx, &t, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, id); err != nil {
		return models.Trip{}, notFound(err, "trip "+id)
	}
	return t, nil
}

// FindOpenTrip returns the scheduled or in_progress trip for the key.
func (q *Queries) FindOpenTrip(ctx context.Context, routeID, serviceDate string, tripType models.TripType) (models.Trip, bool, error) {
	var trips []models.Trip
	err := q.sel(ctx, &trips, `SELECT `+tripColumns+` FROM trips
WHERE route_id = ? AND service_date = ? AND trip_type = ? AND status IN ('scheduled', 'in_progress')`,
		routeID, serviceDate, string(tripType))
	if err != nil {
		return models.Trip{}, false, fmt.Errorf("find open trip: %w", err)
	}
	if len(trips) == 0 {
		return models.Trip{}, false, nil
	}
	return trips[0], true, nil
}

// ListTripsByStatus returns trips in the given status ordered by creation.
func (q *Queries) ListTripsByStatus(ctx context.Context, status models.TripStatus) ([]models.Trip, error) {
	var trips []models.Trip
	if err := q.sel(ctx, &trips, `SELECT `+tripColumns+` FROM trips WHERE status = ? ORDER BY created_at, id`, string(status)); err != nil {
		return nil, fmt.Errorf("list %s trips: %w", status, err)
	}
	return trips, nil
}

// StartTrip moves a scheduled trip to in_progress. The status guard makes it
// a compare-and-set; it reports whether the row changed.
func (q *Queries) StartTrip(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `
UPDATE trips SET status = 'in_progress', driver_id = ?, actual_start = ?,
    current_stop_index = 0, students_on_board = 0
WHERE id = ? AND status = 'scheduled'`, driverID, utc(at), id)
	return affectedOne(res, err, "start trip "+id)
}

// SetTripStatus moves a trip from one status to another.
func (q *Queries) SetTripStatus(ctx context.Context, id string, from, to models.TripStatus, end *time.Time) (bool, error) {
	res, err := q.exec(ctx, `
UPDATE trips SET status = ?, actual_end = COALESCE(?, actual_end)
WHERE id = ? AND status = ?`, string(to), utcPtr(end), id, string(from))
	return affectedOne(res, err, "update trip "+id)
}

// UpdatePosition overwrites the trip's position snapshot.
func (q *Queries) UpdatePosition(ctx context.Context, id string, f models.LocationFix) error {
	_, err := q.exec(ctx, `
UPDATE trips SET current_latitude = ?, current_longitude = ?, current_speed = ?,
    current_heading = ?, last_location_update = ?
WHERE id = ?`, f.Latitude, f.Longitude, f.Speed, f.Heading, utc(f.RecordedAt), id)
	if err != nil {
		return fmt.Errorf("update position %s: %w", id, err)
	}
	return nil
}

// AdvanceStopIndex raises current_stop_index to idx; it never lowers it.
func (q *Queries) AdvanceStopIndex(ctx context.Context, id string, idx int) error {
	_, err := q.exec(ctx, `
UPDATE trips SET current_stop_index = ? WHERE id = ? AND current_stop_index < ?`, idx, id, idx)
	if err != nil {
		return fmt.Errorf("advance stop index %s: %w", id, err)
	}
	return nil
}

func (q *Queries) SetStudentsOnBoard(ctx context.Context, id string, n int) error {
	if _, err := q.exec(ctx, `UPDATE trips SET students_on_board = ? WHERE id = ?`, n, id); err != nil {
		return fmt.Errorf("update occupancy %s: %w", id, err)
	}
	return nil
}

// Projection is the set of trip fields derived from the event logs.
type Projection struct {
	CurrentStopIndex   int
	StudentsOnBoard    int
	Latitude           *float64
	Longitude          *float64
	Speed              *float64
	Heading            *float64
	LastLocationUpdate *time.Time
}

// SaveProjection overwrites every derived field of the trip.
func (q *Queries) SaveProjection(ctx context.Context, id string, p Projection) error {
	_, err := q.exec(ctx, `
UPDATE trips SET current_stop_index = ?, students_on_board = ?,
    current_latitude = ?, current_longitude = ?, current_speed = ?, current_heading = ?,
    last_location_update = ?
WHERE id = ?`, p.CurrentStopIndex, p.StudentsOnBoard, p.Latitude, p.Longitude, p.Speed, p.Heading,
		utcPtr(p.LastLocationUpdate), id)
	if err != nil {
		return fmt.Errorf("save projection %s: %w", id, err)
	}
	return nil
}

func affectedOne(res sql.Result, err error, what string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	return n == 1, nil
}
