package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound  = errors.New("route not found")
	ErrRouteBusy = errors.New("route has a trip in progress")
)

// Registry is the read side of routes, stops and student assignments. It is
// owned by an external collaborator; the engine never writes to it.
type Registry interface {
	Route(ctx context.Context, routeID string) (Route, error)
	Roster(ctx context.Context, routeID, direction string) ([]Assignment, error)
}

// SQLRegistry reads the registry tables populated by Import.
type SQLRegistry struct {
	db *sqlx.DB
}

func NewSQLRegistry(db *sqlx.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

func (r *SQLRegistry) Route(ctx context.Context, routeID string) (Route, error) {
	var route Route
	err := r.db.GetContext(ctx, &route, r.db.Rebind(`SELECT id, name FROM routes WHERE id = ?`), routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, fmt.Errorf("query route %s: %w", routeID, err)
	}
	err = r.db.SelectContext(ctx, &route.Stops, r.db.Rebind(`
SELECT id, route_id, stop_number, name, scheduled_time, latitude, longitude
FROM stops WHERE route_id = ? ORDER BY stop_number`), routeID)
	if err != nil {
		return Route{}, fmt.Errorf("query stops for route %s: %w", routeID, err)
	}
	return route, nil
}

func (r *SQLRegistry) Roster(ctx context.Context, routeID, direction string) ([]Assignment, error) {
	var out []Assignment
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
SELECT route_id, direction, student_id, stop_id
FROM route_students WHERE route_id = ? AND direction = ? ORDER BY student_id`), routeID, direction)
	if err != nil {
		return nil, fmt.Errorf("query roster for route %s: %w", routeID, err)
	}
	return out, nil
}

// Import upserts every route of f with its stops and replaces its student
// assignments. A route with a trip in progress is left alone and reported as
// ErrRouteBusy, since stops must not change under a running trip.
func Import(ctx context.Context, db *sqlx.DB, f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rf := range f.Routes {
		var busy int
		if err := tx.GetContext(ctx, &busy, tx.Rebind(`SELECT COUNT(*) FROM trips WHERE route_id = ? AND status = 'in_progress'`), rf.ID); err != nil {
			return fmt.Errorf("check route %s: %w", rf.ID, err)
		}
		if busy > 0 {
			return fmt.Errorf("import route %s: %w", rf.ID, ErrRouteBusy)
		}
		if err := importRoute(ctx, tx, rf); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func importRoute(ctx context.Context, tx *sqlx.Tx, rf RouteFile) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO routes (id, name) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name`), rf.ID, rf.Name); err != nil {
		return fmt.Errorf("upsert route %s: %w", rf.ID, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM route_students WHERE route_id = ?`), rf.ID); err != nil {
		return fmt.Errorf("clear roster %s: %w", rf.ID, err)
	}

	// Drop stops that left the route, then park the remaining ones on
	// negative numbers so renumbering never trips the (route, number) key.
	keep := make([]string, 0, len(rf.Stops))
	for _, s := range rf.Stops {
		keep = append(keep, s.ID)
	}
	q, args, err := sqlx.In(`DELETE FROM stops WHERE route_id = ? AND id NOT IN (?)`, rf.ID, keep)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
		return fmt.Errorf("prune stops %s: %w", rf.ID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE stops SET stop_number = -1 - stop_number WHERE route_id = ?`), rf.ID); err != nil {
		return fmt.Errorf("renumber stops %s: %w", rf.ID, err)
	}

	stops := append([]Stop(nil), rf.Stops...)
	sort.Slice(stops, func(i, j int) bool { return stops[i].Number < stops[j].Number })
	for _, s := range stops {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO stops (id, route_id, stop_number, name, scheduled_time, latitude, longitude)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    route_id = excluded.route_id,
    stop_number = excluded.stop_number,
    name = excluded.name,
    scheduled_time = excluded.scheduled_time,
    latitude = excluded.latitude,
    longitude = excluded.longitude`),
			s.ID, rf.ID, s.Number, s.Name, s.ScheduledTime, s.Lat, s.Lon); err != nil {
			return fmt.Errorf("upsert stop %s: %w", s.ID, err)
		}
	}

	for _, a := range rf.Students {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO route_students (route_id, direction, student_id, stop_id) VALUES (?, ?, ?, ?)`),
			rf.ID, a.Direction, a.StudentID, a.StopID); err != nil {
			return fmt.Errorf("insert assignment %s/%s: %w", rf.ID, a.StudentID, err)
		}
	}
	return nil
}
