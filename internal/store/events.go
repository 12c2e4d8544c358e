package store

import (
	"context"
	"fmt"
	"time"

	"bustrack/internal/models"
)

// AppendFix appends a fix to the trip's location history.
func (q *Queries) AppendFix(ctx context.Context, f models.LocationFix) (int64, error) {
	seq, err := q.insertReturningSeq(ctx, `
INSERT INTO location_fixes (trip_id, latitude, longitude, speed, heading, accuracy,
    recorded_at, client_time, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING seq`,
		f.TripID, f.Latitude, f.Longitude, f.Speed, f.Heading, f.Accuracy,
		utc(f.RecordedAt), utcPtr(f.ClientTime), utc(f.ReceivedAt))
	if err != nil {
		return 0, fmt.Errorf("append fix for trip %s: %w", f.TripID, err)
	}
	return seq, nil
}

// ListFixes returns the trip's fixes in ingestion order.
func (q *Queries) ListFixes(ctx context.Context, tripID string) ([]models.LocationFix, error) {
	var out []models.LocationFix
	if err := q.sel(ctx, &out, `
SELECT seq, trip_id, latitude, longitude, speed, heading, accuracy, recorded_at, client_time, received_at
FROM location_fixes WHERE trip_id = ? ORDER BY seq`, tripID); err != nil {
		return nil, fmt.Errorf("list fixes for trip %s: %w", tripID, err)
	}
	return out, nil
}

const stopEventColumns = `seq, trip_id, stop_id, stop_number, event_type, scheduled_time, actual_time,
    students_boarded, students_exited, synthetic`

// AppendStopEvent appends e. The partial unique indexes reject a second
// arrival or a second terminal event for the same stop; in that case ok is
// false and nothing is written.
func (q *Queries) AppendStopEvent(ctx context.Context, e models.StopEvent) (seq int64, ok bool, err error) {
	var seqs []int64
	err = q.sel(ctx, &seqs, `
INSERT INTO stop_events (trip_id, stop_id, stop_number, event_type, scheduled_time, actual_time,
    students_boarded, students_exited, synthetic)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING
RETURNING seq`,
		e.TripID, e.StopID, e.StopNumber, string(e.Type), utcPtr(e.ScheduledTime), utc(e.ActualTime),
		e.StudentsBoarded, e.StudentsExited, e.Synthetic)
	if err != nil {
		return 0, false, fmt.Errorf("append %s event for stop %s: %w", e.Type, e.StopID, err)
	}
	if len(seqs) == 0 {
		return 0, false, nil
	}
	return seqs[0], true, nil
}

// StopEventsForStop returns the events recorded for one stop of a trip.
func (q *Queries) StopEventsForStop(ctx context.Context, tripID, stopID string) ([]models.StopEvent, error) {
	var out []models.StopEvent
	if err := q.sel(ctx, &out, `SELECT `+stopEventColumns+` FROM stop_events
WHERE trip_id = ? AND stop_id = ? ORDER BY seq`, tripID, stopID); err != nil {
		return nil, fmt.Errorf("list stop events for %s/%s: %w", tripID, stopID, err)
	}
	return out, nil
}

func (q *Queries) ListStopEvents(ctx context.Context, tripID string) ([]models.StopEvent, error) {
	var out []models.StopEvent
	if err := q.sel(ctx, &out, `SELECT `+stopEventColumns+` FROM stop_events
WHERE trip_id = ? ORDER BY seq`, tripID); err != nil {
		return nil, fmt.Errorf("list stop events for trip %s: %w", tripID, err)
	}
	return out, nil
}

const scanColumns = `seq, trip_id, student_id, stop_id, scan_type, scanned_at, anomaly`

// LastScan returns the student's most recent scan on the trip.
func (q *Queries) LastScan(ctx context.Context, tripID, studentID string) (models.ScanEvent, bool, error) {
	var out []models.ScanEvent
	if err := q.sel(ctx, &out, `SELECT `+scanColumns+` FROM scan_events
WHERE trip_id = ? AND student_id = ? ORDER BY seq DESC LIMIT 1`, tripID, studentID); err != nil {
		return models.ScanEvent{}, false, fmt.Errorf("last scan for %s/%s: %w", tripID, studentID, err)
	}
	if len(out) == 0 {
		return models.ScanEvent{}, false, nil
	}
	return out[0], true, nil
}

func (q *Queries) AppendScan(ctx context.Context, s models.ScanEvent) (int64, error) {
	seq, err := q.insertReturningSeq(ctx, `
INSERT INTO scan_events (trip_id, student_id, stop_id, scan_type, scanned_at, anomaly)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING seq`, s.TripID, s.StudentID, s.StopID, string(s.Type), utc(s.ScannedAt), s.Anomaly)
	if err != nil {
		return 0, fmt.Errorf("append scan for %s/%s: %w", s.TripID, s.StudentID, err)
	}
	return seq, nil
}

// CountOnBoard computes boards minus non-anomalous exits from the scan log.
// The result may be negative; callers clamp.
func (q *Queries) CountOnBoard(ctx context.Context, tripID string) (int, error) {
	var n int
	err := q.get(ctx, &n, `
SELECT COALESCE(SUM(CASE WHEN scan_type = 'board' THEN 1 WHEN anomaly THEN 0 ELSE -1 END), 0)
FROM scan_events WHERE trip_id = ?`, tripID)
	if err != nil {
		return 0, fmt.Errorf("count on board for trip %s: %w", tripID, err)
	}
	return n, nil
}

func (q *Queries) ListScans(ctx context.Context, tripID string) ([]models.ScanEvent, error) {
	var out []models.ScanEvent
	if err := q.sel(ctx, &out, `SELECT `+scanColumns+` FROM scan_events
WHERE trip_id = ? ORDER BY seq`, tripID); err != nil {
		return nil, fmt.Errorf("list scans for trip %s: %w", tripID, err)
	}
	return out, nil
}

func (q *Queries) ListAnomalies(ctx context.Context, tripID string) ([]models.ScanEvent, error) {
	var out []models.ScanEvent
	if err := q.sel(ctx, &out, `SELECT `+scanColumns+` FROM scan_events
WHERE trip_id = ? AND anomaly ORDER BY seq`, tripID); err != nil {
		return nil, fmt.Errorf("list anomalies for trip %s: %w", tripID, err)
	}
	return out, nil
}

const alertColumns = `id, trip_id, route_id, alert_type, severity, title, message, resolved,
    resolved_at, resolution_notes, created_at`

func (q *Queries) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := q.exec(ctx, `
INSERT INTO alerts (id, trip_id, route_id, alert_type, severity, title, message, resolved, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TripID, a.RouteID, a.Type, string(a.Severity), a.Title, a.Message, a.Resolved, utc(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (q *Queries) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	var a models.Alert
	if err := q.get(ctx, &a, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id); err != nil {
		return models.Alert{}, notFound(err, "alert "+id)
	}
	return a, nil
}

// ResolveAlert marks an open alert resolved. It reports false when the alert
// was already resolved.
func (q *Queries) ResolveAlert(ctx context.Context, id string, at time.Time, notes *string) (bool, error) {
	res, err := q.exec(ctx, `
UPDATE alerts SET resolved = TRUE, resolved_at = ?, resolution_notes = ?
WHERE id = ? AND NOT resolved`, utc(at), notes, id)
	return affectedOne(res, err, "resolve alert "+id)
}

// ListAlerts returns the trip's alerts, optionally only unresolved ones,
// oldest first.
func (q *Queries) ListAlerts(ctx context.Context, tripID string, openOnly bool) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE trip_id = ?`
	if openOnly {
		query += ` AND NOT resolved`
	}
	query += ` ORDER BY created_at, id`
	var out []models.Alert
	if err := q.sel(ctx, &out, query, tripID); err != nil {
		return nil, fmt.Errorf("list alerts for trip %s: %w", tripID, err)
	}
	return out, nil
}
