package tracking

import (
	"context"
	"errors"
	"strings"

	"bustrack/internal/models"
	"bustrack/internal/store"
)

// NewAlert is a driver-raised incident.
type NewAlert struct {
	TripID   *string
	RouteID  *string
	Type     string
	Severity models.Severity
	Title    string
	Message  *string
}

// ClassifySeverity picks a severity for alerts submitted without one.
func ClassifySeverity(alertType string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(alertType)) {
	case "emergency", "accident", "medical", "sos":
		return models.SeverityCritical
	case "breakdown", "delay", "traffic", "weather", "route_change":
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// RaiseAlert persists an alert and hands it to the notifier. A notifier
// failure is logged and counted; the alert stays persisted.
func (e *Engine) RaiseAlert(ctx context.Context, in NewAlert) (models.Alert, error) {
	in.Type = strings.TrimSpace(in.Type)
	in.Title = strings.TrimSpace(in.Title)
	if in.Type == "" {
		return models.Alert{}, errInvalid("alert type is required")
	}
	if in.Title == "" {
		return models.Alert{}, errInvalid("alert title is required")
	}
	if in.Severity == "" {
		in.Severity = ClassifySeverity(in.Type)
	} else if !in.Severity.Valid() {
		return models.Alert{}, errInvalid("severity must be info, warning or critical, got %q", in.Severity)
	}
	if in.TripID != nil && *in.TripID == "" {
		in.TripID = nil
	}

	alert := models.Alert{
		ID:        e.newID(),
		TripID:    in.TripID,
		RouteID:   in.RouteID,
		Type:      in.Type,
		Severity:  in.Severity,
		Title:     in.Title,
		Message:   in.Message,
		CreatedAt: e.now(),
	}
	var trip models.Trip
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		if alert.TripID != nil {
			var err error
			trip, err = e.activeTrip(ctx, q, *alert.TripID)
			if err != nil {
				return err
			}
			if alert.RouteID == nil {
				routeID := trip.RouteID
				alert.RouteID = &routeID
			}
		}
		return q.InsertAlert(ctx, alert)
	})
	if err != nil {
		return models.Alert{}, err
	}

	if e.metrics != nil {
		e.metrics.Alerts.WithLabelValues(string(alert.Severity)).Inc()
	}
	log := e.logger.With("alert_id", alert.ID, "type", alert.Type, "severity", alert.Severity)
	if alert.TripID != nil {
		log = log.With("trip_id", *alert.TripID)
	}
	if alert.Severity == models.SeverityCritical {
		log.Warn("alert raised")
	} else {
		log.Info("alert raised")
	}

	if err := e.notifier.NotifyAlert(ctx, alert); err != nil {
		log.Error("alert notification failed", "error", err)
		if e.metrics != nil {
			e.metrics.NotifyErrors.WithLabelValues("alert").Inc()
		}
	}
	if alert.TripID != nil {
		e.changed(trip, models.ChangeAlert)
	}
	return alert, nil
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op that
// returns the stored alert with resolved=false in the second result.
func (e *Engine) ResolveAlert(ctx context.Context, alertID string, notes *string) (models.Alert, bool, error) {
	q := e.store.Queries()
	changed, err := q.ResolveAlert(ctx, alertID, e.now(), notes)
	if err != nil {
		return models.Alert{}, false, err
	}
	alert, err := q.GetAlert(ctx, alertID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Alert{}, false, errNotFound("alert %s", alertID)
	}
	if err != nil {
		return models.Alert{}, false, err
	}
	if changed {
		e.logger.Info("alert resolved", "alert_id", alert.ID)
		if alert.TripID != nil {
			if trip, err := q.GetTrip(ctx, *alert.TripID); err == nil {
				e.changed(trip, models.ChangeAlert)
			}
		}
	}
	return alert, changed, nil
}

// OpenAlerts lists the trip's unresolved alerts.
func (e *Engine) OpenAlerts(ctx context.Context, tripID string) ([]models.Alert, error) {
	q := e.store.Reads()
	if _, err := e.getTrip(ctx, q, tripID); err != nil {
		return nil, err
	}
	return q.ListAlerts(ctx, tripID, true)
}

// Alerts lists every alert of the trip, resolved or not.
func (e *Engine) Alerts(ctx context.Context, tripID string) ([]models.Alert, error) {
	q := e.store.Reads()
	if _, err := e.getTrip(ctx, q, tripID); err != nil {
		return nil, err
	}
	return q.ListAlerts(ctx, tripID, false)
}
