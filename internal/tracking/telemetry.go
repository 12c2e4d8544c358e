package tracking

import (
	"context"
	"math"
	"time"

	"bustrack/internal/models"
	"bustrack/internal/store"
)

// Fix is a position sample as submitted by a device.
type Fix struct {
	Lat        float64
	Lon        float64
	Speed      *float64
	Heading    *float64
	Accuracy   *float64
	ClientTime *time.Time
}

// FixResult reports what happened to one fix. Applied is false when the fix
// was kept in history but is older than the trip's current position.
type FixResult struct {
	Seq        int64     `json:"seq"`
	Applied    bool      `json:"applied"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (f Fix) validate() error {
	if math.IsNaN(f.Lat) || math.IsNaN(f.Lon) || math.IsInf(f.Lat, 0) || math.IsInf(f.Lon, 0) {
		return errInvalid("coordinates must be finite")
	}
	if f.Lat < -90 || f.Lat > 90 {
		return errInvalid("latitude %v out of range", f.Lat)
	}
	if f.Lon < -180 || f.Lon > 180 {
		return errInvalid("longitude %v out of range", f.Lon)
	}
	if f.Speed != nil && (*f.Speed < 0 || math.IsNaN(*f.Speed)) {
		return errInvalid("speed must be non-negative")
	}
	if f.Heading != nil && (*f.Heading < 0 || *f.Heading > 360 || math.IsNaN(*f.Heading)) {
		return errInvalid("heading must be within [0, 360]")
	}
	if f.Accuracy != nil && (*f.Accuracy < 0 || math.IsNaN(*f.Accuracy)) {
		return errInvalid("accuracy must be non-negative")
	}
	return nil
}

// IngestFix appends a fix to the trip's history and advances the position
// snapshot when the fix is not older than it.
func (e *Engine) IngestFix(ctx context.Context, tripID string, f Fix) (FixResult, error) {
	res, err := e.IngestFixes(ctx, tripID, []Fix{f})
	if err != nil {
		return FixResult{}, err
	}
	return res[0], nil
}

// IngestFixes ingests a batch in one transaction, typically a device's
// buffer flushed after a connectivity gap. Fixes may arrive in any order.
func (e *Engine) IngestFixes(ctx context.Context, tripID string, fixes []Fix) ([]FixResult, error) {
	if len(fixes) == 0 {
		return nil, errInvalid("no fixes submitted")
	}
	for _, f := range fixes {
		if err := f.validate(); err != nil {
			return nil, err
		}
	}

	received := e.now()
	results := make([]FixResult, 0, len(fixes))
	var trip models.Trip
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		trip, err = e.activeTrip(ctx, q, tripID)
		if err != nil {
			return err
		}
		last := trip.LastLocationUpdate
		for _, f := range fixes {
			fix := models.LocationFix{
				TripID:     trip.ID,
				Latitude:   f.Lat,
				Longitude:  f.Lon,
				Speed:      f.Speed,
				Heading:    f.Heading,
				Accuracy:   f.Accuracy,
				RecordedAt: e.effectiveTime(f, received),
				ClientTime: f.ClientTime,
				ReceivedAt: received,
			}
			seq, err := q.AppendFix(ctx, fix)
			if err != nil {
				return err
			}
			applied := last == nil || !fix.RecordedAt.Before(*last)
			if applied {
				if err := q.UpdatePosition(ctx, trip.ID, fix); err != nil {
					return err
				}
				at := fix.RecordedAt
				last = &at
			}
			results = append(results, FixResult{Seq: seq, Applied: applied, RecordedAt: fix.RecordedAt})
		}
		return nil
	})
	if err != nil {
		if _, ok := CodeOf(err); !ok {
			e.logger.Error("fix ingestion failed", "trip_id", tripID, "fixes", len(fixes), "error", err)
			if e.metrics != nil {
				e.metrics.FixErrors.Add(float64(len(fixes)))
			}
		}
		return nil, err
	}

	var applied int
	for _, r := range results {
		if r.Applied {
			applied++
		}
	}
	if e.metrics != nil {
		e.metrics.FixesIngested.Add(float64(len(results)))
		e.metrics.FixesOutOfOrder.Add(float64(len(results) - applied))
	}
	if applied < len(results) {
		e.logger.Debug("out-of-order fixes kept in history", "trip_id", trip.ID, "count", len(results)-applied)
	}
	if applied > 0 {
		e.changed(trip, models.ChangePosition)
	}
	return results, nil
}

// effectiveTime is the instant a fix describes: the device clock when it is
// trusted and present, otherwise the ingestion time.
func (e *Engine) effectiveTime(f Fix, received time.Time) time.Time {
	if e.trustDeviceClock && f.ClientTime != nil && !f.ClientTime.IsZero() {
		return f.ClientTime.UTC()
	}
	return received
}
