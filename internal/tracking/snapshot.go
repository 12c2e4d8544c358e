package tracking

import (
	"context"
	"time"

	"github.com/twpayne/go-polyline"

	"bustrack/internal/models"
)

// Position is the trip's last known location as seen by viewers.
type Position struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	AgeSeconds float64   `json:"ageSeconds"`
	Stale      bool      `json:"stale"`
}

// StopView is one stop of the route with its progress on this trip.
type StopView struct {
	ID            string     `json:"id"`
	Number        int        `json:"stopNumber"`
	Name          string     `json:"name"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	Arrived       bool       `json:"arrived"`
	Departed      bool       `json:"departed"`
	Skipped       bool       `json:"skipped"`
	ArrivedAt     *time.Time `json:"arrivedAt,omitempty"`
	DepartedAt    *time.Time `json:"departedAt,omitempty"`
	SkippedAt     *time.Time `json:"skippedAt,omitempty"`
	Synthetic     bool       `json:"synthetic,omitempty"`
}

// Snapshot is the derived view of one trip served to parents and admins.
type Snapshot struct {
	TripID           string            `json:"tripId"`
	RouteID          string            `json:"routeId"`
	RouteName        string            `json:"routeName"`
	DriverID         string            `json:"driverId"`
	ServiceDate      string            `json:"serviceDate"`
	TripType         models.TripType   `json:"tripType"`
	Status           models.TripStatus `json:"status"`
	ScheduledStart   *time.Time        `json:"scheduledStart,omitempty"`
	ActualStart      *time.Time        `json:"actualStart,omitempty"`
	ActualEnd        *time.Time        `json:"actualEnd,omitempty"`
	Position         *Position         `json:"position,omitempty"`
	CurrentStopIndex int               `json:"currentStopIndex"`
	Stops            []StopView        `json:"stops"`
	StudentsOnBoard  int               `json:"studentsOnBoard"`
	OpenAlerts       []models.Alert    `json:"openAlerts"`
	GeneratedAt      time.Time         `json:"generatedAt"`
}

// GetTripSnapshot assembles the trip's current derived state. It only reads
// and takes no process locks.
func (e *Engine) GetTripSnapshot(ctx context.Context, tripID string) (Snapshot, error) {
	q := e.store.Reads()
	trip, err := e.getTrip(ctx, q, tripID)
	if err != nil {
		return Snapshot{}, err
	}
	route, err := e.route(ctx, trip.RouteID)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := q.ListStopEvents(ctx, trip.ID)
	if err != nil {
		return Snapshot{}, err
	}
	alerts, err := q.ListAlerts(ctx, trip.ID, true)
	if err != nil {
		return Snapshot{}, err
	}

	now := e.now()
	snap := Snapshot{
		TripID:           trip.ID,
		RouteID:          trip.RouteID,
		RouteName:        route.Name,
		DriverID:         trip.DriverID,
		ServiceDate:      trip.ServiceDate,
		TripType:         trip.TripType,
		Status:           trip.Status,
		ScheduledStart:   trip.ScheduledStart,
		ActualStart:      trip.ActualStart,
		ActualEnd:        trip.ActualEnd,
		CurrentStopIndex: trip.CurrentStopIndex,
		StudentsOnBoard:  trip.StudentsOnBoard,
		OpenAlerts:       alerts,
		GeneratedAt:      now,
	}
	if snap.OpenAlerts == nil {
		snap.OpenAlerts = []models.Alert{}
	}

	if trip.CurrentLatitude != nil && trip.CurrentLongitude != nil && trip.LastLocationUpdate != nil {
		age := now.Sub(*trip.LastLocationUpdate)
		if age < 0 {
			age = 0
		}
		snap.Position = &Position{
			Lat:        *trip.CurrentLatitude,
			Lon:        *trip.CurrentLongitude,
			Speed:      trip.CurrentSpeed,
			Heading:    trip.CurrentHeading,
			UpdatedAt:  *trip.LastLocationUpdate,
			AgeSeconds: age.Seconds(),
			Stale:      age > e.staleAfter,
		}
	}

	byStop := make(map[string][]models.StopEvent)
	for _, ev := range events {
		byStop[ev.StopID] = append(byStop[ev.StopID], ev)
	}
	snap.Stops = make([]StopView, 0, len(route.Stops))
	for _, s := range route.Stops {
		sched, err := s.ScheduledAt(trip.ServiceDate, e.location)
		if err != nil {
			return Snapshot{}, err
		}
		v := StopView{ID: s.ID, Number: s.Number, Name: s.Name, ScheduledTime: sched}
		for _, ev := range byStop[s.ID] {
			at := ev.ActualTime
			switch ev.Type {
			case models.StopArrived:
				v.Arrived, v.ArrivedAt = true, &at
			case models.StopDeparted:
				v.Departed, v.DepartedAt = true, &at
			case models.StopSkipped:
				v.Skipped, v.SkippedAt = true, &at
				v.Synthetic = ev.Synthetic
			}
		}
		snap.Stops = append(snap.Stops, v)
	}
	return snap, nil
}

// Trail is the trip's location history as a Google encoded polyline.
type Trail struct {
	TripID   string     `json:"tripId"`
	Polyline string     `json:"polyline"`
	Points   int        `json:"points"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// Trail encodes the fix history in time order. Fixes that arrived late are
// placed by their recorded time.
func (e *Engine) Trail(ctx context.Context, tripID string) (Trail, error) {
	q := e.store.Reads()
	if _, err := e.getTrip(ctx, q, tripID); err != nil {
		return Trail{}, err
	}
	fixes, err := q.ListFixes(ctx, tripID)
	if err != nil {
		return Trail{}, err
	}
	ordered := orderFixes(fixes)
	tr := Trail{TripID: tripID, Points: len(ordered)}
	if len(ordered) == 0 {
		return tr, nil
	}
	coords := make([][]float64, 0, len(ordered))
	for _, f := range ordered {
		coords = append(coords, []float64{f.Latitude, f.Longitude})
	}
	tr.Polyline = string(polyline.EncodeCoords(coords))
	from, to := ordered[0].RecordedAt, ordered[len(ordered)-1].RecordedAt
	tr.From, tr.To = &from, &to
	return tr, nil
}
