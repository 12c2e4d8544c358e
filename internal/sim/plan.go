package sim

import (
	"errors"
	"fmt"
	"time"

	"bustrack/internal/models"
	"bustrack/internal/roster"
)

// DefaultLeg is the travel time assumed between stops without usable
// scheduled times.
const DefaultLeg = 2 * time.Minute

// Plan is one simulated trip: the stops the bus visits, when it reaches each
// one relative to departure, and which students board or leave where.
type Plan struct {
	RouteID     string
	DriverID    string
	TripType    models.TripType
	ServiceDate string
	Stops       []roster.Stop

	offsets []time.Duration
	dists   []float64
	path    []Point
	cum     []float64
	boards  map[string][]string
	exits   map[string][]string
}

// NewPlan builds a plan for route. Morning students board at their assigned
// stop and leave at the last stop; afternoon students board at the first stop
// and leave at their assigned stop.
func NewPlan(route roster.Route, students []roster.Assignment, tripType models.TripType, driverID, serviceDate string) (*Plan, error) {
	if len(route.Stops) == 0 {
		return nil, fmt.Errorf("route %s has no stops", route.ID)
	}
	if !tripType.Valid() {
		return nil, fmt.Errorf("invalid trip type %q", tripType)
	}
	p := &Plan{
		RouteID:     route.ID,
		DriverID:    driverID,
		TripType:    tripType,
		ServiceDate: serviceDate,
		Stops:       route.Stops,
		boards:      map[string][]string{},
		exits:       map[string][]string{},
	}

	// Stops without coordinates sit where the previous located stop is.
	pathIdx := make([]int, len(route.Stops))
	for i, st := range route.Stops {
		if st.HasLocation() {
			p.path = append(p.path, Point{Lat: *st.Lat, Lon: *st.Lon})
		}
		pathIdx[i] = len(p.path) - 1
	}
	if len(p.path) == 0 {
		return nil, errors.New("route has no located stops")
	}
	p.cum = CumDistances(p.path)
	p.dists = make([]float64, len(route.Stops))
	for i, idx := range pathIdx {
		if idx >= 0 {
			p.dists[i] = p.cum[idx]
		}
	}

	p.offsets = make([]time.Duration, len(route.Stops))
	base, haveBase := route.Stops[0].DayOffset()
	for i := 1; i < len(route.Stops); i++ {
		at, ok := route.Stops[i].DayOffset()
		if ok && haveBase && at-base > p.offsets[i-1] {
			p.offsets[i] = at - base
			continue
		}
		p.offsets[i] = p.offsets[i-1] + DefaultLeg
	}

	first, last := route.Stops[0].ID, route.Stops[len(route.Stops)-1].ID
	for _, a := range students {
		if a.Direction != string(tripType) {
			continue
		}
		if tripType == models.TripMorning {
			p.boards[a.StopID] = append(p.boards[a.StopID], a.StudentID)
			p.exits[last] = append(p.exits[last], a.StudentID)
		} else {
			p.boards[first] = append(p.boards[first], a.StudentID)
			p.exits[a.StopID] = append(p.exits[a.StopID], a.StudentID)
		}
	}
	return p, nil
}

// Duration is the time from departure at the first stop to arrival at the
// last one.
func (p *Plan) Duration() time.Duration { return p.offsets[len(p.offsets)-1] }

// ArrivalOffset returns when the bus reaches stop i.
func (p *Plan) ArrivalOffset(i int) time.Duration { return p.offsets[i] }

// Boarding lists the students scanned on at stopID.
func (p *Plan) Boarding(stopID string) []string { return p.boards[stopID] }

// Exiting lists the students scanned off at stopID.
func (p *Plan) Exiting(stopID string) []string { return p.exits[stopID] }

// DistanceAt returns meters travelled after elapsed, interpolated linearly
// between stop keyframes.
func (p *Plan) DistanceAt(elapsed time.Duration) float64 {
	n := len(p.offsets)
	if elapsed <= p.offsets[0] {
		return p.dists[0]
	}
	if elapsed >= p.offsets[n-1] {
		return p.dists[n-1]
	}
	i := 0
	for i+1 < n && elapsed > p.offsets[i+1] {
		i++
	}
	t0, t1 := p.offsets[i], p.offsets[i+1]
	d0, d1 := p.dists[i], p.dists[i+1]
	if t1 <= t0 {
		return d0
	}
	frac := float64(elapsed-t0) / float64(t1-t0)
	return d0 + (d1-d0)*frac
}

// PositionAt returns the bus position and bearing after elapsed.
func (p *Plan) PositionAt(elapsed time.Duration) (Point, float64) {
	lat, lon, bearing := Interpolate(p.path, p.cum, p.DistanceAt(elapsed))
	return Point{Lat: lat, Lon: lon}, bearing
}
