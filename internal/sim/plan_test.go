package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/models"
	"bustrack/internal/roster"
)

func f64(v float64) *float64 { return &v }

func testRoute() roster.Route {
	return roster.Route{
		ID:   "R1",
		Name: "North loop",
		Stops: []roster.Stop{
			{ID: "A", Number: 1, Name: "Elm St", ScheduledTime: "07:00", Lat: f64(40.4100), Lon: f64(-3.7000)},
			{ID: "B", Number: 2, Name: "Oak Ave", ScheduledTime: "07:10", Lat: f64(40.4150), Lon: f64(-3.7000)},
			{ID: "C", Number: 3, Name: "No pole"},
			{ID: "D", Number: 4, Name: "School", ScheduledTime: "07:30", Lat: f64(40.4200), Lon: f64(-3.7000)},
		},
	}
}

var testStudents = []roster.Assignment{
	{RouteID: "R1", Direction: "morning", StudentID: "S1", StopID: "A"},
	{RouteID: "R1", Direction: "morning", StudentID: "S2", StopID: "B"},
	{RouteID: "R1", Direction: "afternoon", StudentID: "S3", StopID: "B"},
}

func TestNewPlanOffsets(t *testing.T) {
	p, err := NewPlan(testRoute(), testStudents, models.TripMorning, "D1", "2024-05-01")
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), p.ArrivalOffset(0))
	assert.Equal(t, 10*time.Minute, p.ArrivalOffset(1))
	// no scheduled time: previous plus the default leg
	assert.Equal(t, 12*time.Minute, p.ArrivalOffset(2))
	assert.Equal(t, 30*time.Minute, p.ArrivalOffset(3))
	assert.Equal(t, 30*time.Minute, p.Duration())
}

func TestNewPlanUnscheduledRoute(t *testing.T) {
	r := testRoute()
	for i := range r.Stops {
		r.Stops[i].ScheduledTime = ""
	}
	p, err := NewPlan(r, nil, models.TripMorning, "D1", "")
	require.NoError(t, err)
	assert.Equal(t, 3*DefaultLeg, p.Duration())
}

func TestNewPlanRiders(t *testing.T) {
	morning, err := NewPlan(testRoute(), testStudents, models.TripMorning, "D1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, morning.Boarding("A"))
	assert.Equal(t, []string{"S2"}, morning.Boarding("B"))
	assert.ElementsMatch(t, []string{"S1", "S2"}, morning.Exiting("D"))
	assert.Empty(t, morning.Exiting("B"))

	afternoon, err := NewPlan(testRoute(), testStudents, models.TripAfternoon, "D1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"S3"}, afternoon.Boarding("A"))
	assert.Equal(t, []string{"S3"}, afternoon.Exiting("B"))
}

func TestNewPlanRejects(t *testing.T) {
	_, err := NewPlan(roster.Route{ID: "R9"}, nil, models.TripMorning, "D1", "")
	assert.Error(t, err)

	_, err = NewPlan(testRoute(), nil, models.TripType("evening"), "D1", "")
	assert.Error(t, err)

	r := testRoute()
	for i := range r.Stops {
		r.Stops[i].Lat, r.Stops[i].Lon = nil, nil
	}
	_, err = NewPlan(r, nil, models.TripMorning, "D1", "")
	assert.Error(t, err)
}

func TestPlanPosition(t *testing.T) {
	p, err := NewPlan(testRoute(), nil, models.TripMorning, "D1", "")
	require.NoError(t, err)

	pos, _ := p.PositionAt(0)
	assert.Equal(t, Point{Lat: 40.4100, Lon: -3.7000}, pos)

	pos, bearing := p.PositionAt(5 * time.Minute)
	assert.InDelta(t, 40.4125, pos.Lat, 1e-6)
	assert.InDelta(t, 0, bearing, 0.01)

	// parked at the unlocated stop's predecessor until it leaves at 12 min
	pos, _ = p.PositionAt(11 * time.Minute)
	assert.InDelta(t, 40.4150, pos.Lat, 1e-6)

	pos, _ = p.PositionAt(time.Hour)
	assert.InDelta(t, 40.4200, pos.Lat, 1e-9)
	assert.InDelta(t, p.DistanceAt(time.Hour), p.DistanceAt(30*time.Minute), 1e-9)
}
