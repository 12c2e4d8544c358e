package roster

import (
	"strconv"
	"strings"
	"time"
)

// Route is an ordered list of stops. Stops are sorted by Number, which is
// unique and increasing within a route.
type Route struct {
	ID    string `db:"id" yaml:"id" json:"id" validate:"required"`
	Name  string `db:"name" yaml:"name" json:"name" validate:"required"`
	Stops []Stop `db:"-" yaml:"stops" json:"stops" validate:"required,min=1,dive"`
}

type Stop struct {
	ID            string   `db:"id" yaml:"id" json:"id" validate:"required"`
	RouteID       string   `db:"route_id" yaml:"-" json:"routeId"`
	Number        int      `db:"stop_number" yaml:"number" json:"stopNumber" validate:"gte=0"`
	Name          string   `db:"name" yaml:"name" json:"name" validate:"required"`
	ScheduledTime string   `db:"scheduled_time" yaml:"scheduled_time" json:"scheduledTime,omitempty" validate:"omitempty,daytime"` // HH:MM[:SS]
	Lat           *float64 `db:"latitude" yaml:"lat" json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon           *float64 `db:"longitude" yaml:"lon" json:"lon,omitempty" validate:"omitempty,longitude"`
}

// Assignment places a student on a route for one direction of travel.
type Assignment struct {
	RouteID   string `db:"route_id" yaml:"-" json:"routeId"`
	Direction string `db:"direction" yaml:"direction" json:"direction" validate:"required,oneof=morning afternoon"`
	StudentID string `db:"student_id" yaml:"student_id" json:"studentId" validate:"required"`
	StopID    string `db:"stop_id" yaml:"stop_id" json:"stopId" validate:"required"`
}

// Stop returns the stop with the given id.
func (r Route) Stop(id string) (Stop, bool) {
	for _, s := range r.Stops {
		if s.ID == id {
			return s, true
		}
	}
	return Stop{}, false
}

// HasLocation reports whether the stop carries coordinates.
func (s Stop) HasLocation() bool { return s.Lat != nil && s.Lon != nil }

// ScheduledAt returns the absolute scheduled time of the stop on serviceDate
// (YYYY-MM-DD) in loc, or nil when the stop has no scheduled time.
func (s Stop) ScheduledAt(serviceDate string, loc *time.Location) (*time.Time, error) {
	if strings.TrimSpace(s.ScheduledTime) == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation("2006-01-02", serviceDate, loc)
	if err != nil {
		return nil, err
	}
	t := day.Add(time.Duration(parseDaySeconds(s.ScheduledTime)) * time.Second).UTC()
	return &t, nil
}

// DayOffset returns the scheduled time as an offset from midnight.
func (s Stop) DayOffset() (time.Duration, bool) {
	if !validDayTime(s.ScheduledTime) {
		return 0, false
	}
	return time.Duration(parseDaySeconds(s.ScheduledTime)) * time.Second, true
}

// validDayTime accepts HH:MM or HH:MM:SS, hours possibly >= 24.
func validDayTime(s string) bool {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return false
		}
		if i > 0 && n > 59 {
			return false
		}
	}
	return true
}

// parseDaySeconds parses HH:MM:SS possibly with hours >= 24.
func parseDaySeconds(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec := 0
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(parts[2])
	}
	total := h*3600 + m*60 + sec
	if total < 0 {
		total = 0
	}
	return total
}
