package models

import "time"

// TripStatus is the lifecycle state of a Trip.
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TripStatus) Valid() bool {
	switch s {
	case TripScheduled, TripInProgress, TripCompleted, TripCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s TripStatus) Terminal() bool {
	switch s {
	case TripCompleted, TripCancelled:
		return true
	case TripScheduled, TripInProgress:
		return false
	}
	return false
}

// TripType is the time-of-day direction of a trip. It doubles as the roster
// direction used to look up student assignments.
type TripType string

const (
	TripMorning   TripType = "morning"
	TripAfternoon TripType = "afternoon"
)

func (t TripType) Valid() bool {
	switch t {
	case TripMorning, TripAfternoon:
		return true
	}
	return false
}

// Trip is one run of a bus along a route on a service date. The current_*
// fields, CurrentStopIndex and StudentsOnBoard are a projection over the
// event logs and can be recomputed at any time.
type Trip struct {
	ID             string     `db:"id" json:"id"`
	RouteID        string     `db:"route_id" json:"routeId"`
	DriverID       string     `db:"driver_id" json:"driverId"`
	ServiceDate    string     `db:"service_date" json:"serviceDate"` // YYYY-MM-DD
	TripType       TripType   `db:"trip_type" json:"tripType"`
	Status         TripStatus `db:"status" json:"status"`
	ScheduledStart *time.Time `db:"scheduled_start" json:"scheduledStart,omitempty"`
	ActualStart    *time.Time `db:"actual_start" json:"actualStart,omitempty"`
	ActualEnd      *time.Time `db:"actual_end" json:"actualEnd,omitempty"`

	CurrentStopIndex int `db:"current_stop_index" json:"currentStopIndex"`
	StudentsOnBoard  int `db:"students_on_board" json:"studentsOnBoard"`

	CurrentLatitude    *float64   `db:"current_latitude" json:"currentLatitude,omitempty"`
	CurrentLongitude   *float64   `db:"current_longitude" json:"currentLongitude,omitempty"`
	CurrentSpeed       *float64   `db:"current_speed" json:"currentSpeed,omitempty"`
	CurrentHeading     *float64   `db:"current_heading" json:"currentHeading,omitempty"`
	LastLocationUpdate *time.Time `db:"last_location_update" json:"lastLocationUpdate,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// LocationFix is a single GPS sample. Fixes are append-only.
type LocationFix struct {
	Seq        int64      `db:"seq" json:"seq"`
	TripID     string     `db:"trip_id" json:"tripId"`
	Latitude   float64    `db:"latitude" json:"lat"`
	Longitude  float64    `db:"longitude" json:"lon"`
	Speed      *float64   `db:"speed" json:"speed,omitempty"`
	Heading    *float64   `db:"heading" json:"heading,omitempty"`
	Accuracy   *float64   `db:"accuracy" json:"accuracy,omitempty"`
	RecordedAt time.Time  `db:"recorded_at" json:"recordedAt"`
	ClientTime *time.Time `db:"client_time" json:"clientTime,omitempty"`
	ReceivedAt time.Time  `db:"received_at" json:"receivedAt"`
}

// StopEventType tags a StopEvent.
type StopEventType string

const (
	StopArrived  StopEventType = "arrived"
	StopDeparted StopEventType = "departed"
	StopSkipped  StopEventType = "skipped"
)

func (t StopEventType) Valid() bool {
	switch t {
	case StopArrived, StopDeparted, StopSkipped:
		return true
	}
	return false
}

// Terminal reports whether the event closes its stop.
func (t StopEventType) Terminal() bool {
	switch t {
	case StopDeparted, StopSkipped:
		return true
	case StopArrived:
		return false
	}
	return false
}

// StopEvent records an arrival, departure or skip at one stop of a trip.
type StopEvent struct {
	Seq             int64         `db:"seq" json:"seq"`
	TripID          string        `db:"trip_id" json:"tripId"`
	StopID          string        `db:"stop_id" json:"stopId"`
	StopNumber      int           `db:"stop_number" json:"stopNumber"`
	Type            StopEventType `db:"event_type" json:"type"`
	ScheduledTime   *time.Time    `db:"scheduled_time" json:"scheduledTime,omitempty"`
	ActualTime      time.Time     `db:"actual_time" json:"actualTime"`
	StudentsBoarded int           `db:"students_boarded" json:"studentsBoarded"`
	StudentsExited  int           `db:"students_exited" json:"studentsExited"`
	Synthetic       bool          `db:"synthetic" json:"synthetic"`
}

// ScanType tags a ScanEvent.
type ScanType string

const (
	ScanBoard ScanType = "board"
	ScanExit  ScanType = "exit"
)

func (t ScanType) Valid() bool {
	switch t {
	case ScanBoard, ScanExit:
		return true
	}
	return false
}

// ScanEvent records a student boarding or exiting the bus.
type ScanEvent struct {
	Seq       int64     `db:"seq" json:"seq"`
	TripID    string    `db:"trip_id" json:"tripId"`
	StudentID string    `db:"student_id" json:"studentId"`
	StopID    *string   `db:"stop_id" json:"stopId,omitempty"`
	Type      ScanType  `db:"scan_type" json:"type"`
	ScannedAt time.Time `db:"scanned_at" json:"scannedAt"`
	Anomaly   bool      `db:"anomaly" json:"anomaly"`
}

// Severity classifies an Alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Alert is a driver-raised incident.
type Alert struct {
	ID              string     `db:"id" json:"id"`
	TripID          *string    `db:"trip_id" json:"tripId,omitempty"`
	RouteID         *string    `db:"route_id" json:"routeId,omitempty"`
	Type            string     `db:"alert_type" json:"type"`
	Severity        Severity   `db:"severity" json:"severity"`
	Title           string     `db:"title" json:"title"`
	Message         *string    `db:"message" json:"message,omitempty"`
	Resolved        bool       `db:"resolved" json:"resolved"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}

// FeedKind names a feed item published to the notification collaborator.
type FeedKind string

const (
	FeedTripStarted   FeedKind = "trip_started"
	FeedTripDelayed   FeedKind = "trip_delayed"
	FeedTripCompleted FeedKind = "trip_completed"
)

// FeedItem is an informational event for parents' activity feeds.
type FeedItem struct {
	Kind         FeedKind  `json:"kind"`
	TripID       string    `json:"tripId"`
	RouteID      string    `json:"routeId"`
	StopID       string    `json:"stopId,omitempty"`
	DelayMinutes int       `json:"delayMinutes,omitempty"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// ChangeKind names the kind of write that changed a trip's derived state.
type ChangeKind string

const (
	ChangeLifecycle ChangeKind = "lifecycle"
	ChangePosition  ChangeKind = "position"
	ChangeStop      ChangeKind = "stop"
	ChangeOccupancy ChangeKind = "occupancy"
	ChangeAlert     ChangeKind = "alert"
)

// Change tells viewers that a trip's snapshot is worth re-reading.
type Change struct {
	TripID  string     `json:"tripId"`
	RouteID string     `json:"routeId"`
	Kind    ChangeKind `json:"kind"`
	At      time.Time  `json:"at"`
}
