package tracking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bustrack/internal/models"
	"bustrack/internal/store"
)

// Scan is a student board/exit scan as submitted by a device.
type Scan struct {
	StudentID string
	StopID    *string
	Type      models.ScanType
	ScannedAt *time.Time
}

// ScanResult reports the effect of RecordScan. Duplicate means the scan
// matched the student's previous scan type and nothing was written; Event is
// then the earlier scan.
type ScanResult struct {
	Event           models.ScanEvent `json:"event"`
	Duplicate       bool             `json:"duplicate"`
	Anomaly         bool             `json:"anomaly"`
	StudentsOnBoard int              `json:"studentsOnBoard"`
}

// RecordScan appends a student scan and recomputes students_on_board from
// the whole scan log. An exit with no preceding board is kept and flagged as
// an anomaly; it never lowers the count.
func (e *Engine) RecordScan(ctx context.Context, tripID string, s Scan) (ScanResult, error) {
	s.StudentID = strings.TrimSpace(s.StudentID)
	if s.StudentID == "" {
		return ScanResult{}, errInvalid("student id is required")
	}
	if !s.Type.Valid() {
		return ScanResult{}, errInvalid("scan type must be board or exit, got %q", s.Type)
	}
	if s.StopID != nil && *s.StopID != "" {
		trip, err := e.activeTrip(ctx, e.store.Queries(), tripID)
		if err != nil {
			return ScanResult{}, err
		}
		route, err := e.route(ctx, trip.RouteID)
		if err != nil {
			return ScanResult{}, err
		}
		if _, ok := route.Stop(*s.StopID); !ok {
			return ScanResult{}, &Error{Code: CodeNotFound, Message: fmt.Sprintf("stop %s is not on route %s", *s.StopID, route.ID), TripID: tripID, StopID: *s.StopID}
		}
	} else {
		s.StopID = nil
	}

	scannedAt := e.now()
	if s.ScannedAt != nil && !s.ScannedAt.IsZero() {
		scannedAt = s.ScannedAt.UTC()
	}

	var res ScanResult
	var trip models.Trip
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		trip, err = e.activeTrip(ctx, q, tripID)
		if err != nil {
			return err
		}
		last, hasLast, err := q.LastScan(ctx, trip.ID, s.StudentID)
		if err != nil {
			return err
		}
		if hasLast && last.Type == s.Type {
			res = ScanResult{Event: last, Duplicate: true, StudentsOnBoard: trip.StudentsOnBoard}
			return nil
		}

		ev := models.ScanEvent{
			TripID:    trip.ID,
			StudentID: s.StudentID,
			StopID:    s.StopID,
			Type:      s.Type,
			ScannedAt: scannedAt,
			// With same-type repeats filtered out, an exit is unmatched
			// exactly when the student has no earlier scan on this trip.
			Anomaly: s.Type == models.ScanExit && !hasLast,
		}
		seq, err := q.AppendScan(ctx, ev)
		if err != nil {
			return err
		}
		ev.Seq = seq

		n, err := q.CountOnBoard(ctx, trip.ID)
		if err != nil {
			return err
		}
		n = clampOnBoard(n)
		if err := q.SetStudentsOnBoard(ctx, trip.ID, n); err != nil {
			return err
		}
		res = ScanResult{Event: ev, Anomaly: ev.Anomaly, StudentsOnBoard: n}
		return nil
	})
	if err != nil {
		return ScanResult{}, err
	}

	if res.Duplicate {
		if e.metrics != nil {
			e.metrics.ScanDuplicates.Inc()
		}
		e.logger.Debug("duplicate scan ignored", "trip_id", trip.ID, "student_id", s.StudentID, "type", s.Type)
		return res, nil
	}
	if e.metrics != nil {
		e.metrics.Scans.WithLabelValues(string(s.Type)).Inc()
	}
	if res.Anomaly {
		if e.metrics != nil {
			e.metrics.OccupancyAnomalies.Inc()
		}
		e.logger.Warn("exit scan without boarding", "trip_id", trip.ID, "student_id", s.StudentID, "seq", res.Event.Seq)
	}
	e.changed(trip, models.ChangeOccupancy)
	return res, nil
}

func clampOnBoard(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ListAnomalies returns the trip's unmatched exit scans for audit.
func (e *Engine) ListAnomalies(ctx context.Context, tripID string) ([]models.ScanEvent, error) {
	q := e.store.Reads()
	if _, err := e.getTrip(ctx, q, tripID); err != nil {
		return nil, err
	}
	return q.ListAnomalies(ctx, tripID)
}

// BoardingState is where a student stands on a trip according to the scan log.
type BoardingState string

const (
	StateNotBoarded BoardingState = "not_boarded"
	StateOnBoard    BoardingState = "on_board"
	StateExited     BoardingState = "exited"
)

type StudentState struct {
	StudentID  string        `json:"studentId"`
	State      BoardingState `json:"state"`
	OnRoster   bool          `json:"onRoster"`
	StopID     string        `json:"stopId,omitempty"` // assigned stop from the roster
	LastScanAt *time.Time    `json:"lastScanAt,omitempty"`
	HasAnomaly bool          `json:"hasAnomaly"`
}

// StudentStates derives each student's boarding state from the scan log,
// including roster students who have not been scanned yet.
func (e *Engine) StudentStates(ctx context.Context, tripID string) ([]StudentState, error) {
	q := e.store.Reads()
	trip, err := e.getTrip(ctx, q, tripID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.registry.Roster(ctx, trip.RouteID, string(trip.TripType))
	if err != nil {
		return nil, err
	}
	scans, err := q.ListScans(ctx, trip.ID)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*StudentState)
	for _, a := range assignments {
		states[a.StudentID] = &StudentState{StudentID: a.StudentID, State: StateNotBoarded, OnRoster: true, StopID: a.StopID}
	}
	for _, sc := range scans {
		st, ok := states[sc.StudentID]
		if !ok {
			st = &StudentState{StudentID: sc.StudentID, State: StateNotBoarded}
			states[sc.StudentID] = st
		}
		switch sc.Type {
		case models.ScanBoard:
			st.State = StateOnBoard
		case models.ScanExit:
			st.State = StateExited
		}
		at := sc.ScannedAt
		st.LastScanAt = &at
		if sc.Anomaly {
			st.HasAnomaly = true
		}
	}

	out := make([]StudentState, 0, len(states))
	for _, st := range states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}
