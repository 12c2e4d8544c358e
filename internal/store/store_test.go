package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/db"
	"bustrack/internal/models"
)

var t0 = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))
	_, err = conn.ExecContext(ctx, `INSERT INTO routes (id, name) VALUES ('R1', 'North loop')`)
	require.NoError(t, err)
	return New(conn)
}

func newTrip(id string, status models.TripStatus) models.Trip {
	return models.Trip{
		ID: id, RouteID: "R1", DriverID: "d1", ServiceDate: "2024-05-01",
		TripType: models.TripMorning, Status: status, CreatedAt: t0,
	}
}

func TestInsertTripRespectsOpenKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	q := s.Queries()

	ok, err := q.InsertTrip(ctx, newTrip("t1", models.TripInProgress))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.InsertTrip(ctx, newTrip("t2", models.TripScheduled))
	require.NoError(t, err)
	assert.False(t, ok, "second open trip for the same key must be rejected")

	found, exists, err := q.FindOpenTrip(ctx, "R1", "2024-05-01", models.TripMorning)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "t1", found.ID)

	end := t0.Add(time.Hour)
	changed, err := q.SetTripStatus(ctx, "t1", models.TripInProgress, models.TripCompleted, &end)
	require.NoError(t, err)
	assert.True(t, changed)

	// Once closed, the key is free again.
	ok, err = q.InsertTrip(ctx, newTrip("t3", models.TripScheduled))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, got.Status)
	require.NotNil(t, got.ActualEnd)
	assert.True(t, got.ActualEnd.Equal(end))

	_, err = q.GetTrip(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStartTripIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	q := s.Queries()
	_, err := q.InsertTrip(ctx, newTrip("t1", models.TripScheduled))
	require.NoError(t, err)

	ok, err := q.StartTrip(ctx, "t1", "d9", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.StartTrip(ctx, "t1", "d9", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, got.Status)
	assert.Equal(t, "d9", got.DriverID)
}

func TestStopEventExclusivity(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	q := s.Queries()
	_, err := q.InsertTrip(ctx, newTrip("t1", models.TripInProgress))
	require.NoError(t, err)

	ev := models.StopEvent{TripID: "t1", StopID: "R1-03", StopNumber: 3, Type: models.StopArrived, ActualTime: t0}
	_, ok, err := q.AppendStopEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = q.AppendStopEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, ok)

	dep := ev
	dep.Type = models.StopDeparted
	_, ok, err = q.AppendStopEvent(ctx, dep)
	require.NoError(t, err)
	assert.True(t, ok)

	skip := ev
	skip.Type = models.StopSkipped
	_, ok, err = q.AppendStopEvent(ctx, skip)
	require.NoError(t, err)
	assert.False(t, ok, "a departed stop cannot also be skipped")

	events, err := q.StopEventsForStop(ctx, "t1", "R1-03")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StopArrived, events[0].Type)
	assert.Equal(t, models.StopDeparted, events[1].Type)
	assert.Less(t, events[0].Seq, events[1].Seq)
}

func TestCountOnBoardIgnoresAnomalies(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	err := s.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertTrip(ctx, newTrip("t1", models.TripInProgress)); err != nil {
			return err
		}
		for _, sc := range []models.ScanEvent{
			{TripID: "t1", StudentID: "S1", Type: models.ScanBoard, ScannedAt: t0},
			{TripID: "t1", StudentID: "S2", Type: models.ScanBoard, ScannedAt: t0},
			{TripID: "t1", StudentID: "S3", Type: models.ScanExit, ScannedAt: t0, Anomaly: true},
			{TripID: "t1", StudentID: "S1", Type: models.ScanExit, ScannedAt: t0},
		} {
			if _, err := q.AppendScan(ctx, sc); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	q := s.Queries()
	n, err := q.CountOnBoard(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last, ok, err := q.LastScan(ctx, "t1", "S1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ScanExit, last.Type)

	anomalies, err := q.ListAnomalies(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "S3", anomalies[0].StudentID)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	boom := errors.New("boom")
	err := s.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertTrip(ctx, newTrip("t1", models.TripInProgress)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Queries().GetTrip(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaderDoesNotWaitForWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	conn, err := db.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))
	_, err = conn.ExecContext(ctx, `INSERT INTO routes (id, name) VALUES ('R1', 'North loop')`)
	require.NoError(t, err)
	reader, err := db.OpenReader("sqlite3", path)
	require.NoError(t, err)
	require.NotNil(t, reader)
	t.Cleanup(func() { _ = reader.Close() })

	s := New(conn, WithReader(reader))
	_, err = s.Queries().InsertTrip(ctx, newTrip("t1", models.TripInProgress))
	require.NoError(t, err)

	inTx := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(q *Queries) error {
			t2 := newTrip("t2", models.TripInProgress)
			t2.TripType = models.TripAfternoon
			if _, err := q.InsertTrip(ctx, t2); err != nil {
				close(inTx)
				return err
			}
			close(inTx)
			<-release
			return nil
		})
	}()
	<-inTx

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	got, err1 := s.Reads().GetTrip(readCtx, "t1")
	_, err2 := s.Reads().GetTrip(readCtx, "t2")
	cancel()
	close(release)
	require.NoError(t, <-done)

	require.NoError(t, err1)
	assert.Equal(t, "t1", got.ID)
	assert.ErrorIs(t, err2, ErrNotFound, "uncommitted rows stay invisible to readers")

	_, err = s.Reads().GetTrip(ctx, "t2")
	assert.NoError(t, err)

	_, err = s.Reads().InsertTrip(ctx, newTrip("t3", models.TripCompleted))
	assert.Error(t, err, "reader pool must refuse writes")
}

func TestReadsFallsBackToWriter(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Queries().InsertTrip(context.Background(), newTrip("t1", models.TripInProgress))
	require.NoError(t, err)
	_, err = s.Reads().GetTrip(context.Background(), "t1")
	assert.NoError(t, err)
}

func TestResolveAlertOnce(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	q := s.Queries()
	_, err := q.InsertTrip(ctx, newTrip("t1", models.TripInProgress))
	require.NoError(t, err)
	trip := "t1"
	require.NoError(t, q.InsertAlert(ctx, models.Alert{
		ID: "a1", TripID: &trip, Type: "breakdown", Severity: models.SeverityWarning, Title: "Flat tyre", CreatedAt: t0,
	}))

	open, err := q.ListAlerts(ctx, "t1", true)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	notes := "fixed"
	ok, err := q.ResolveAlert(ctx, "a1", t0.Add(time.Minute), &notes)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.ResolveAlert(ctx, "a1", t0.Add(2*time.Minute), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := q.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolutionNotes)
	assert.Equal(t, "fixed", *a.ResolutionNotes)

	open, err = q.ListAlerts(ctx, "t1", true)
	require.NoError(t, err)
	assert.Empty(t, open)
}
