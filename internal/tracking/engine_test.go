package tracking

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bustrack/internal/clock"
	"bustrack/internal/db"
	"bustrack/internal/logging"
	"bustrack/internal/models"
	"bustrack/internal/roster"
	"bustrack/internal/store"
)

const testRoster = `
routes:
  - id: R1
    name: North loop
    stops:
      - {id: R1-01, number: 1, name: Elm St, scheduled_time: "07:00", lat: 40.4100, lon: -3.7000}
      - {id: R1-02, number: 2, name: Oak Ave, scheduled_time: "07:10", lat: 40.4150, lon: -3.7050}
      - {id: R1-03, number: 3, name: Pine Rd, scheduled_time: "07:20", lat: 40.4200, lon: -3.7100}
      - {id: R1-04, number: 4, name: School, scheduled_time: "07:30", lat: 40.4250, lon: -3.7150}
    students:
      - {student_id: S1, stop_id: R1-01, direction: morning}
      - {student_id: S2, stop_id: R1-02, direction: morning}
      - {student_id: S3, stop_id: R1-03, direction: afternoon}
  - id: R2
    name: South loop
    stops:
      - {id: R2-01, number: 1, name: Main St}
`

var serviceStart = time.Date(2024, 5, 1, 6, 55, 0, 0, time.UTC)

type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []models.Alert
	feed     []models.FeedItem
	alertErr error
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, a models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.alertErr != nil {
		return n.alertErr
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) NotifyFeed(_ context.Context, item models.FeedItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.feed = append(n.feed, item)
	return nil
}

func (n *recordingNotifier) feedKinds() []models.FeedKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.FeedKind
	for _, f := range n.feed {
		out = append(out, f.Kind)
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	changes []models.Change
}

func (s *recordingSink) TripChanged(c models.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
}

func (s *recordingSink) kinds() []models.ChangeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChangeKind
	for _, c := range s.changes {
		out = append(out, c.Kind)
	}
	return out
}

type fixture struct {
	engine   *Engine
	store    *store.Store
	clock    *clock.MockClock
	notifier *recordingNotifier
	sink     *recordingSink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))

	f, err := roster.Parse([]byte(testRoster))
	require.NoError(t, err)
	require.NoError(t, roster.Import(ctx, conn, f))

	var n atomic.Int64
	fx := &fixture{
		store:    store.New(conn),
		clock:    clock.NewMockClock(serviceStart),
		notifier: &recordingNotifier{},
		sink:     &recordingSink{},
	}
	base := []Option{
		WithClock(fx.clock),
		WithLogger(logging.Discard()),
		WithNotifier(fx.notifier),
		WithChangeSinks(fx.sink),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}
	fx.engine = New(fx.store, roster.NewSQLRegistry(conn), append(base, opts...)...)
	return fx
}

func (fx *fixture) start(t *testing.T) models.Trip {
	t.Helper()
	trip, err := fx.engine.StartTrip(context.Background(), StartTrip{
		RouteID: "R1", DriverID: "D1", TripType: models.TripMorning, ServiceDate: "2024-05-01",
	})
	require.NoError(t, err)
	return trip
}

func (fx *fixture) countTrips(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, fx.store.DB().Get(&n, `SELECT COUNT(*) FROM trips`))
	return n
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	var te *Error
	require.True(t, errors.As(err, &te), "expected *tracking.Error, got %v", err)
	require.Equal(t, code, te.Code, te.Message)
	return te
}

func ptr[T any](v T) *T { return &v }
