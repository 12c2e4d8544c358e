package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"bustrack/internal/clock"
	"bustrack/internal/db"
	"bustrack/internal/logging"
	"bustrack/internal/metrics"
	"bustrack/internal/models"
	"bustrack/internal/notify"
	"bustrack/internal/roster"
	"bustrack/internal/store"
	"bustrack/internal/tracking"
)

const testRoster = `
routes:
  - id: R1
    name: North loop
    stops:
      - {id: R1-01, number: 1, name: Elm St, scheduled_time: "07:00", lat: 40.4100, lon: -3.7000}
      - {id: R1-02, number: 2, name: Oak Ave, scheduled_time: "07:10", lat: 40.4150, lon: -3.7050}
      - {id: R1-03, number: 3, name: School, scheduled_time: "07:20", lat: 40.4200, lon: -3.7100}
    students:
      - {student_id: S1, stop_id: R1-01, direction: morning}
      - {student_id: S2, stop_id: R1-02, direction: morning}
`

var now0 = time.Date(2024, 5, 1, 6, 55, 0, 0, time.UTC)

type testEnv struct {
	srv    Server
	engine *tracking.Engine
	clock  *clock.MockClock
	opts   *Options
}

func setup(t *testing.T, tweak ...func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "api.db")
	conn, err := db.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))
	reader, err := db.OpenReader("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	f, err := roster.Parse([]byte(testRoster))
	require.NoError(t, err)
	require.NoError(t, roster.Import(ctx, conn, f))

	clk := clock.NewMockClock(now0)
	m := metrics.NewCollector(2*time.Minute, 10*time.Minute)
	hub := notify.NewHub(8, m)
	engine := tracking.New(store.New(conn, store.WithReader(reader)), roster.NewSQLRegistry(conn),
		tracking.WithClock(clk),
		tracking.WithLogger(logging.Discard()),
		tracking.WithMetrics(m),
		tracking.WithChangeSinks(hub),
	)
	opts := &Options{
		Engine:           engine,
		Hub:              hub,
		Metrics:          m,
		Logger:           logging.Discard(),
		Clock:            clk,
		DeviceKeys:       map[string]string{"D1": "k1", "D2": "k2"},
		AdminKeys:        []string{"admin-key"},
		ViewerRatePerSec: 1000,
		ViewerBurst:      1000,
		Ready:            func(ctx context.Context) error { return db.Ping(ctx, conn) },
		DisableReqLogs:   true,
	}
	for _, fn := range tweak {
		fn(opts)
	}
	srv := NewServer(opts)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return &testEnv{srv: srv, engine: engine, clock: clk, opts: opts}
}

func device(driver, key string) http.Header {
	h := http.Header{}
	h.Set(headerDriverID, driver)
	h.Set(headerDeviceKey, key)
	return h
}

func admin() http.Header {
	h := http.Header{}
	h.Set(headerAdminKey, "admin-key")
	return h
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) startTrip(t *testing.T) models.Trip {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/trips/start",
		map[string]string{"routeId": "R1", "tripType": "morning", "serviceDate": "2024-05-01"}, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Trip](t, rec)
}

func TestHealthz(t *testing.T) {
	env := setup(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	down := setup(t, func(o *Options) {
		o.Ready = func(context.Context) error { return errors.New("db down") }
	})
	rec = down.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeviceAuth(t *testing.T) {
	env := setup(t)
	body := map[string]string{"routeId": "R1", "tripType": "morning"}

	rec := env.do(t, http.MethodPost, "/v1/trips/start", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/trips/start", body, device("D1", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/trips/start", body, device("D9", "k1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/trips/start", body, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trip := decode[models.Trip](t, rec)
	assert.Equal(t, "D1", trip.DriverID)
	assert.Equal(t, "2024-05-01", trip.ServiceDate)
}

func TestDeviceAuthWithoutKeys(t *testing.T) {
	env := setup(t, func(o *Options) { o.DeviceKeys = nil })
	driver := func(id string) http.Header {
		h := http.Header{}
		h.Set(headerDriverID, id)
		return h
	}

	rec := env.do(t, http.MethodPost, "/v1/trips/start",
		map[string]string{"routeId": "R1", "tripType": "morning", "serviceDate": "2024-05-01"}, driver("D1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	trip := decode[models.Trip](t, rec)

	end := "/v1/trips/" + trip.ID + "/end"
	rec = env.do(t, http.MethodPost, end, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, end, nil, driver("  "))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, end, nil, driver("D2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	got, err := env.engine.GetTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, got.Status)

	rec = env.do(t, http.MethodPost, end, nil, driver("D1"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStartTripConflict(t *testing.T) {
	env := setup(t)
	first := env.startTrip(t)

	rec := env.do(t, http.MethodPost, "/v1/trips/start",
		map[string]string{"routeId": "R1", "tripType": "morning", "serviceDate": "2024-05-01"}, device("D1", "k1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "ACTIVE_TRIP_EXISTS", body.Code)
	assert.Equal(t, first.ID, body.ExistingTripID)
}

func TestStartTripValidation(t *testing.T) {
	env := setup(t)
	rec := env.do(t, http.MethodPost, "/v1/trips/start",
		map[string]string{"routeId": " ", "tripType": "evening", "serviceDate": "1 May"}, device("D1", "k1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "INVALID_ARGUMENT", body.Code)
	assert.Contains(t, body.Fields, "routeId")
	assert.Contains(t, body.Fields, "tripType")
	assert.Contains(t, body.Fields, "serviceDate")

	rec = env.do(t, http.MethodPost, "/v1/trips/start",
		map[string]string{"routeId": "R9", "tripType": "morning"}, device("D1", "k1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFixes(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)
	path := "/v1/trips/" + trip.ID + "/fixes"

	rec := env.do(t, http.MethodPost, path, map[string]any{"lat": 40.41, "lon": -3.70, "speed": 7.5}, device("D1", "k1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[fixesResponse](t, rec)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Stored)
	assert.True(t, res.Results[0].Applied)

	batch := []map[string]any{
		{"lat": 40.42, "lon": -3.71, "clientTime": now0.Add(30 * time.Second)},
		{"lat": 40.40, "lon": -3.69, "clientTime": now0.Add(-30 * time.Second)},
	}
	rec = env.do(t, http.MethodPost, path, batch, device("D1", "k1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[fixesResponse](t, rec)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Applied)
	assert.False(t, res.Results[1].Applied)

	rec = env.do(t, http.MethodPost, path, map[string]any{"lat": 95.0, "lon": 0}, device("D1", "k1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Fields, "lat")

	rec = env.do(t, http.MethodPost, path, map[string]any{"lon": 0}, device("D1", "k1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, "{not json", device("D1", "k1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, map[string]any{"lat": 1, "lon": 1}, device("D2", "k2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decode[errorBody](t, rec).Code)
}

func TestStopEvents(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)
	base := "/v1/trips/" + trip.ID + "/stops/"

	rec := env.do(t, http.MethodPost, base+"R1-02/arrive", nil, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[stopEventResponse](t, rec)
	assert.False(t, first.Duplicate)

	rec = env.do(t, http.MethodPost, base+"R1-02/arrive", nil, device("D1", "k1"))
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[stopEventResponse](t, rec)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Event.Seq, again.Event.Seq)

	rec = env.do(t, http.MethodPost, base+"R1-02/skip", nil, device("D1", "k1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_ARRIVED", decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, base+"R1-02/depart", map[string]int{"boarded": 2, "exited": 0}, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[stopEventResponse](t, rec).Event.StudentsBoarded)

	rec = env.do(t, http.MethodPost, base+"R1-03/depart", nil, device("D1", "k1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_ARRIVED", decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, base+"nope/arrive", nil, device("D1", "k1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[tracking.Snapshot](t, rec)
	assert.Equal(t, 2, snap.CurrentStopIndex)
	require.Len(t, snap.Stops, 3)
	assert.True(t, snap.Stops[1].Arrived)
	assert.True(t, snap.Stops[1].Departed)
}

func TestScans(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)
	path := "/v1/trips/" + trip.ID + "/scans"

	rec := env.do(t, http.MethodPost, path, map[string]string{"studentId": "S1", "type": "board"}, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[tracking.ScanResult](t, rec).StudentsOnBoard)

	rec = env.do(t, http.MethodPost, path, map[string]string{"studentId": "S1", "type": "board"}, device("D1", "k1"))
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[tracking.ScanResult](t, rec)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, 1, dup.StudentsOnBoard)

	rec = env.do(t, http.MethodPost, path, map[string]string{"studentId": "S2", "type": "exit"}, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decode[tracking.ScanResult](t, rec).Anomaly)

	rec = env.do(t, http.MethodPost, path, map[string]string{"studentId": "S2", "type": "wave"}, device("D1", "k1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/anomalies", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ScanEvent](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/students", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	states := decode[[]tracking.StudentState](t, rec)
	require.Len(t, states, 2)
	assert.Equal(t, tracking.StateOnBoard, states[0].State)
	assert.Equal(t, tracking.StateExited, states[1].State)
}

func TestAdminEndpoints(t *testing.T) {
	env := setup(t)
	body := map[string]string{"routeId": "R1", "tripType": "afternoon", "serviceDate": "2024-05-01"}

	rec := env.do(t, http.MethodPost, "/v1/trips", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bad := http.Header{}
	bad.Set(headerAdminKey, "guess")
	rec = env.do(t, http.MethodPost, "/v1/trips", body, bad)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/trips", body, admin())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sched := decode[models.Trip](t, rec)
	assert.Equal(t, models.TripScheduled, sched.Status)

	rec = env.do(t, http.MethodPost, "/v1/trips/"+sched.ID+"/cancel", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TripCancelled, decode[models.Trip](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/v1/trips/"+sched.ID+"/cancel", nil, admin())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode[errorBody](t, rec).Code)

	trip := env.startTrip(t)
	rec = env.do(t, http.MethodPost, "/v1/trips/"+trip.ID+"/replay", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAlerts(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)

	rec := env.do(t, http.MethodPost, "/v1/alerts",
		map[string]string{"tripId": trip.ID, "type": "breakdown", "title": "engine light"}, device("D1", "k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alert := decode[models.Alert](t, rec)
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	rec = env.do(t, http.MethodPost, "/v1/alerts", map[string]string{"tripId": trip.ID, "type": "x"}, device("D1", "k1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/alerts?open=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Alert](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/v1/alerts/"+alert.ID+"/resolve", map[string]string{"notes": "towed"}, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[resolveResponse](t, rec)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Alert.Resolved)

	rec = env.do(t, http.MethodPost, "/v1/alerts/"+alert.ID+"/resolve", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[resolveResponse](t, rec).Duplicate)

	rec = env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/alerts?open=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.Alert](t, rec))
}

func TestEndTripClosesWrites(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)

	rec := env.do(t, http.MethodPost, "/v1/trips/"+trip.ID+"/end", nil, device("D2", "k2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/trips/"+trip.ID+"/end", nil, device("D1", "k1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TripCompleted, decode[models.Trip](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/v1/trips/"+trip.ID+"/scans", map[string]string{"studentId": "S1", "type": "board"}, device("D1", "k1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TRIP_CLOSED", decode[errorBody](t, rec).Code)
}

func TestViewerReads(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)
	rec := env.do(t, http.MethodPost, "/v1/trips/"+trip.ID+"/fixes",
		[]map[string]any{{"lat": 40.41, "lon": -3.70}, {"lat": 40.42, "lon": -3.71}}, device("D1", "k1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/trips", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Trip](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/trail", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tr := decode[tracking.Trail](t, rec)
	assert.Equal(t, 2, tr.Points)
	assert.NotEmpty(t, tr.Polyline)

	rec = env.do(t, http.MethodGet, "/v1/feeds/vehicle-positions.pb", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-protobuf", rec.Header().Get("Content-Type"))
	var msg gtfsrtpb.FeedMessage
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &msg))
	require.Len(t, msg.GetEntity(), 1)
	assert.Equal(t, trip.ID, msg.GetEntity()[0].GetVehicle().GetTrip().GetTripId())

	rec = env.do(t, http.MethodGet, "/v1/trips/missing/snapshot", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, rec).Code)
}

func TestViewerRateLimit(t *testing.T) {
	env := setup(t, func(o *Options) {
		o.ViewerRatePerSec = 1
		o.ViewerBurst = 2
	})
	trip := env.startTrip(t)
	path := "/v1/trips/" + trip.ID + "/snapshot"

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, nil, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, nil, nil).Code)
	rec := env.do(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Device endpoints are not limited.
	rec = env.do(t, http.MethodPost, "/v1/trips/"+trip.ID+"/fixes", map[string]any{"lat": 1, "lon": 1}, device("D1", "k1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	env.clock.Advance(time.Second)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, nil, nil).Code)
}

func TestViewerLimiterSweep(t *testing.T) {
	clk := clock.NewMockClock(now0)
	l := newViewerLimiter(1, 1, clk)
	defer l.stop()
	l.get("10.0.0.1")
	clk.Advance(5 * time.Minute)
	l.get("10.0.0.2")
	clk.Advance(6 * time.Minute)
	l.sweep()
	assert.Equal(t, 1, l.size())
}

func TestStreamEndsWithTerminalTrip(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)
	_, err := env.engine.EndTrip(context.Background(), trip.ID)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/trips/"+trip.ID+"/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: snapshot\n")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestStreamPushesChanges(t *testing.T) {
	env := setup(t)
	trip := env.startTrip(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/trips/"+trip.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	next := func() tracking.Snapshot {
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var snap tracking.Snapshot
				require.NoError(t, json.Unmarshal([]byte(data), &snap))
				return snap
			}
		}
	}

	assert.Equal(t, models.TripInProgress, next().Status)

	_, err = env.engine.RecordScan(context.Background(), trip.ID, tracking.Scan{StudentID: "S1", Type: models.ScanBoard})
	require.NoError(t, err)
	assert.Equal(t, 1, next().StudentsOnBoard)

	_, err = env.engine.EndTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, next().Status)
}

func TestStreamUnknownTrip(t *testing.T) {
	env := setup(t)
	rec := env.do(t, http.MethodGet, "/v1/trips/missing/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
