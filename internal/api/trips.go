package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/labstack/echo/v4"

	"bustrack/internal/clock"
	"bustrack/internal/feed"
	"bustrack/internal/models"
	"bustrack/internal/notify"
	"bustrack/internal/tracking"
)

const maxFixBatch = 500

type tripAPI struct {
	engine    *tracking.Engine
	hub       *notify.Hub
	clock     clock.Clock
	logger    *slog.Logger
	heartbeat time.Duration
}

func registerTripAPI(g *echo.Group, mw routeMiddleware, api *tripAPI) {
	gzip := echo.WrapMiddleware(func(h http.Handler) http.Handler { return gzhttp.GzipHandler(h) })

	// device endpoints
	g.POST("/trips/start", api.start, mw.device)
	g.POST("/trips/:id/end", api.end, mw.device)
	g.POST("/trips/:id/fixes", api.fixes, mw.device)
	g.POST("/trips/:id/stops/:stop/arrive", api.arrive, mw.device)
	g.POST("/trips/:id/stops/:stop/depart", api.depart, mw.device)
	g.POST("/trips/:id/stops/:stop/skip", api.skip, mw.device)
	g.POST("/trips/:id/scans", api.scan, mw.device)

	// admin endpoints
	g.POST("/trips", api.schedule, mw.admin)
	g.POST("/trips/:id/cancel", api.cancel, mw.admin)
	g.POST("/trips/:id/replay", api.replay, mw.admin)

	// viewer endpoints
	g.GET("/trips", api.active, mw.viewer)
	g.GET("/trips/:id/snapshot", api.snapshot, mw.viewer)
	g.GET("/trips/:id/stream", api.stream, mw.viewer)
	g.GET("/trips/:id/trail", api.trail, mw.viewer, gzip)
	g.GET("/trips/:id/students", api.students, mw.viewer)
	g.GET("/trips/:id/anomalies", api.anomalies, mw.viewer)
	g.GET("/feeds/vehicle-positions.pb", api.vehiclePositions, mw.viewer, gzip)
}

type startTripRequest struct {
	RouteID     string `json:"routeId" validate:"notblank"`
	DriverID    string `json:"driverId"`
	TripType    string `json:"tripType" validate:"required,oneof=morning afternoon"`
	ServiceDate string `json:"serviceDate" validate:"omitempty,datetime=2006-01-02"`
}

type scheduleTripRequest struct {
	RouteID        string     `json:"routeId" validate:"notblank"`
	DriverID       string     `json:"driverId"`
	TripType       string     `json:"tripType" validate:"required,oneof=morning afternoon"`
	ServiceDate    string     `json:"serviceDate" validate:"required,datetime=2006-01-02"`
	ScheduledStart *time.Time `json:"scheduledStart"`
}

type fixRequest struct {
	Lat        *float64   `json:"lat" validate:"required,latitude"`
	Lon        *float64   `json:"lon" validate:"required,longitude"`
	Speed      *float64   `json:"speed" validate:"omitempty,gte=0"`
	Heading    *float64   `json:"heading" validate:"omitempty,gte=0,lte=360"`
	Accuracy   *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	ClientTime *time.Time `json:"clientTime"`
}

type departRequest struct {
	Boarded int `json:"boarded" validate:"gte=0"`
	Exited  int `json:"exited" validate:"gte=0"`
}

type scanRequest struct {
	StudentID string     `json:"studentId" validate:"notblank"`
	StopID    *string    `json:"stopId"`
	Type      string     `json:"type" validate:"required,oneof=board exit"`
	ScannedAt *time.Time `json:"scannedAt"`
}

type stopEventResponse struct {
	Event     models.StopEvent `json:"event"`
	Duplicate bool             `json:"duplicate"`
}

type fixesResponse struct {
	Results []tracking.FixResult `json:"results"`
	Stored  bool                 `json:"stored"`
}

func bindValid(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return err
	}
	return c.Validate(v)
}

// Handlers

func (api *tripAPI) start(c echo.Context) error {
	var req startTripRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	trip, err := api.engine.StartTrip(c.Request().Context(), tracking.StartTrip{
		RouteID:     req.RouteID,
		DriverID:    req.DriverID,
		TripType:    models.TripType(req.TripType),
		ServiceDate: req.ServiceDate,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, trip)
}

func (api *tripAPI) end(c echo.Context) error {
	trip, err := api.engine.EndTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trip)
}

// fixes accepts one fix object or an array of them. Storage failures are
// answered with 202 so devices keep sampling instead of retrying.
func (api *tripAPI) fixes(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body").SetInternal(err)
	}
	var reqs []fixRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reqs)
	} else {
		var one fixRequest
		err = json.Unmarshal(trimmed, &one)
		reqs = []fixRequest{one}
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed fix payload").SetInternal(err)
	}
	if len(reqs) == 0 || len(reqs) > maxFixBatch {
		return echo.NewHTTPError(http.StatusBadRequest, "submit between 1 and 500 fixes")
	}

	fixes := make([]tracking.Fix, 0, len(reqs))
	for i := range reqs {
		if err := c.Validate(&reqs[i]); err != nil {
			return err
		}
		r := reqs[i]
		fixes = append(fixes, tracking.Fix{
			Lat: *r.Lat, Lon: *r.Lon,
			Speed: r.Speed, Heading: r.Heading, Accuracy: r.Accuracy,
			ClientTime: r.ClientTime,
		})
	}

	results, err := api.engine.IngestFixes(c.Request().Context(), c.Param("id"), fixes)
	if err != nil {
		if _, ok := tracking.CodeOf(err); ok {
			return err
		}
		return c.JSON(http.StatusAccepted, fixesResponse{Results: []tracking.FixResult{}, Stored: false})
	}
	return c.JSON(http.StatusOK, fixesResponse{Results: results, Stored: true})
}

// arrive answers a repeated arrival with the stored event so device retries
// succeed.
func (api *tripAPI) arrive(c echo.Context) error {
	ev, err := api.engine.RecordArrival(c.Request().Context(), c.Param("id"), c.Param("stop"))
	var te *tracking.Error
	if errors.As(err, &te) && te.Code == tracking.CodeAlreadyArrived && te.Existing != nil {
		return c.JSON(http.StatusOK, stopEventResponse{Event: *te.Existing, Duplicate: true})
	}
	return stopEventReply(c, ev, err)
}

func (api *tripAPI) depart(c echo.Context) error {
	var req departRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ev, err := api.engine.RecordDeparture(c.Request().Context(), c.Param("id"), c.Param("stop"), req.Boarded, req.Exited)
	return stopEventReply(c, ev, err)
}

func (api *tripAPI) skip(c echo.Context) error {
	ev, err := api.engine.RecordSkip(c.Request().Context(), c.Param("id"), c.Param("stop"))
	return stopEventReply(c, ev, err)
}

func stopEventReply(c echo.Context, ev models.StopEvent, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, stopEventResponse{Event: ev})
}

func (api *tripAPI) scan(c echo.Context) error {
	var req scanRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := api.engine.RecordScan(c.Request().Context(), c.Param("id"), tracking.Scan{
		StudentID: req.StudentID,
		StopID:    req.StopID,
		Type:      models.ScanType(req.Type),
		ScannedAt: req.ScannedAt,
	})
	if err != nil {
		return err
	}
	if res.Duplicate {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

func (api *tripAPI) schedule(c echo.Context) error {
	var req scheduleTripRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	trip, err := api.engine.ScheduleTrip(c.Request().Context(), tracking.NewTrip{
		RouteID:        req.RouteID,
		DriverID:       req.DriverID,
		TripType:       models.TripType(req.TripType),
		ServiceDate:    req.ServiceDate,
		ScheduledStart: req.ScheduledStart,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, trip)
}

func (api *tripAPI) cancel(c echo.Context) error {
	trip, err := api.engine.CancelTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trip)
}

func (api *tripAPI) replay(c echo.Context) error {
	trip, err := api.engine.ReplayTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trip)
}

func (api *tripAPI) active(c echo.Context) error {
	trips, err := api.engine.ActiveTrips(c.Request().Context())
	if err != nil {
		return err
	}
	if trips == nil {
		trips = []models.Trip{}
	}
	return c.JSON(http.StatusOK, trips)
}

func (api *tripAPI) snapshot(c echo.Context) error {
	snap, err := api.engine.GetTripSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (api *tripAPI) trail(c echo.Context) error {
	tr, err := api.engine.Trail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tr)
}

func (api *tripAPI) students(c echo.Context) error {
	states, err := api.engine.StudentStates(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, states)
}

func (api *tripAPI) anomalies(c echo.Context) error {
	scans, err := api.engine.ListAnomalies(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if scans == nil {
		scans = []models.ScanEvent{}
	}
	return c.JSON(http.StatusOK, scans)
}

func (api *tripAPI) vehiclePositions(c echo.Context) error {
	trips, err := api.engine.ActiveTrips(c.Request().Context())
	if err != nil {
		return err
	}
	b, err := feed.Marshal(trips, api.clock.Now())
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/x-protobuf", b)
}
