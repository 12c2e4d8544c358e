// Package tracking implements the trip tracking and occupancy reconciliation
// engine: trip lifecycle, telemetry ingestion, stop progression, student
// scans, alerts and the read-side projections viewers consume.
//
// Every write appends to an event log and updates one denormalized trip
// field inside a single transaction. The only process-level lock is the
// check-and-set that keeps a single open trip per (route, date, type).
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bustrack/internal/clock"
	"bustrack/internal/metrics"
	"bustrack/internal/models"
	"bustrack/internal/roster"
	"bustrack/internal/store"
)

// Notifier is the boundary to the notification collaborator. Delivery
// mechanics (push, email) live on the other side of it.
type Notifier interface {
	NotifyAlert(ctx context.Context, a models.Alert) error
	NotifyFeed(ctx context.Context, item models.FeedItem) error
}

// ChangeSink receives a notification after every committed write that
// changes a trip's snapshot. Implementations must not block.
type ChangeSink interface {
	TripChanged(c models.Change)
}

type Engine struct {
	store    *store.Store
	registry roster.Registry

	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
	notifier Notifier
	sinks    []ChangeSink
	newID    func() string

	location         *time.Location
	staleAfter       time.Duration
	delayThreshold   time.Duration
	trustDeviceClock bool

	// lifecycleMu serializes the open-trip check-and-set in ScheduleTrip and
	// StartTrip. Nothing else takes it.
	lifecycleMu sync.Mutex
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithChangeSinks(s ...ChangeSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s...) }
}

// WithLocation sets the zone used for service dates and stop schedules.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.location = loc } }

func WithStaleAfter(d time.Duration) Option { return func(e *Engine) { e.staleAfter = d } }

func WithDelayThreshold(d time.Duration) Option { return func(e *Engine) { e.delayThreshold = d } }

// WithTrustDeviceClock controls whether a fix's client timestamp orders it.
// When false the ingestion time is used for every fix.
func WithTrustDeviceClock(b bool) Option { return func(e *Engine) { e.trustDeviceClock = b } }

func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func New(st *store.Store, reg roster.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		registry:         reg,
		clock:            clock.RealClock{},
		logger:           slog.Default(),
		notifier:         nopNotifier{},
		newID:            uuid.NewString,
		location:         time.UTC,
		staleAfter:       2 * time.Minute,
		delayThreshold:   10 * time.Minute,
		trustDeviceClock: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "tracking")
	return e
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// StaleAfter is the position age past which snapshots flag it stale.
func (e *Engine) StaleAfter() time.Duration { return e.staleAfter }

func (e *Engine) changed(t models.Trip, kind models.ChangeKind) {
	c := models.Change{TripID: t.ID, RouteID: t.RouteID, Kind: kind, At: e.now()}
	for _, s := range e.sinks {
		s.TripChanged(c)
	}
}

func (e *Engine) publishFeed(ctx context.Context, item models.FeedItem) {
	if err := e.notifier.NotifyFeed(ctx, item); err != nil {
		e.logger.Warn("feed notification failed", "trip_id", item.TripID, "kind", item.Kind, "error", err)
		if e.metrics != nil {
			e.metrics.NotifyErrors.WithLabelValues("feed").Inc()
		}
	}
}

// route loads a route from the registry. It must not be called inside a
// store transaction: SQLite runs on a single connection.
func (e *Engine) route(ctx context.Context, routeID string) (roster.Route, error) {
	r, err := e.registry.Route(ctx, routeID)
	if errors.Is(err, roster.ErrNotFound) {
		return roster.Route{}, errNotFound("route %s", routeID)
	}
	return r, err
}

func (e *Engine) getTrip(ctx context.Context, q *store.Queries, tripID string) (models.Trip, error) {
	t, err := q.GetTrip(ctx, tripID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Trip{}, errNotFound("trip %s", tripID)
	}
	return t, err
}

// activeTrip is the lifecycle gate every writer passes: the trip exists, is
// in progress and belongs to the calling driver.
func (e *Engine) activeTrip(ctx context.Context, q *store.Queries, tripID string) (models.Trip, error) {
	t, err := e.getTrip(ctx, q, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := checkWriter(ctx, t); err != nil {
		return models.Trip{}, err
	}
	if t.Status != models.TripInProgress {
		return models.Trip{}, errTripClosed(t)
	}
	return t, nil
}

func (e *Engine) refreshActiveGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	trips, err := e.store.Queries().ListTripsByStatus(ctx, models.TripInProgress)
	if err != nil {
		return
	}
	e.metrics.ActiveTrips.Set(float64(len(trips)))
}

type nopNotifier struct{}

func (nopNotifier) NotifyAlert(context.Context, models.Alert) error   { return nil }
func (nopNotifier) NotifyFeed(context.Context, models.FeedItem) error { return nil }
