package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bustrack/internal/clock"
	"bustrack/internal/models"
)

// maxPending caps fixes buffered while the service is unreachable.
const maxPending = 500

// Options tune how simulated buses move.
type Options struct {
	// Tick is the wall-clock interval between position updates.
	Tick time.Duration
	// Speed scales simulated time against wall-clock time.
	Speed float64
	// NewCadence returns a fresh reporting cadence per trip.
	NewCadence func() *Cadence
	Clock      clock.Clock
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Speed <= 0 {
		o.Speed = 1
	}
	if o.NewCadence == nil {
		o.NewCadence = DefaultCadence
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DeviceFunc returns the device a driver reports through.
type DeviceFunc func(driverID string) Device

// Manager drives simulated buses concurrently, one goroutine per route and
// trip type.
type Manager struct {
	devices DeviceFunc
	opts    Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	done    []Result
}

// Result is the outcome of one simulated trip.
type Result struct {
	RouteID string
	TripID  string
	Err     error
}

func NewManager(devices DeviceFunc, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		devices: devices,
		opts:    opts,
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches plan unless the same route and trip type is already
// running.
func (m *Manager) Start(parent context.Context, plan *Plan) bool {
	key := plan.RouteID + "/" + string(plan.TripType)
	m.mu.Lock()
	if _, exists := m.running[key]; exists {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[key] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.opts.Logger.Info("starting simulated trip", "route_id", plan.RouteID, "trip_type", plan.TripType, "driver_id", plan.DriverID)
	go func() {
		defer m.wg.Done()
		tripID, err := Run(ctx, m.devices(plan.DriverID), plan, m.opts)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.opts.Logger.Error("simulated trip failed", "route_id", plan.RouteID, "trip_id", tripID, "error", err)
		}
		m.mu.Lock()
		delete(m.running, key)
		cancel()
		m.done = append(m.done, Result{RouteID: plan.RouteID, TripID: tripID, Err: err})
		m.mu.Unlock()
	}()
	return true
}

// Running returns the number of trips in progress.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every started trip has finished and returns their
// results.
func (m *Manager) Wait() []Result {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.done...)
}

// Stop cancels all running trips and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	for key, cancel := range m.running {
		cancel()
		delete(m.running, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Run drives one bus along plan through dev: it starts the trip, reports
// positions on the cadence, works every stop in order and ends the trip at
// the last one. The trip ID is returned once the trip was opened.
func Run(ctx context.Context, dev Device, plan *Plan, opts Options) (string, error) {
	opts.defaults()
	log := opts.Logger.With("route_id", plan.RouteID, "driver_id", plan.DriverID)

	trip, err := dev.StartTrip(ctx, StartRequest{
		RouteID:     plan.RouteID,
		DriverID:    plan.DriverID,
		TripType:    string(plan.TripType),
		ServiceDate: plan.ServiceDate,
	})
	if err != nil {
		return "", err
	}
	tripID := trip.ID
	log = log.With("trip_id", tripID)
	log.Info("trip started")

	b := &bus{dev: dev, plan: plan, tripID: tripID, log: log, cadence: opts.NewCadence()}
	start := opts.Clock.Now()
	tick := time.NewTicker(opts.Tick)
	defer tick.Stop()

	now := start
	for {
		elapsed := time.Duration(float64(now.Sub(start)) * opts.Speed)
		b.report(ctx, start.Add(elapsed), elapsed, now)

		for b.next < len(plan.Stops) && elapsed >= plan.ArrivalOffset(b.next) {
			b.visit(ctx, b.next)
			b.next++
		}
		if b.next == len(plan.Stops) {
			b.flush(ctx)
			if err := dev.EndTrip(ctx, tripID); err != nil {
				return tripID, err
			}
			log.Info("trip ended")
			return tripID, nil
		}

		select {
		case <-ctx.Done():
			return tripID, ctx.Err()
		case <-tick.C:
		}
		now = opts.Clock.Now()
	}
}

type bus struct {
	dev     Device
	plan    *Plan
	tripID  string
	log     *slog.Logger
	cadence *Cadence

	next    int
	pending []Fix
	lastAt  Point
	lastSim time.Time
}

// report queues a fix when the cadence is due and tries to deliver the
// queue.
func (b *bus) report(ctx context.Context, simNow time.Time, elapsed time.Duration, wall time.Time) {
	pos, bearing := b.plan.PositionAt(elapsed)
	if !b.cadence.Due(simNow, pos) {
		return
	}
	fix := Fix{Lat: pos.Lat, Lon: pos.Lon, Heading: &bearing}
	if !b.lastSim.IsZero() {
		if dt := simNow.Sub(b.lastSim).Seconds(); dt > 0 {
			speed := Distance(b.lastAt, pos) / dt
			fix.Speed = &speed
		}
	}
	ct := wall.UTC()
	fix.ClientTime = &ct
	b.cadence.Mark(simNow, pos)
	b.lastAt, b.lastSim = pos, simNow

	b.pending = append(b.pending, fix)
	if len(b.pending) > maxPending {
		b.pending = b.pending[len(b.pending)-maxPending:]
	}
	b.flush(ctx)
}

func (b *bus) flush(ctx context.Context) {
	if len(b.pending) == 0 {
		return
	}
	if err := b.dev.SendFixes(ctx, b.tripID, b.pending); err != nil {
		b.log.Warn("fixes not delivered", "pending", len(b.pending), "error", err)
		return
	}
	b.pending = b.pending[:0]
}

// visit arrives at stop i, scans riders on and off, and departs unless it is
// the last stop.
func (b *bus) visit(ctx context.Context, i int) {
	stop := b.plan.Stops[i]
	if err := b.dev.Arrive(ctx, b.tripID, stop.ID); err != nil {
		b.log.Warn("arrival not recorded", "stop_id", stop.ID, "error", err)
	}
	boarded, exited := 0, 0
	for _, student := range b.plan.Boarding(stop.ID) {
		if b.scan(ctx, student, stop.ID, models.ScanBoard) {
			boarded++
		}
	}
	for _, student := range b.plan.Exiting(stop.ID) {
		if b.scan(ctx, student, stop.ID, models.ScanExit) {
			exited++
		}
	}
	if i == len(b.plan.Stops)-1 {
		return
	}
	if err := b.dev.Depart(ctx, b.tripID, stop.ID, boarded, exited); err != nil {
		b.log.Warn("departure not recorded", "stop_id", stop.ID, "error", err)
	}
}

func (b *bus) scan(ctx context.Context, student, stopID string, typ models.ScanType) bool {
	if err := b.dev.Scan(ctx, b.tripID, student, stopID, typ); err != nil {
		b.log.Warn("scan not recorded", "student_id", student, "stop_id", stopID, "type", typ, "error", err)
		return false
	}
	return true
}
