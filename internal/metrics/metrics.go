package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge

	TripsScheduled prometheus.Counter
	TripsStarted   prometheus.Counter
	TripsCompleted prometheus.Counter
	TripsCancelled prometheus.Counter

	FixesIngested   prometheus.Counter
	FixesOutOfOrder prometheus.Counter
	FixErrors       prometheus.Counter

	StopEvents         *prometheus.CounterVec // type label: arrived|departed|skipped
	Scans              *prometheus.CounterVec // type label: board|exit
	ScanDuplicates     prometheus.Counter
	OccupancyAnomalies prometheus.Counter

	Alerts       *prometheus.CounterVec // severity label
	NotifyErrors *prometheus.CounterVec // kind label: alert|feed|change

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	ViewerSubscribers prometheus.Gauge
	ViewerDrops       prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	StaleAfter     prometheus.Gauge // seconds
	DelayThreshold prometheus.Gauge // seconds
}

func NewCollector(staleAfter, delayThreshold time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_active_trips",
			Help: "Number of trips currently in progress.",
		}),
		TripsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_trips_scheduled_total",
			Help: "Total trips scheduled ahead of start.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_trips_completed_total",
			Help: "Total trips completed.",
		}),
		TripsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_trips_cancelled_total",
			Help: "Total trips cancelled before start.",
		}),
		FixesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_fixes_ingested_total",
			Help: "Total location fixes appended to history.",
		}),
		FixesOutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_fixes_out_of_order_total",
			Help: "Fixes kept in history but older than the current position.",
		}),
		FixErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_fix_errors_total",
			Help: "Fixes that could not be persisted.",
		}),
		StopEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_stop_events_total",
			Help: "Stop events recorded, by type.",
		}, []string{"type"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_scans_total",
			Help: "Student scans recorded, by type.",
		}, []string{"type"}),
		ScanDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_scan_duplicates_total",
			Help: "Repeated same-type scans ignored.",
		}),
		OccupancyAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_occupancy_anomalies_total",
			Help: "Exit scans without a preceding boarding.",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_alerts_total",
			Help: "Alerts raised, by severity.",
		}, []string{"severity"}),
		NotifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_notify_errors_total",
			Help: "Failures handing events to the notification collaborator.",
		}, []string{"kind"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ViewerSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_viewer_subscribers",
			Help: "Live viewer streams currently attached.",
		}),
		ViewerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_viewer_dropped_changes_total",
			Help: "Change notifications dropped for slow viewers.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bustrack_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		StaleAfter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_stale_after_seconds",
			Help: "Age after which a trip position is reported stale.",
		}),
		DelayThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_delay_threshold_seconds",
			Help: "Lateness that triggers a delay feed item.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips,
		c.TripsScheduled, c.TripsStarted, c.TripsCompleted, c.TripsCancelled,
		c.FixesIngested, c.FixesOutOfOrder, c.FixErrors,
		c.StopEvents, c.Scans, c.ScanDuplicates, c.OccupancyAnomalies,
		c.Alerts, c.NotifyErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.ViewerSubscribers, c.ViewerDrops,
		c.HTTPRequests, c.HTTPDuration,
		c.StaleAfter, c.DelayThreshold,
	)

	c.StaleAfter.Set(staleAfter.Seconds())
	c.DelayThreshold.Set(delayThreshold.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}

// NATSPublishedInc and the methods below let the collector serve as the
// NATS publisher's metrics sink.
func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
