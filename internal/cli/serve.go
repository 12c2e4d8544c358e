package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"bustrack/internal/api"
	"bustrack/internal/db"
	"bustrack/internal/metrics"
	"bustrack/internal/notify"
	"bustrack/internal/roster"
	"bustrack/internal/store"
	"bustrack/internal/tracking"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Migrate         bool
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking API",
		Long: `Run the HTTP API for driver devices, staff and parents.

Metrics are served on METRICS_ADDR when set. Alerts and feed items are
published to NATS when NATS_URL is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Migrate, "migrate", true, "apply schema migrations on startup")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}

	conn, err := openDB(cmd, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if opts.Migrate {
		if err := db.Migrate(ctx, conn); err != nil {
			return WrapExitError(ExitCommandError, "failed to migrate database", err)
		}
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.StaleAfter, cfg.DelayThreshold)
		msrv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
		}()
	}

	hub := notify.NewHub(16, mcol)

	engineOpts := []tracking.Option{
		tracking.WithLogger(logger),
		tracking.WithMetrics(mcol),
		tracking.WithLocation(cfg.Location),
		tracking.WithStaleAfter(cfg.StaleAfter),
		tracking.WithDelayThreshold(cfg.DelayThreshold),
		tracking.WithTrustDeviceClock(cfg.TrustDeviceClock),
	}
	sinks := []tracking.ChangeSink{hub}
	if cfg.NATSURL != "" {
		pub, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol), logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer pub.Close()
		engineOpts = append(engineOpts, tracking.WithNotifier(pub))
		sinks = append(sinks, pub)
	} else {
		logger.Warn("NATS_URL not set; alerts and feed items are stored but not published")
	}
	engineOpts = append(engineOpts, tracking.WithChangeSinks(sinks...))

	var storeOpts []store.Option
	reader, err := db.OpenReader(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open read pool", err)
	}
	if reader != nil {
		defer reader.Close()
		storeOpts = append(storeOpts, store.WithReader(reader))
	}

	engine := tracking.New(store.New(conn, storeOpts...), roster.NewSQLRegistry(conn), engineOpts...)

	srv := api.NewServer(&api.Options{
		Address:          cfg.HTTPAddr,
		Engine:           engine,
		Hub:              hub,
		Metrics:          mcol,
		Logger:           logger,
		DeviceKeys:       cfg.DeviceKeys,
		AdminKeys:        cfg.AdminKeys,
		ViewerRatePerSec: cfg.ViewerRatePerSec,
		ViewerBurst:      cfg.ViewerBurst,
		Ready:            func(ctx context.Context) error { return db.Ping(ctx, conn) },
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			return WrapExitError(ExitCommandError, "http server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	<-errc
	logger.Info("shutdown complete")
	return nil
}

// publisherMetrics returns a nil interface when metrics are disabled so the
// publisher's nil checks hold.
func publisherMetrics(c *metrics.Collector) notify.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
