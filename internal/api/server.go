// Package api exposes the tracking engine over HTTP: device endpoints for
// drivers, admin endpoints for operators and read-only viewer endpoints for
// parents.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"bustrack/internal/clock"
	"bustrack/internal/metrics"
	"bustrack/internal/notify"
	"bustrack/internal/tracking"
)

type (
	Options struct {
		Address string
		Engine  *tracking.Engine
		Hub     *notify.Hub
		Metrics *metrics.Collector
		Logger  *slog.Logger
		Clock   clock.Clock

		// DeviceKeys maps driver id to device key. When empty, device
		// endpoints trust the X-Driver-ID header as is; the header is still
		// required.
		DeviceKeys map[string]string
		// AdminKeys are accepted in X-Admin-Key. When empty, admin
		// endpoints are refused.
		AdminKeys []string

		ViewerRatePerSec float64
		ViewerBurst      int

		// Ready reports whether the service's dependencies are reachable.
		Ready func(ctx context.Context) error

		DisableReqLogs  bool
		StreamHeartbeat time.Duration
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts     *Options
		app      *echo.Echo
		logger   *slog.Logger
		validate *appValidator
		viewers  *viewerLimiter
	}
)

var _ Server = (*server)(nil)

func NewServer(opts *Options) Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.StreamHeartbeat <= 0 {
		opts.StreamHeartbeat = 15 * time.Second
	}
	s := &server{
		opts:     opts,
		app:      echo.New(),
		logger:   opts.Logger.With("component", "api"),
		validate: newValidator(),
		viewers:  newViewerLimiter(opts.ViewerRatePerSec, opts.ViewerBurst, opts.Clock),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Logger.SetLevel(log.ERROR)

	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	s.app.Use(s.contextLogger)
	if !s.opts.DisableReqLogs {
		s.app.Use(s.requestLogger())
	}
	if s.opts.Metrics != nil {
		s.app.Use(s.observe)
	}

	s.app.Validator = s.validate
	s.app.HTTPErrorHandler = s.errorHandler

	s.app.GET("/healthz", s.healthz)

	v1 := s.app.Group("/v1")
	mw := routeMiddleware{
		device: s.deviceAuth,
		admin:  s.adminAuth,
		viewer: s.viewers.middleware,
	}
	registerTripAPI(v1, mw, &tripAPI{
		engine:    s.opts.Engine,
		hub:       s.opts.Hub,
		clock:     s.opts.Clock,
		logger:    s.logger,
		heartbeat: s.opts.StreamHeartbeat,
	})
	registerAlertAPI(v1, mw, &alertAPI{engine: s.opts.Engine})

	if len(s.opts.DeviceKeys) == 0 {
		s.logger.Warn("no device keys configured; device endpoints trust X-Driver-ID")
	}
	if len(s.opts.AdminKeys) == 0 {
		s.logger.Warn("no admin keys configured; admin endpoints are disabled")
	}
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *server) Start() error {
	s.logger.Info("http server listening", "addr", s.opts.Address)
	if err := s.app.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) Stop(ctx context.Context) error {
	s.viewers.stop()
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *server) healthz(c echo.Context) error {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
