package api

import (
	"crypto/subtle"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"bustrack/internal/clock"
	"bustrack/internal/logging"
	"bustrack/internal/tracking"
)

const (
	headerDriverID  = "X-Driver-ID"
	headerDeviceKey = "X-Device-Key"
	headerAdminKey  = "X-Admin-Key"
)

type routeMiddleware struct {
	device echo.MiddlewareFunc
	admin  echo.MiddlewareFunc
	viewer echo.MiddlewareFunc
}

// contextLogger stores a request-scoped logger in the request context.
func (s *server) contextLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		l := s.logger.With("request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithLogger(req.Context(), l)))
		return next(c)
	}
}

func loggerFrom(c echo.Context) *slog.Logger {
	return logging.FromContext(c.Request().Context())
}

func (s *server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			switch {
			case v.Status >= http.StatusInternalServerError:
				level = slog.LevelError
			case v.Status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			loggerFrom(c).LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

// observe records request counts and latencies by route template.
func (s *server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			status = s.statusOf(err)
		}
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request().Method
		s.opts.Metrics.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		s.opts.Metrics.HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		return err
	}
}

// deviceAuth checks the device key for the asserted driver and binds the
// driver to the request context. X-Driver-ID is required even when no device
// keys are configured.
func (s *server) deviceAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		driver := strings.TrimSpace(c.Request().Header.Get(headerDriverID))
		if driver == "" {
			return errMissingDeviceAuth
		}
		if len(s.opts.DeviceKeys) > 0 {
			key := c.Request().Header.Get(headerDeviceKey)
			if key == "" {
				return errMissingDeviceAuth
			}
			want, ok := s.opts.DeviceKeys[driver]
			if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(key)) != 1 {
				loggerFrom(c).Warn("device authentication failed", "driver_id", driver)
				return errBadDeviceKey
			}
		}
		req := c.Request()
		ctx := tracking.WithDriver(req.Context(), driver)
		ctx = logging.WithLogger(ctx, loggerFrom(c).With("driver_id", driver))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(headerAdminKey)
		if key == "" {
			return errMissingAdminKey
		}
		for _, want := range s.opts.AdminKeys {
			if subtle.ConstantTimeCompare([]byte(want), []byte(key)) == 1 {
				return next(c)
			}
		}
		return errHttpForbidden
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

// viewerLimiter rate limits viewer endpoints per client IP.
type viewerLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	clock    clock.Clock

	idle     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newViewerLimiter(perSec float64, burst int, clk clock.Clock) *viewerLimiter {
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	l := &viewerLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		clock:    clk,
		idle:     10 * time.Minute,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop(5 * time.Minute)
	return l
}

func (l *viewerLimiter) get(key string) *rate.Limiter {
	now := l.clock.Now().UnixNano()
	l.mu.RLock()
	if e, ok := l.limiters[key]; ok {
		e.lastSeen.Store(now)
		l.mu.RUnlock()
		return e.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.limiters[key]; ok {
		e.lastSeen.Store(now)
		return e.limiter
	}
	e := &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
	e.lastSeen.Store(now)
	l.limiters[key] = e
	return e.limiter
}

func (l *viewerLimiter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		lim := l.get(c.RealIP())
		if !lim.AllowN(l.clock.Now(), 1) {
			retry := 1
			if l.limit > 0 && l.limit != rate.Inf {
				retry = int(math.Ceil(1 / float64(l.limit)))
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
			return errRateLimited
		}
		return next(c)
	}
}

func (l *viewerLimiter) cleanupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep drops limiters idle for longer than l.idle.
func (l *viewerLimiter) sweep() {
	cutoff := l.clock.Now().Add(-l.idle).UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.limiters {
		if e.lastSeen.Load() < cutoff {
			delete(l.limiters, key)
		}
	}
}

func (l *viewerLimiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

func (l *viewerLimiter) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
