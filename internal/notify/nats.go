package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bustrack/internal/models"
)

// publishConn is the part of *nats.Conn the publisher needs.
type publishConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher hands alerts, feed items and trip changes to the
// notification collaborator over NATS core subjects:
//
//	<prefix>.alerts.<route>.<trip>
//	<prefix>.feed.<route>.<trip>
//	<prefix>.trips.<trip>.changes
type NATSPublisher struct {
	nc          *nats.Conn
	conn        publishConn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("bustrack"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(conn publishConn, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:        conn,
		prefix:      subjectToken(prefix),
		logSubjects: logSubjects,
		metrics:     m,
		logger:      logger,
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// AlertMessage is the payload published for a raised alert.
type AlertMessage struct {
	Alert     models.Alert `json:"alert"`
	Published time.Time    `json:"published"`
}

func (p *NATSPublisher) NotifyAlert(_ context.Context, a models.Alert) error {
	subject := p.subject("alerts", deref(a.RouteID), deref(a.TripID))
	return p.publish(subject, AlertMessage{Alert: a, Published: time.Now().UTC()})
}

func (p *NATSPublisher) NotifyFeed(_ context.Context, item models.FeedItem) error {
	return p.publish(p.subject("feed", item.RouteID, item.TripID), item)
}

// TripChanged mirrors viewer change notifications for consumers outside this
// process. It never blocks the writer on errors.
func (p *NATSPublisher) TripChanged(c models.Change) {
	subject := p.prefix + ".trips." + subjectToken(c.TripID) + ".changes"
	if err := p.publish(subject, c); err != nil {
		p.logger.Warn("publish trip change failed", "trip_id", c.TripID, "error", err)
	}
}

func (p *NATSPublisher) subject(kind, routeID, tripID string) string {
	return strings.Join([]string{p.prefix, kind, subjectToken(routeID), subjectToken(tripID)}, ".")
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Info("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
