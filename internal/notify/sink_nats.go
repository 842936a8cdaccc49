package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// SinkMetrics is the connection-state instrumentation for outbound sinks.
type SinkMetrics interface {
	SinkSetConnected(up bool)
}

// NATSSink publishes notifications to a NATS subject per subscriber, where
// the external push/SMS/email delivery service picks them up.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNATSSink connects to the NATS server at url. subjectPrefix is the
// subject root; messages go to "<prefix>.<subscriberID>".
func NewNATSSink(url, subjectPrefix string, m SinkMetrics, log *slog.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleettrack"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SinkSetConnected(false)
			}
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SinkSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SinkSetConnected(false)
			}
			log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify.NewNATSSink: %w", err)
	}
	if m != nil {
		m.SinkSetConnected(true)
	}
	return &NATSSink{nc: nc, subject: subjectPrefix, log: log}, nil
}

func (s *NATSSink) Send(_ context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify.NATSSink.Send: %w", err)
	}
	subject := s.subject + "." + n.SubscriberID.String()
	if err := s.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("notify.NATSSink.Send: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}

var _ Sink = (*NATSSink)(nil)

// LogSink writes notifications to the structured log. Used when no NATS
// server is configured, mostly in development.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Log.Info("notification",
		"subscriber_id", n.SubscriberID, "trip_id", n.TripID,
		"stop", n.StopName, "eta_min", n.EtaMinutes)
	return nil
}

var _ Sink = LogSink{}
