// Package metrics holds the prometheus instrumentation for the tracking
// engine. A single Collector owns a private registry; consumer packages
// (ingest, broker, notify) declare small interfaces for the slice of it
// they touch, which the Collector satisfies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge
	Subscribers prometheus.Gauge

	SamplesIngested *prometheus.CounterVec // outcome: applied|stale|low_accuracy|invalid|rejected
	IngestDuration  prometheus.Histogram

	SnapshotsDelivered prometheus.Counter
	SnapshotsDropped   prometheus.Counter

	NotificationsSent       prometheus.Counter
	NotificationsSuppressed prometheus.Counter
	NotificationErrs        prometheus.Counter

	SinkConnected prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_active_trips",
			Help: "Trips with a live in-memory state machine.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_subscribers",
			Help: "Number of connected snapshot subscribers.",
		}),
		SamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_samples_ingested_total",
			Help: "Location samples processed, by outcome.",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleettrack_ingest_duration_seconds",
			Help:    "Duration of the synchronous ingest path (validate, persist, apply, publish).",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		SnapshotsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_snapshots_delivered_total",
			Help: "Snapshots enqueued to subscriber buffers.",
		}),
		SnapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_snapshots_dropped_total",
			Help: "Stale snapshots evicted from slow subscriber buffers.",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_arrival_notifications_sent_total",
			Help: "Approaching-stop notifications dispatched to the sink.",
		}),
		NotificationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_arrival_notifications_suppressed_total",
			Help: "Approaching-stop notifications suppressed by the dedup record.",
		}),
		NotificationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_arrival_notification_errors_total",
			Help: "Notification sink delivery failures.",
		}),
		SinkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_notification_sink_connected",
			Help: "1 if the external notification sink connection is established.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips, c.Subscribers,
		c.SamplesIngested, c.IngestDuration,
		c.SnapshotsDelivered, c.SnapshotsDropped,
		c.NotificationsSent, c.NotificationsSuppressed, c.NotificationErrs,
		c.SinkConnected,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// ---- consumer interface adapters ----

func (c *Collector) IngestObserve(outcome string, d time.Duration) {
	c.SamplesIngested.WithLabelValues(outcome).Inc()
	c.IngestDuration.Observe(d.Seconds())
}

func (c *Collector) TripTrackedInc() { c.ActiveTrips.Inc() }
func (c *Collector) TripTrackedDec() { c.ActiveTrips.Dec() }

func (c *Collector) SubscriberAdd()    { c.Subscribers.Inc() }
func (c *Collector) SubscriberRemove() { c.Subscribers.Dec() }
func (c *Collector) DeliveredInc()     { c.SnapshotsDelivered.Inc() }
func (c *Collector) DroppedInc()       { c.SnapshotsDropped.Inc() }

func (c *Collector) NotificationSentInc()       { c.NotificationsSent.Inc() }
func (c *Collector) NotificationSuppressedInc() { c.NotificationsSuppressed.Inc() }
func (c *Collector) NotificationErrInc()        { c.NotificationErrs.Inc() }
func (c *Collector) SinkSetConnected(up bool) {
	if up {
		c.SinkConnected.Set(1)
	} else {
		c.SinkConnected.Set(0)
	}
}
