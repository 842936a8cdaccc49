// Package notify emits approaching-stop alerts. The ArrivalNotifier
// watches trip snapshots, computes per-stop ETAs, and sends at most one
// notification per (trip instance, stop, subscriber) for the lifetime of
// the trip.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
)

// Notification is one approaching-stop alert.
type Notification struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	TripID       uuid.UUID `json:"trip_id"`
	BusID        uuid.UUID `json:"bus_id"`
	StopID       uuid.UUID `json:"stop_id"`
	StopName     string    `json:"stop_name"`
	EtaMinutes   int       `json:"eta_minutes"`
	DistanceKm   float64   `json:"distance_km"`
	SentAt       time.Time `json:"sent_at"`
}

// Sink is the outbound delivery transport. Fire-and-forget from the
// notifier's perspective: a returned error is logged, never retried.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// RiderLookup answers "who rides this stop". Backed by the assignment
// store; the notifier treats it as external data.
type RiderLookup interface {
	RidersAtStop(ctx context.Context, stopID uuid.UUID) ([]domain.Rider, error)
}

// RouteSource loads the route's stops for per-stop ETA computation.
type RouteSource interface {
	GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error)
}

// Metrics is the slice of instrumentation the notifier reports to.
type Metrics interface {
	NotificationSentInc()
	NotificationSuppressedInc()
	NotificationErrInc()
}

// ArrivalNotifier evaluates snapshots against rider alert windows.
//
// Dedup records live in memory, partitioned by trip instance key and
// cleared when the trip goes terminal. The record is written before the
// send attempt: a sink failure can lose a notification but can never
// duplicate one.
type ArrivalNotifier struct {
	sink    Sink
	riders  RiderLookup
	routes  RouteSource
	log     *slog.Logger
	metrics Metrics // optional

	mu   sync.Mutex
	sent map[string]map[string]struct{} // instance key → stopID|subscriberID

	now func() time.Time
}

func NewArrivalNotifier(sink Sink, riders RiderLookup, routes RouteSource, m Metrics, log *slog.Logger) *ArrivalNotifier {
	return &ArrivalNotifier{
		sink:    sink,
		riders:  riders,
		routes:  routes,
		log:     log,
		metrics: m,
		sent:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Evaluate examines one snapshot. For every stop from the trip's resolved
// index onward, riders whose alert window covers the computed ETA get one
// notification each. Terminal snapshots release the trip's dedup records
// instead.
func (n *ArrivalNotifier) Evaluate(ctx context.Context, snap domain.TripSnapshot) {
	if snap.Status.Terminal() {
		n.clear(snap.InstanceKey())
		return
	}
	if !snap.Status.Active() || snap.Position == nil {
		return
	}

	route, err := n.routes.GetRoute(ctx, snap.RouteID)
	if err != nil {
		n.log.Warn("arrival evaluation skipped, route unavailable",
			"trip_id", snap.TripID, "error", err)
		return
	}

	pos := geo.Point{Lat: snap.Position.Lat, Lon: snap.Position.Lon}
	instance := snap.InstanceKey()

	for i := snap.NextStopIndex; i >= 0 && i < len(route.Stops); i++ {
		stop := route.Stops[i]
		target := geo.Point{Lat: stop.Lat, Lon: stop.Lon}
		eta := geo.ETA(pos, target, snap.Position.SpeedKmh)

		riders, err := n.riders.RidersAtStop(ctx, stop.ID)
		if err != nil {
			n.log.Warn("rider lookup failed", "stop_id", stop.ID, "error", err)
			continue
		}
		for _, r := range riders {
			if !r.WantsArrivalAlert || r.AlertWindowMin < eta {
				continue
			}
			if !n.mark(instance, stop.ID, r.SubscriberID) {
				if n.metrics != nil {
					n.metrics.NotificationSuppressedInc()
				}
				continue
			}
			n.send(ctx, Notification{
				SubscriberID: r.SubscriberID,
				TripID:       snap.TripID,
				BusID:        snap.BusID,
				StopID:       stop.ID,
				StopName:     stop.Name,
				EtaMinutes:   eta,
				DistanceKm:   geo.Distance(pos, target),
				SentAt:       n.now(),
			})
		}
	}
}

// mark writes the dedup record, reporting false when it already existed.
func (n *ArrivalNotifier) mark(instance string, stopID, subscriberID uuid.UUID) bool {
	key := stopID.String() + "|" + subscriberID.String()
	n.mu.Lock()
	defer n.mu.Unlock()
	records, ok := n.sent[instance]
	if !ok {
		records = make(map[string]struct{})
		n.sent[instance] = records
	}
	if _, exists := records[key]; exists {
		return false
	}
	records[key] = struct{}{}
	return true
}

func (n *ArrivalNotifier) clear(instance string) {
	n.mu.Lock()
	delete(n.sent, instance)
	n.mu.Unlock()
}

func (n *ArrivalNotifier) send(ctx context.Context, notif Notification) {
	if err := n.sink.Send(ctx, notif); err != nil {
		// Record stays in place: losing an alert beats duplicating one.
		n.log.Error("notification send failed",
			"subscriber_id", notif.SubscriberID, "trip_id", notif.TripID, "error", err)
		if n.metrics != nil {
			n.metrics.NotificationErrInc()
		}
		return
	}
	n.log.Info("arrival notification sent",
		"subscriber_id", notif.SubscriberID, "trip_id", notif.TripID,
		"stop", notif.StopName, "eta_min", notif.EtaMinutes)
	if n.metrics != nil {
		n.metrics.NotificationSentInc()
	}
}
