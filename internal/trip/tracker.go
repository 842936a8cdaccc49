package trip

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
)

// TripStore is the persistence the tracker needs: loading scheduled trips
// and writing lifecycle transitions back. Defined here, in the consumer
// package, so the tracker can be unit-tested with a mock.
type TripStore interface {
	// GetTrip loads a trip by id. Returns domain.ErrNotFound when absent.
	GetTrip(ctx context.Context, id uuid.UUID) (domain.Trip, error)

	// SaveTransition persists the lifecycle fields and final metrics of a
	// snapshot (status, actual start/end, distance, speeds, onboard count).
	SaveTransition(ctx context.Context, snap domain.TripSnapshot) error
}

// RouteSource loads a route with its ordered stops.
type RouteSource interface {
	GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error)
}

// Router is the outbound routing provider used for route-level
// precomputation at trip start. Per-sample ETAs never call it; they use
// package geo locally. Implementations must be safe for concurrent use.
type Router interface {
	Estimate(ctx context.Context, origin, dest geo.Point) (RouteEstimate, error)
}

// Metrics is the slice of instrumentation the tracker reports to: the
// number of trips with a live in-memory machine.
type Metrics interface {
	TripTrackedInc()
	TripTrackedDec()
}

// Tracker owns one Machine per tracked trip. Machines are created lazily
// from the store on first touch and dropped after their trip has been
// terminal for a retention interval (the archived row remains in the
// database; only the in-memory machine is reclaimed).
//
// The registry map is the only cross-trip shared structure; it is guarded
// by an RWMutex held just long enough to look up or insert a machine, never
// during Apply or I/O.
type Tracker struct {
	store   TripStore
	routes  RouteSource
	router  Router  // optional; nil disables route-level precomputation
	metrics Metrics // optional
	log     *slog.Logger

	// OnChange, when set, is invoked with the snapshot produced by every
	// lifecycle transition and monitor-driven status change. Sample applies
	// are published by the ingestor instead. Must not block.
	OnChange func(domain.TripSnapshot)

	overdueGrace time.Duration

	mu       sync.RWMutex
	machines map[uuid.UUID]*Machine
}

// NewTracker constructs a Tracker. router and m may be nil.
// overdueGrace is how long past scheduled_end an active trip may run before
// the monitor force-completes it; zero disables auto-ending.
func NewTracker(store TripStore, routes RouteSource, router Router, overdueGrace time.Duration, m Metrics, log *slog.Logger) *Tracker {
	return &Tracker{
		store:        store,
		routes:       routes,
		router:       router,
		metrics:      m,
		log:          log,
		overdueGrace: overdueGrace,
		machines:     make(map[uuid.UUID]*Machine),
	}
}

// Machine returns the state machine for the given trip, creating it from
// the store on first touch. Returns domain.ErrNotFound for unknown trips.
func (tr *Tracker) Machine(ctx context.Context, tripID uuid.UUID) (*Machine, error) {
	tr.mu.RLock()
	m, ok := tr.machines[tripID]
	tr.mu.RUnlock()
	if ok {
		return m, nil
	}

	t, err := tr.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("trip.Tracker.Machine: %w", err)
	}
	route, err := tr.routes.GetRoute(ctx, t.RouteID)
	if err != nil {
		return nil, fmt.Errorf("trip.Tracker.Machine: route: %w", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	// Another goroutine may have raced the load; keep the first machine so
	// there is exactly one writer per trip.
	if m, ok := tr.machines[tripID]; ok {
		return m, nil
	}
	m = NewMachine(t, route.Stops)
	tr.machines[tripID] = m
	if tr.metrics != nil {
		tr.metrics.TripTrackedInc()
	}
	return m, nil
}

// Start drives the SCHEDULED → IN_PROGRESS transition: state machine first,
// then persistence, then the route-level ETA precomputation and the change
// broadcast. Routing failures degrade to the GeoMath estimate already
// computed from the start position.
func (tr *Tracker) Start(ctx context.Context, tripID uuid.UUID, loc geo.Point) (domain.TripSnapshot, error) {
	m, err := tr.Machine(ctx, tripID)
	if err != nil {
		return domain.TripSnapshot{}, err
	}
	snap, err := m.Start(loc)
	if err != nil {
		return snap, err
	}
	tr.persist(ctx, snap)

	if tr.router != nil {
		if est, ok := tr.routeEstimate(ctx, m, loc); ok {
			m.SeedEstimate(est)
			snap = m.Snapshot()
		}
	}
	tr.notifyChange(snap)
	return snap, nil
}

// End drives the transition to COMPLETED and publishes the final snapshot.
func (tr *Tracker) End(ctx context.Context, tripID uuid.UUID, endLoc *geo.Point) (domain.TripSnapshot, error) {
	m, err := tr.Machine(ctx, tripID)
	if err != nil {
		return domain.TripSnapshot{}, err
	}
	snap, err := m.End(endLoc)
	if err != nil {
		return snap, err
	}
	tr.persist(ctx, snap)
	tr.notifyChange(snap)
	return snap, nil
}

// Cancel drives the transition to CANCELLED, publishes the final snapshot,
// and freezes further applies (the machine rejects them as terminal).
func (tr *Tracker) Cancel(ctx context.Context, tripID uuid.UUID, reason string) (domain.TripSnapshot, error) {
	m, err := tr.Machine(ctx, tripID)
	if err != nil {
		return domain.TripSnapshot{}, err
	}
	snap, err := m.Cancel(reason)
	if err != nil {
		return snap, err
	}
	tr.persist(ctx, snap)
	tr.notifyChange(snap)
	return snap, nil
}

// Attendance adjusts the students-onboard count and publishes the new
// snapshot. pickups and dropoffs are non-negative counts from the driver's
// attendance marking.
func (tr *Tracker) Attendance(ctx context.Context, tripID uuid.UUID, pickups, dropoffs int) (domain.TripSnapshot, error) {
	m, err := tr.Machine(ctx, tripID)
	if err != nil {
		return domain.TripSnapshot{}, err
	}
	snap, err := m.AdjustOnboard(pickups - dropoffs)
	if err != nil {
		return snap, err
	}
	tr.notifyChange(snap)
	return snap, nil
}

// Latest returns the most recent snapshot for a trip already being tracked.
// It never touches the store: subscribers to a trip that has produced no
// state yet are served by Machine + Snapshot via LatestOrLoad.
func (tr *Tracker) Latest(tripID uuid.UUID) (domain.TripSnapshot, bool) {
	tr.mu.RLock()
	m, ok := tr.machines[tripID]
	tr.mu.RUnlock()
	if !ok {
		return domain.TripSnapshot{}, false
	}
	return m.Snapshot(), true
}

// LatestOrLoad returns the current snapshot for a trip, materializing the
// machine from the store if needed, so a new subscriber always sees current
// state immediately even before the first sample arrives.
func (tr *Tracker) LatestOrLoad(ctx context.Context, tripID uuid.UUID) (domain.TripSnapshot, error) {
	m, err := tr.Machine(ctx, tripID)
	if err != nil {
		return domain.TripSnapshot{}, err
	}
	return m.Snapshot(), nil
}

// ActiveBySchool returns the latest snapshot of every tracked trip of the
// given school that is currently accepting samples, ordered by scheduled
// start. Used to seed school-scoped subscriptions on connect.
func (tr *Tracker) ActiveBySchool(schoolID uuid.UUID) []domain.TripSnapshot {
	tr.mu.RLock()
	machines := make([]*Machine, 0, len(tr.machines))
	for _, m := range tr.machines {
		machines = append(machines, m)
	}
	tr.mu.RUnlock()

	var snaps []domain.TripSnapshot
	for _, m := range machines {
		snap := m.Snapshot()
		if snap.SchoolID == schoolID && snap.Status.Active() {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].ScheduledStart.Before(snaps[j].ScheduledStart)
	})
	return snaps
}

// terminalRetention is how long a finished trip's machine stays in memory
// before the monitor reclaims it. The archived row outlives the machine.
const terminalRetention = 15 * time.Minute

// RunMonitor periodically re-derives DELAYED states, force-completes
// trips that overran scheduled_end by more than the overdue grace, and
// reclaims machines of trips that finished a while ago. Blocks until ctx
// is cancelled; run it on its own goroutine.
func (tr *Tracker) RunMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tr.Sweep(ctx)
		}
	}
}

// Sweep runs a single monitor pass; RunMonitor calls it on every tick.
func (tr *Tracker) Sweep(ctx context.Context) {
	tr.mu.RLock()
	machines := make([]*Machine, 0, len(tr.machines))
	for _, m := range tr.machines {
		machines = append(machines, m)
	}
	tr.mu.RUnlock()

	now := time.Now()
	for _, m := range machines {
		snap := m.Snapshot()
		if snap.Status.Terminal() {
			if end := snap.ActualEnd; end != nil && now.Sub(*end) > terminalRetention {
				tr.Evict(snap.TripID)
			}
			continue
		}
		if !snap.Status.Active() {
			continue
		}

		if tr.overdueGrace > 0 && now.After(snap.ScheduledEnd.Add(tr.overdueGrace)) {
			ended, err := m.End(nil)
			if err != nil {
				continue
			}
			tr.log.Info("auto-ended overdue trip",
				"trip_id", ended.TripID, "scheduled_end", snap.ScheduledEnd)
			tr.persist(ctx, ended)
			tr.notifyChange(ended)
			continue
		}

		if refreshed, changed := m.RefreshDelay(); changed {
			tr.log.Info("trip delay state changed",
				"trip_id", refreshed.TripID, "status", refreshed.Status)
			tr.persist(ctx, refreshed)
			tr.notifyChange(refreshed)
		}
	}
}

// Evict drops the in-memory machine for a terminal trip. No-op when the
// trip is still active or unknown.
func (tr *Tracker) Evict(tripID uuid.UUID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if m, ok := tr.machines[tripID]; ok && m.Snapshot().Status.Terminal() {
		delete(tr.machines, tripID)
		if tr.metrics != nil {
			tr.metrics.TripTrackedDec()
		}
	}
}

func (tr *Tracker) routeEstimate(ctx context.Context, m *Machine, origin geo.Point) (RouteEstimate, bool) {
	snap := m.Snapshot()
	route, err := tr.routes.GetRoute(ctx, snap.RouteID)
	if err != nil {
		return RouteEstimate{}, false
	}
	terminal, ok := route.Terminal()
	if !ok {
		return RouteEstimate{}, false
	}
	est, err := tr.router.Estimate(ctx, origin, geo.Point{Lat: terminal.Lat, Lon: terminal.Lon})
	if err != nil {
		tr.log.Warn("routing provider unavailable, using local estimate",
			"trip_id", snap.TripID, "error", err)
		return RouteEstimate{}, false
	}
	return est, true
}

func (tr *Tracker) persist(ctx context.Context, snap domain.TripSnapshot) {
	if err := tr.store.SaveTransition(ctx, snap); err != nil {
		tr.log.Error("persist trip transition", "trip_id", snap.TripID, "error", err)
	}
}

func (tr *Tracker) notifyChange(snap domain.TripSnapshot) {
	if tr.OnChange != nil {
		tr.OnChange(snap)
	}
}
