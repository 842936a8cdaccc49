// Package trip owns the live state of trips: the per-trip state machine and
// the process-wide tracker that manages one machine per active trip.
//
// All mutation of a trip's live fields goes through its Machine, which
// serializes writers with a per-trip mutex (single-writer-per-trip). Shared
// state is partitioned by trip id; there are no global locks beyond the
// tracker's registry map.
package trip

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
)

// delayGrace is how far the projected terminal arrival may slip past the
// scheduled end before the trip is flagged DELAYED.
const delayGrace = 5 * time.Minute

// RouteEstimate is a route-level distance/duration precomputation, typically
// produced by an external routing provider at trip start.
type RouteEstimate struct {
	DistanceKm  float64
	DurationMin int
}

// Machine is the state machine for a single trip. It owns the trip's
// lifecycle status, current position snapshot, and derived metrics.
//
// Methods are safe for concurrent use; each call locks the machine, so
// concurrent samples for one trip are applied strictly in arrival order.
type Machine struct {
	mu sync.Mutex

	trip  domain.Trip
	stops []domain.Stop

	pos             *domain.Position
	distanceKm      float64
	avgSpeedKmh     float64
	maxSpeedKmh     float64
	studentsOnboard int

	nextStop     domain.Stop
	nextStopIdx  int
	nextStopETA  *time.Time
	terminalETA  *time.Time
	cancelReason string

	now func() time.Time
}

// NewMachine builds a Machine for the given trip and its route stops
// (ordered by sequence ascending). The trip is taken as-is; a freshly
// materialized trip arrives in SCHEDULED.
func NewMachine(t domain.Trip, stops []domain.Stop) *Machine {
	return &Machine{
		trip:  t,
		stops: stops,
		now:   time.Now,
	}
}

// Start transitions the trip from SCHEDULED to IN_PROGRESS, recording the
// actual start time and the initial position.
// Returns domain.ErrIllegalTransition from any other state.
func (m *Machine) Start(loc geo.Point) (domain.TripSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trip.Status != domain.TripScheduled {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.Start: from %s: %w", m.trip.Status, domain.ErrIllegalTransition)
	}

	now := m.now()
	m.trip.Status = domain.TripInProgress
	m.trip.ActualStart = &now
	m.pos = &domain.Position{Lat: loc.Lat, Lon: loc.Lon, CapturedAt: now}
	m.resolveProgressLocked(now)
	return m.snapshotLocked(), nil
}

// Apply folds one location sample into the trip state: position, cumulative
// distance, speed metrics, next-stop resolution, and ETAs.
//
// Returns domain.ErrStaleSample (state unchanged) when the sample does not
// advance captured_at, domain.ErrTripNotActive before the trip starts, and
// domain.ErrIllegalTransition once the trip is terminal. The returned
// snapshot is always the current state, so callers can echo it on rejection.
func (m *Machine) Apply(sample domain.LocationSample) (domain.TripSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trip.Status.Terminal() {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.Apply: trip %s: %w", m.trip.Status, domain.ErrIllegalTransition)
	}
	if !m.trip.Status.Active() {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.Apply: trip %s: %w", m.trip.Status, domain.ErrTripNotActive)
	}
	if m.pos != nil && !sample.CapturedAt.After(m.pos.CapturedAt) {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.Apply: captured_at %s does not advance %s: %w",
			sample.CapturedAt.Format(time.RFC3339), m.pos.CapturedAt.Format(time.RFC3339), domain.ErrStaleSample)
	}

	prev := m.pos
	next := geo.Point{Lat: sample.Lat, Lon: sample.Lon}

	var legKm float64
	if prev != nil {
		legKm = geo.Distance(geo.Point{Lat: prev.Lat, Lon: prev.Lon}, next)
		m.distanceKm += legKm
	}

	speed := m.deriveSpeedLocked(sample, prev, legKm)
	pos := domain.Position{
		Lat:        sample.Lat,
		Lon:        sample.Lon,
		SpeedKmh:   speed,
		CapturedAt: sample.CapturedAt,
	}
	if sample.HeadingDeg != nil {
		pos.HeadingDeg = *sample.HeadingDeg
	} else if prev != nil {
		pos.HeadingDeg = prev.HeadingDeg
	}
	if sample.AccuracyM != nil {
		pos.AccuracyM = *sample.AccuracyM
	}
	m.pos = &pos

	if speed > m.maxSpeedKmh {
		m.maxSpeedKmh = speed
	}
	if start := m.trip.ActualStart; start != nil {
		if elapsed := sample.CapturedAt.Sub(*start).Hours(); elapsed > 0 {
			m.avgSpeedKmh = m.distanceKm / elapsed
		}
	}

	m.resolveProgressLocked(m.now())
	return m.snapshotLocked(), nil
}

// End transitions the trip to COMPLETED, optionally recording a final
// position. Legal only while IN_PROGRESS or DELAYED.
func (m *Machine) End(endLoc *geo.Point) (domain.TripSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.trip.Status.Active() {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.End: from %s: %w", m.trip.Status, domain.ErrIllegalTransition)
	}

	now := m.now()
	if endLoc != nil {
		if m.pos != nil {
			m.distanceKm += geo.Distance(geo.Point{Lat: m.pos.Lat, Lon: m.pos.Lon}, *endLoc)
		}
		m.pos = &domain.Position{Lat: endLoc.Lat, Lon: endLoc.Lon, CapturedAt: now}
	}
	m.trip.Status = domain.TripCompleted
	m.trip.ActualEnd = &now
	m.nextStopETA = nil
	m.terminalETA = nil
	return m.snapshotLocked(), nil
}

// Cancel transitions the trip to CANCELLED from SCHEDULED, IN_PROGRESS, or
// DELAYED. Terminal: every later transition fails.
func (m *Machine) Cancel(reason string) (domain.TripSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trip.Status.Terminal() {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.Cancel: from %s: %w", m.trip.Status, domain.ErrIllegalTransition)
	}

	now := m.now()
	m.trip.Status = domain.TripCancelled
	m.trip.ActualEnd = &now
	m.cancelReason = reason
	m.nextStopETA = nil
	m.terminalETA = nil
	return m.snapshotLocked(), nil
}

// AdjustOnboard changes the students-onboard count by delta (pickup +1,
// dropoff -1), floored at zero. Legal only while the trip is active.
func (m *Machine) AdjustOnboard(delta int) (domain.TripSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.trip.Status.Active() {
		return m.snapshotLocked(), fmt.Errorf("trip.Machine.AdjustOnboard: trip %s: %w", m.trip.Status, domain.ErrTripNotActive)
	}
	m.studentsOnboard += delta
	if m.studentsOnboard < 0 {
		m.studentsOnboard = 0
	}
	return m.snapshotLocked(), nil
}

// SeedEstimate sets the initial terminal ETA from a route-level estimate.
// Used at trip start before any samples refine it; per-sample ETAs computed
// from live position take precedence.
func (m *Machine) SeedEstimate(est RouteEstimate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trip.ActualStart == nil || m.trip.Status.Terminal() {
		return
	}
	at := m.trip.ActualStart.Add(time.Duration(est.DurationMin) * time.Minute)
	m.terminalETA = &at
}

// RefreshDelay re-derives the DELAYED sub-state from the wall clock and the
// projected terminal arrival. Returns the snapshot and whether the status
// changed. DELAYED is informational: it flips back to IN_PROGRESS when the
// trip recovers its pace.
func (m *Machine) RefreshDelay() (domain.TripSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.trip.Status.Active() {
		return m.snapshotLocked(), false
	}
	before := m.trip.Status
	m.refreshDelayLocked(m.now())
	return m.snapshotLocked(), m.trip.Status != before
}

// Snapshot returns an immutable copy of the trip's live fields.
func (m *Machine) Snapshot() domain.TripSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// TripID returns the id of the trip this machine owns.
func (m *Machine) TripID() uuid.UUID { return m.trip.ID }

// deriveSpeedLocked prefers the device-reported speed and falls back to
// distance over elapsed capture time when the device omits it.
func (m *Machine) deriveSpeedLocked(sample domain.LocationSample, prev *domain.Position, legKm float64) float64 {
	if sample.SpeedKmh != nil && *sample.SpeedKmh >= 0 {
		return *sample.SpeedKmh
	}
	if prev != nil {
		if dt := sample.CapturedAt.Sub(prev.CapturedAt).Hours(); dt > 0 {
			return legKm / dt
		}
	}
	return 0
}

// resolveProgressLocked recomputes next-stop, ETAs, and the DELAYED
// sub-state from the current position. The resolved stop index only moves
// forward (see geo.ResolveNextStop).
func (m *Machine) resolveProgressLocked(now time.Time) {
	if m.pos == nil {
		return
	}
	cur := geo.Point{Lat: m.pos.Lat, Lon: m.pos.Lon}

	stop, _, idx, ok := geo.ResolveNextStop(m.stops, m.nextStopIdx, cur)
	if ok {
		m.nextStop = stop
		m.nextStopIdx = idx
		at := geo.ETAAt(now, cur, geo.Point{Lat: stop.Lat, Lon: stop.Lon}, m.pos.SpeedKmh)
		m.nextStopETA = &at
	} else {
		m.nextStopETA = nil
	}

	if len(m.stops) > 0 {
		terminal := m.stops[len(m.stops)-1]
		at := geo.ETAAt(now, cur, geo.Point{Lat: terminal.Lat, Lon: terminal.Lon}, m.pos.SpeedKmh)
		m.terminalETA = &at
	}

	m.refreshDelayLocked(now)
}

func (m *Machine) refreshDelayLocked(now time.Time) {
	if !m.trip.Status.Active() || m.trip.ScheduledEnd.IsZero() {
		return
	}
	late := now.After(m.trip.ScheduledEnd)
	if !late && m.terminalETA != nil {
		late = m.terminalETA.After(m.trip.ScheduledEnd.Add(delayGrace))
	}
	if late {
		m.trip.Status = domain.TripDelayed
	} else {
		m.trip.Status = domain.TripInProgress
	}
}

func (m *Machine) snapshotLocked() domain.TripSnapshot {
	snap := domain.TripSnapshot{
		TripID:             m.trip.ID,
		BusID:              m.trip.BusID,
		RouteID:            m.trip.RouteID,
		SchoolID:           m.trip.SchoolID,
		Type:               m.trip.Type,
		Status:             m.trip.Status,
		DistanceTraveledKm: m.distanceKm,
		AverageSpeedKmh:    m.avgSpeedKmh,
		MaxSpeedKmh:        m.maxSpeedKmh,
		StudentsOnboard:    m.studentsOnboard,
		NextStopIndex:      m.nextStopIdx,
		ScheduledStart:     m.trip.ScheduledStart,
		ScheduledEnd:       m.trip.ScheduledEnd,
		ActualStart:        m.trip.ActualStart,
		ActualEnd:          m.trip.ActualEnd,
		CancelReason:       m.cancelReason,
	}
	if m.pos != nil {
		p := *m.pos
		snap.Position = &p
	}
	if m.nextStopETA != nil {
		snap.NextStopID = m.nextStop.ID
		at := *m.nextStopETA
		snap.NextStopETA = &at
	}
	if m.terminalETA != nil {
		at := *m.terminalETA
		snap.TerminalETA = &at
	}
	return snap
}
