// Package domain contains the core data types for the fleet tracking engine.
// This package has zero external dependencies beyond uuid and is imported by
// every other internal package (repo, trip, ingest, broker, notify, handler).
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TripStatus is the lifecycle state of a trip.
// Transitions are one-directional except IN_PROGRESS ↔ DELAYED.
type TripStatus string

const (
	TripScheduled  TripStatus = "SCHEDULED"
	TripInProgress TripStatus = "IN_PROGRESS"
	TripDelayed    TripStatus = "DELAYED"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)

// Active reports whether the trip accepts location samples in this status.
func (s TripStatus) Active() bool {
	return s == TripInProgress || s == TripDelayed
}

// Terminal reports whether the status is final. No transition leaves a
// terminal status.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// TripType distinguishes the scheduled purpose of a run.
type TripType string

const (
	TripMorningPickup  TripType = "MORNING_PICKUP"
	TripEveningDropoff TripType = "EVENING_DROPOFF"
	TripSpecial        TripType = "SPECIAL"
)

// Position is the last known location of a trip's bus.
// A trip has no position until it enters IN_PROGRESS.
type Position struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedKmh   float64   `json:"speed_kmh"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

// Trip represents one scheduled run of a bus along a route.
// The live fields (status, position, metrics) are owned exclusively by the
// trip state machine; everything else is seeded from the scheduling CRUD.
type Trip struct {
	ID       uuid.UUID
	BusID    uuid.UUID
	RouteID  uuid.UUID
	SchoolID uuid.UUID
	DriverID uuid.UUID
	Type     TripType
	Status   TripStatus

	ScheduledStart time.Time
	ScheduledEnd   time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
}

// InstanceKey distinguishes one scheduled run of a route from a repeat of
// the same route on another day. Used to scope notification dedup records.
func (t Trip) InstanceKey() string {
	return t.ID.String() + "@" + t.ScheduledStart.UTC().Format(time.RFC3339)
}

// TripSnapshot is an immutable, fully populated copy of a trip's live fields
// at a point in time. It is the unit of broadcast: every message delivered to
// a subscriber is a full snapshot, never a delta.
type TripSnapshot struct {
	TripID   uuid.UUID  `json:"trip_id"`
	BusID    uuid.UUID  `json:"bus_id"`
	RouteID  uuid.UUID  `json:"route_id"`
	SchoolID uuid.UUID  `json:"school_id"`
	Type     TripType   `json:"trip_type"`
	Status   TripStatus `json:"status"`

	// Position is nil until the trip enters IN_PROGRESS.
	Position *Position `json:"position,omitempty"`

	DistanceTraveledKm float64 `json:"distance_traveled_km"`
	AverageSpeedKmh    float64 `json:"average_speed_kmh"`
	MaxSpeedKmh        float64 `json:"max_speed_kmh"`
	StudentsOnboard    int     `json:"students_onboard"`

	// NextStopID and the ETAs are zero/nil when no position is known yet or
	// the route has been fully traversed.
	NextStopID    uuid.UUID  `json:"next_stop_id,omitempty"`
	NextStopIndex int        `json:"-"`
	NextStopETA   *time.Time `json:"next_stop_eta,omitempty"`
	TerminalETA   *time.Time `json:"terminal_eta,omitempty"`

	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`
}

// InstanceKey mirrors Trip.InstanceKey for snapshot consumers.
func (s TripSnapshot) InstanceKey() string {
	return s.TripID.String() + "@" + s.ScheduledStart.UTC().Format(time.RFC3339)
}
