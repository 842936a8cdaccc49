package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Role is the explicit role of an authenticated principal. Replaces
// duck-typed profile checks with a typed enum the access gate can switch on.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleDispatcher Role = "DISPATCHER"
	RoleDriver     Role = "DRIVER"
	RoleGuardian   Role = "GUARDIAN"
	RoleStudent    Role = "STUDENT"
)

// Principal is the authenticated identity opening a tracking channel.
// Identity verification itself is external; the engine only consumes the
// resolved id, role, and school membership.
type Principal struct {
	ID       uuid.UUID
	Role     Role
	SchoolID uuid.UUID
}

// ScopeKind selects the breadth of a subscription.
type ScopeKind string

const (
	ScopeTrip   ScopeKind = "trip"
	ScopeSchool ScopeKind = "school"
)

// SubscriptionScope identifies what a subscriber is watching: a single trip
// or every active trip of a school.
type SubscriptionScope struct {
	Kind ScopeKind
	ID   uuid.UUID // trip id for ScopeTrip, school id for ScopeSchool
}

// TripScope returns a scope covering a single trip.
func TripScope(tripID uuid.UUID) SubscriptionScope {
	return SubscriptionScope{Kind: ScopeTrip, ID: tripID}
}

// SchoolScope returns a scope covering all trips of a school.
func SchoolScope(schoolID uuid.UUID) SubscriptionScope {
	return SubscriptionScope{Kind: ScopeSchool, ID: schoolID}
}

// Validate rejects scopes with an unknown kind or zero id.
func (s SubscriptionScope) Validate() error {
	if s.Kind != ScopeTrip && s.Kind != ScopeSchool {
		return fmt.Errorf("%w: unknown scope kind %q", ErrValidation, s.Kind)
	}
	if s.ID == uuid.Nil {
		return fmt.Errorf("%w: scope id is required", ErrValidation)
	}
	return nil
}

func (s SubscriptionScope) String() string {
	return string(s.Kind) + ":" + s.ID.String()
}
