// Package access decides who may watch what. The gate is a pure predicate
// over external authorization data; decisions are never cached, every
// Subscribe re-evaluates from scratch so revoked assignments take effect on
// the next reconnect.
package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// TripSource resolves a trip's school and route for scoping decisions.
type TripSource interface {
	GetTrip(ctx context.Context, id uuid.UUID) (domain.Trip, error)
}

// AssignmentSource answers whether a guardian or student has an active
// transport assignment on a route. Backed by the external assignment data.
type AssignmentSource interface {
	HasActiveAssignment(ctx context.Context, principalID, routeID uuid.UUID) (bool, error)
}

// Gate authorizes subscription scopes against a principal.
type Gate struct {
	trips       TripSource
	assignments AssignmentSource
}

func NewGate(trips TripSource, assignments AssignmentSource) *Gate {
	return &Gate{trips: trips, assignments: assignments}
}

// Authorize reports whether the principal may subscribe to the scope.
//
// Trip scope: the trip's driver, a dispatcher or admin of the trip's
// school, or a guardian/student with an active assignment on the trip's
// route. School scope: dispatchers and admins of that school only.
//
// Returns domain.ErrUnauthorized on a denied scope so handlers can map it
// uniformly; lookup failures pass through wrapped.
func (g *Gate) Authorize(ctx context.Context, p domain.Principal, scope domain.SubscriptionScope) error {
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("access.Gate.Authorize: %w", err)
	}

	switch scope.Kind {
	case domain.ScopeSchool:
		if (p.Role == domain.RoleDispatcher || p.Role == domain.RoleAdmin) && p.SchoolID == scope.ID {
			return nil
		}
		return fmt.Errorf("access.Gate.Authorize: role %s for school %s: %w", p.Role, scope.ID, domain.ErrUnauthorized)

	case domain.ScopeTrip:
		t, err := g.trips.GetTrip(ctx, scope.ID)
		if err != nil {
			return fmt.Errorf("access.Gate.Authorize: %w", err)
		}
		switch p.Role {
		case domain.RoleDriver:
			if t.DriverID == p.ID {
				return nil
			}
		case domain.RoleDispatcher, domain.RoleAdmin:
			if t.SchoolID == p.SchoolID {
				return nil
			}
		case domain.RoleGuardian, domain.RoleStudent:
			ok, err := g.assignments.HasActiveAssignment(ctx, p.ID, t.RouteID)
			if err != nil {
				return fmt.Errorf("access.Gate.Authorize: %w", err)
			}
			if ok {
				return nil
			}
		}
		return fmt.Errorf("access.Gate.Authorize: role %s for trip %s: %w", p.Role, scope.ID, domain.ErrUnauthorized)
	}
	return fmt.Errorf("access.Gate.Authorize: %w", domain.ErrValidation)
}

// AuthorizeCommand reports whether the principal may drive a trip's
// lifecycle (start, end, cancel, attendance, location ingest): the trip's
// driver or a dispatcher/admin of the trip's school. Guardians and
// students can watch a trip but never mutate it.
func (g *Gate) AuthorizeCommand(ctx context.Context, p domain.Principal, tripID uuid.UUID) error {
	t, err := g.trips.GetTrip(ctx, tripID)
	if err != nil {
		return fmt.Errorf("access.Gate.AuthorizeCommand: %w", err)
	}
	switch p.Role {
	case domain.RoleDriver:
		if t.DriverID == p.ID {
			return nil
		}
	case domain.RoleDispatcher, domain.RoleAdmin:
		if t.SchoolID == p.SchoolID {
			return nil
		}
	}
	return fmt.Errorf("access.Gate.AuthorizeCommand: role %s for trip %s: %w", p.Role, tripID, domain.ErrUnauthorized)
}
