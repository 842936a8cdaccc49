package domain

import "github.com/google/uuid"

// Assignment links a guardian or student principal to the stop they board
// at on a route, together with their arrival alert preferences. Assignments
// are managed by the external enrollment CRUD; the engine reads them for
// access checks and arrival notifications.
type Assignment struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	RouteID     uuid.UUID
	StopID      uuid.UUID

	AlertWindowMin    int
	WantsArrivalAlert bool

	// Active is false once the assignment is revoked; inactive assignments
	// grant no access and trigger no notifications.
	Active bool
}

// Rider returns the notification-facing view of the assignment.
func (a Assignment) Rider() Rider {
	return Rider{
		SubscriberID:      a.PrincipalID,
		AlertWindowMin:    a.AlertWindowMin,
		WantsArrivalAlert: a.WantsArrivalAlert,
	}
}
