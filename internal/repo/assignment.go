package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// AssignmentRepo reads transport assignments: which principal boards at
// which stop, and whether they still may. Satisfies notify.RiderLookup and
// access.AssignmentSource.
type AssignmentRepo interface {
	// Create inserts an assignment and returns the persisted record.
	Create(ctx context.Context, a domain.Assignment) (domain.Assignment, error)

	// RidersAtStop returns the notification view of every active
	// assignment at the stop.
	RidersAtStop(ctx context.Context, stopID uuid.UUID) ([]domain.Rider, error)

	// HasActiveAssignment reports whether the principal has an active
	// assignment on the route.
	HasActiveAssignment(ctx context.Context, principalID, routeID uuid.UUID) (bool, error)
}

type pgAssignmentRepo struct {
	db db
}

func NewAssignmentRepo(db db) AssignmentRepo {
	return &pgAssignmentRepo{db: db}
}

func (r *pgAssignmentRepo) Create(ctx context.Context, a domain.Assignment) (domain.Assignment, error) {
	const q = `
		INSERT INTO assignments (principal_id, route_id, stop_id, alert_window_min, wants_arrival_alert, active)
		VALUES (@principal_id, @route_id, @stop_id, @alert_window_min, @wants_arrival_alert, @active)
		RETURNING id, principal_id, route_id, stop_id, alert_window_min, wants_arrival_alert, active`

	args := pgx.NamedArgs{
		"principal_id":        a.PrincipalID,
		"route_id":            a.RouteID,
		"stop_id":             a.StopID,
		"alert_window_min":    a.AlertWindowMin,
		"wants_arrival_alert": a.WantsArrivalAlert,
		"active":              a.Active,
	}

	var out domain.Assignment
	err := r.db.QueryRow(ctx, q, args).Scan(&out.ID, &out.PrincipalID, &out.RouteID, &out.StopID,
		&out.AlertWindowMin, &out.WantsArrivalAlert, &out.Active)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("repo.AssignmentRepo.Create: %w", err)
	}
	return out, nil
}

func (r *pgAssignmentRepo) RidersAtStop(ctx context.Context, stopID uuid.UUID) ([]domain.Rider, error) {
	const q = `
		SELECT principal_id, alert_window_min, wants_arrival_alert
		FROM assignments
		WHERE stop_id = @stop_id AND active`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"stop_id": stopID})
	if err != nil {
		return nil, fmt.Errorf("repo.AssignmentRepo.RidersAtStop: %w", err)
	}
	defer rows.Close()

	var riders []domain.Rider
	for rows.Next() {
		var rd domain.Rider
		if err := rows.Scan(&rd.SubscriberID, &rd.AlertWindowMin, &rd.WantsArrivalAlert); err != nil {
			return nil, fmt.Errorf("repo.AssignmentRepo.RidersAtStop: scan: %w", err)
		}
		riders = append(riders, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.AssignmentRepo.RidersAtStop: rows: %w", err)
	}

	return riders, nil
}

func (r *pgAssignmentRepo) HasActiveAssignment(ctx context.Context, principalID, routeID uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM assignments
			WHERE principal_id = @principal_id AND route_id = @route_id AND active
		)`

	var ok bool
	err := r.db.QueryRow(ctx, q, pgx.NamedArgs{
		"principal_id": principalID,
		"route_id":     routeID,
	}).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("repo.AssignmentRepo.HasActiveAssignment: %w", err)
	}
	return ok, nil
}
