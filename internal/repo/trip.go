// Package repo contains all database access logic for the tracking engine.
// Each resource has its own file with an interface and a Postgres
// implementation. No business logic lives here — only SQL and type mapping.
//
// Interface method names line up with the consumer-side interfaces in
// trip, ingest, notify, and access, so a repo satisfies them directly.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// db is the minimal interface satisfied by *pgxpool.Pool, pgx.Conn, and
// pgx.Tx. Accepting this interface instead of *pgxpool.Pool directly allows
// integration tests to pass a transaction that is rolled back after each
// test, giving free per-test isolation without any manual cleanup.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TripRepo defines the persistence operations for trips. The tracker
// depends on the GetTrip/SaveTransition subset (trip.TripStore); handlers
// use the rest.
type TripRepo interface {
	// Create inserts a scheduled trip and returns the persisted record
	// (with DB-generated id and timestamps populated).
	Create(ctx context.Context, trip domain.Trip) (domain.Trip, error)

	// GetTrip retrieves a single trip by its UUID primary key.
	// Returns domain.ErrNotFound if no trip with that ID exists.
	GetTrip(ctx context.Context, id uuid.UUID) (domain.Trip, error)

	// ListBySchool returns the school's trips ordered by scheduled_start
	// descending, paginated.
	ListBySchool(ctx context.Context, schoolID uuid.UUID, p domain.PaginationParams) ([]domain.Trip, error)

	// SaveTransition persists the lifecycle fields and final metrics of a
	// snapshot. Returns domain.ErrNotFound for an unknown trip.
	SaveTransition(ctx context.Context, snap domain.TripSnapshot) error
}

// pgTripRepo is the Postgres implementation of TripRepo.
type pgTripRepo struct {
	db db
}

// NewTripRepo constructs a TripRepo backed by the provided db connection.
// In production pass *pgxpool.Pool; in tests pass a pgx.Tx for rollback
// isolation.
func NewTripRepo(db db) TripRepo {
	return &pgTripRepo{db: db}
}

const tripColumns = `id, bus_id, route_id, school_id, driver_id, trip_type, status,
	scheduled_start, scheduled_end, actual_start, actual_end`

// Create inserts a new trip row and returns the full persisted record.
func (r *pgTripRepo) Create(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	const q = `
		INSERT INTO trips (bus_id, route_id, school_id, driver_id, trip_type, status, scheduled_start, scheduled_end)
		VALUES (@bus_id, @route_id, @school_id, @driver_id, @trip_type, @status, @scheduled_start, @scheduled_end)
		RETURNING ` + tripColumns

	status := trip.Status
	if status == "" {
		status = domain.TripScheduled
	}
	args := pgx.NamedArgs{
		"bus_id":          trip.BusID,
		"route_id":        trip.RouteID,
		"school_id":       trip.SchoolID,
		"driver_id":       trip.DriverID,
		"trip_type":       trip.Type,
		"status":          status,
		"scheduled_start": trip.ScheduledStart,
		"scheduled_end":   trip.ScheduledEnd,
	}

	row := r.db.QueryRow(ctx, q, args)
	result, err := scanTrip(row)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("repo.TripRepo.Create: %w", err)
	}
	return result, nil
}

// GetTrip retrieves a trip by primary key.
func (r *pgTripRepo) GetTrip(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	const q = `SELECT ` + tripColumns + ` FROM trips WHERE id = @id`

	row := r.db.QueryRow(ctx, q, pgx.NamedArgs{"id": id})
	result, err := scanTrip(row)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("repo.TripRepo.GetTrip: %w", err)
	}
	return result, nil
}

// ListBySchool returns the school's trips, most recently scheduled first.
func (r *pgTripRepo) ListBySchool(ctx context.Context, schoolID uuid.UUID, p domain.PaginationParams) ([]domain.Trip, error) {
	const q = `
		SELECT ` + tripColumns + `
		FROM trips
		WHERE school_id = @school_id
		ORDER BY scheduled_start DESC
		LIMIT @limit OFFSET @offset`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{
		"school_id": schoolID,
		"limit":     p.Limit,
		"offset":    p.Offset(),
	})
	if err != nil {
		return nil, fmt.Errorf("repo.TripRepo.ListBySchool: %w", err)
	}
	defer rows.Close()

	var trips []domain.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.TripRepo.ListBySchool: scan: %w", err)
		}
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.TripRepo.ListBySchool: rows: %w", err)
	}

	return trips, nil
}

// SaveTransition persists a snapshot's lifecycle fields and live metrics.
func (r *pgTripRepo) SaveTransition(ctx context.Context, snap domain.TripSnapshot) error {
	const q = `
		UPDATE trips
		SET status               = @status,
		    actual_start         = @actual_start,
		    actual_end           = @actual_end,
		    distance_traveled_km = @distance_traveled_km,
		    average_speed_kmh    = @average_speed_kmh,
		    max_speed_kmh        = @max_speed_kmh,
		    students_onboard     = @students_onboard,
		    cancel_reason        = @cancel_reason,
		    updated_at           = now()
		WHERE id = @id`

	args := pgx.NamedArgs{
		"id":                   snap.TripID,
		"status":               snap.Status,
		"actual_start":         snap.ActualStart,
		"actual_end":           snap.ActualEnd,
		"distance_traveled_km": snap.DistanceTraveledKm,
		"average_speed_kmh":    snap.AverageSpeedKmh,
		"max_speed_kmh":        snap.MaxSpeedKmh,
		"students_onboard":     snap.StudentsOnboard,
		"cancel_reason":        snap.CancelReason,
	}

	tag, err := r.db.Exec(ctx, q, args)
	if err != nil {
		return fmt.Errorf("repo.TripRepo.SaveTransition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo.TripRepo.SaveTransition: %w", domain.ErrNotFound)
	}
	return nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing the scan
// helpers to be reused for both QueryRow and Query calls.
type scanner interface {
	Scan(dest ...any) error
}

// scanTrip maps a single database row into a domain.Trip.
func scanTrip(s scanner) (domain.Trip, error) {
	var (
		t           domain.Trip
		actualStart pgtype.Timestamptz
		actualEnd   pgtype.Timestamptz
	)

	err := s.Scan(&t.ID, &t.BusID, &t.RouteID, &t.SchoolID, &t.DriverID,
		&t.Type, &t.Status, &t.ScheduledStart, &t.ScheduledEnd, &actualStart, &actualEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trip{}, domain.ErrNotFound
		}
		return domain.Trip{}, err
	}

	if actualStart.Valid {
		at := actualStart.Time
		t.ActualStart = &at
	}
	if actualEnd.Valid {
		at := actualEnd.Time
		t.ActualEnd = &at
	}
	return t, nil
}
