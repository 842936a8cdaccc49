package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// RouteRepo loads routes with their ordered stops. Route editing lives in
// the external CRUD; Create exists for seeding and for that CRUD's ingest.
type RouteRepo interface {
	// Create inserts a route and its stops, returning the persisted record
	// with DB-generated ids.
	Create(ctx context.Context, route domain.Route) (domain.Route, error)

	// GetRoute retrieves a route and its stops ordered by sequence.
	// Returns domain.ErrNotFound if no route with that ID exists.
	GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error)
}

type pgRouteRepo struct {
	db db
}

func NewRouteRepo(db db) RouteRepo {
	return &pgRouteRepo{db: db}
}

func (r *pgRouteRepo) Create(ctx context.Context, route domain.Route) (domain.Route, error) {
	const insertRoute = `
		INSERT INTO routes (school_id, name)
		VALUES (@school_id, @name)
		RETURNING id, school_id, name`

	row := r.db.QueryRow(ctx, insertRoute, pgx.NamedArgs{
		"school_id": route.SchoolID,
		"name":      route.Name,
	})
	var out domain.Route
	if err := row.Scan(&out.ID, &out.SchoolID, &out.Name); err != nil {
		return domain.Route{}, fmt.Errorf("repo.RouteRepo.Create: %w", err)
	}

	const insertStop = `
		INSERT INTO stops (route_id, name, sequence, lat, lon)
		VALUES (@route_id, @name, @sequence, @lat, @lon)
		RETURNING id, route_id, name, sequence, lat, lon`

	for _, stop := range route.Stops {
		row := r.db.QueryRow(ctx, insertStop, pgx.NamedArgs{
			"route_id": out.ID,
			"name":     stop.Name,
			"sequence": stop.Sequence,
			"lat":      stop.Lat,
			"lon":      stop.Lon,
		})
		var s domain.Stop
		if err := row.Scan(&s.ID, &s.RouteID, &s.Name, &s.Sequence, &s.Lat, &s.Lon); err != nil {
			return domain.Route{}, fmt.Errorf("repo.RouteRepo.Create: stop: %w", err)
		}
		out.Stops = append(out.Stops, s)
	}

	return out, nil
}

func (r *pgRouteRepo) GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error) {
	const routeQ = `SELECT id, school_id, name FROM routes WHERE id = @id`

	var out domain.Route
	err := r.db.QueryRow(ctx, routeQ, pgx.NamedArgs{"id": id}).
		Scan(&out.ID, &out.SchoolID, &out.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Route{}, fmt.Errorf("repo.RouteRepo.GetRoute: %w", domain.ErrNotFound)
		}
		return domain.Route{}, fmt.Errorf("repo.RouteRepo.GetRoute: %w", err)
	}

	const stopsQ = `
		SELECT id, route_id, name, sequence, lat, lon
		FROM stops
		WHERE route_id = @route_id
		ORDER BY sequence ASC`

	rows, err := r.db.Query(ctx, stopsQ, pgx.NamedArgs{"route_id": id})
	if err != nil {
		return domain.Route{}, fmt.Errorf("repo.RouteRepo.GetRoute: stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.Stop
		if err := rows.Scan(&s.ID, &s.RouteID, &s.Name, &s.Sequence, &s.Lat, &s.Lon); err != nil {
			return domain.Route{}, fmt.Errorf("repo.RouteRepo.GetRoute: scan stop: %w", err)
		}
		out.Stops = append(out.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return domain.Route{}, fmt.Errorf("repo.RouteRepo.GetRoute: rows: %w", err)
	}

	return out, nil
}
