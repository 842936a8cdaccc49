package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// SampleRepo is the append-only audit log of raw location samples.
// Samples are never updated or deleted by the engine; retention is an
// external job.
type SampleRepo interface {
	// SaveSample appends one raw sample.
	SaveSample(ctx context.Context, s domain.LocationSample) error

	// ListByTrip returns the trip's samples ordered by captured_at
	// ascending, paginated. Includes samples that were not applied.
	ListByTrip(ctx context.Context, tripID uuid.UUID, p domain.PaginationParams) ([]domain.LocationSample, error)
}

type pgSampleRepo struct {
	db db
}

func NewSampleRepo(db db) SampleRepo {
	return &pgSampleRepo{db: db}
}

const sampleColumns = `id, trip_id, lat, lon, speed_kmh, heading_deg, accuracy_m, altitude_m,
	captured_at, received_at, source_device_id, applied`

func (r *pgSampleRepo) SaveSample(ctx context.Context, s domain.LocationSample) error {
	const q = `
		INSERT INTO location_samples (id, trip_id, lat, lon, speed_kmh, heading_deg, accuracy_m, altitude_m,
			captured_at, received_at, source_device_id, applied)
		VALUES (@id, @trip_id, @lat, @lon, @speed_kmh, @heading_deg, @accuracy_m, @altitude_m,
			@captured_at, @received_at, @source_device_id, @applied)`

	args := pgx.NamedArgs{
		"id":               s.ID,
		"trip_id":          s.TripID,
		"lat":              s.Lat,
		"lon":              s.Lon,
		"speed_kmh":        s.SpeedKmh, // nil becomes NULL
		"heading_deg":      s.HeadingDeg,
		"accuracy_m":       s.AccuracyM,
		"altitude_m":       s.AltitudeM,
		"captured_at":      s.CapturedAt,
		"received_at":      s.ReceivedAt,
		"source_device_id": s.SourceDeviceID,
		"applied":          s.Applied,
	}

	if _, err := r.db.Exec(ctx, q, args); err != nil {
		return fmt.Errorf("repo.SampleRepo.SaveSample: %w", err)
	}
	return nil
}

func (r *pgSampleRepo) ListByTrip(ctx context.Context, tripID uuid.UUID, p domain.PaginationParams) ([]domain.LocationSample, error) {
	const q = `
		SELECT ` + sampleColumns + `
		FROM location_samples
		WHERE trip_id = @trip_id
		ORDER BY captured_at ASC
		LIMIT @limit OFFSET @offset`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{
		"trip_id": tripID,
		"limit":   p.Limit,
		"offset":  p.Offset(),
	})
	if err != nil {
		return nil, fmt.Errorf("repo.SampleRepo.ListByTrip: %w", err)
	}
	defer rows.Close()

	var samples []domain.LocationSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.SampleRepo.ListByTrip: scan: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.SampleRepo.ListByTrip: rows: %w", err)
	}

	return samples, nil
}

func scanSample(s scanner) (domain.LocationSample, error) {
	var (
		out     domain.LocationSample
		speed   pgtype.Float8
		heading pgtype.Float8
		acc     pgtype.Float8
		alt     pgtype.Float8
	)

	err := s.Scan(&out.ID, &out.TripID, &out.Lat, &out.Lon, &speed, &heading, &acc, &alt,
		&out.CapturedAt, &out.ReceivedAt, &out.SourceDeviceID, &out.Applied)
	if err != nil {
		return domain.LocationSample{}, err
	}

	if speed.Valid {
		v := speed.Float64
		out.SpeedKmh = &v
	}
	if heading.Valid {
		v := heading.Float64
		out.HeadingDeg = &v
	}
	if acc.Valid {
		v := acc.Float64
		out.AccuracyM = &v
	}
	if alt.Valid {
		v := alt.Float64
		out.AltitudeM = &v
	}
	return out, nil
}
