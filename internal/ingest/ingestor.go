// Package ingest is the location-ingestion pipeline: validate, persist for
// audit, fold into the trip state machine, then fan out the resulting
// snapshot and evaluate arrival notifications.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/trip"
)

// DefaultAccuracyThresholdM is the accuracy guard applied when the
// configured threshold is zero or negative.
const DefaultAccuracyThresholdM = 50.0

// Ingest outcomes, used as the metrics label.
const (
	OutcomeApplied     = "applied"
	OutcomeStale       = "stale"
	OutcomeLowAccuracy = "low_accuracy"
	OutcomeInvalid     = "invalid"
	OutcomeRejected    = "rejected"
)

// SampleStore is the append-only audit log of raw samples.
type SampleStore interface {
	SaveSample(ctx context.Context, s domain.LocationSample) error
}

// Machines resolves the per-trip state machine. Satisfied by trip.Tracker.
type Machines interface {
	Machine(ctx context.Context, tripID uuid.UUID) (*trip.Machine, error)
}

// Publisher fans an applied snapshot out to subscribers. Must not block;
// the broker's bounded buffers guarantee that.
type Publisher interface {
	Publish(snap domain.TripSnapshot)
}

// Evaluator checks a snapshot for arrival notifications to emit.
type Evaluator interface {
	Evaluate(ctx context.Context, snap domain.TripSnapshot)
}

// Metrics is the slice of instrumentation the ingestor reports to.
type Metrics interface {
	IngestObserve(outcome string, d time.Duration)
}

// Ingestor drives one sample through the pipeline. A per-trip gate
// serializes the stretch from Apply through Publish, so subscribers receive
// one trip's snapshots in apply order; different trips proceed without
// contention. The machine mutex alone is not enough: it orders the applies
// but releases before the fan-out, and a slower audit insert on the earlier
// sample would let the later one publish first.
//
// Side effects (publish, notification evaluation) run exactly once per
// applied sample and never for rejected ones. Publishing happens inline so
// per-trip delivery order matches apply order; notification evaluation is
// handed to the pool because it does rider lookups.
type Ingestor struct {
	samples  SampleStore
	machines Machines
	publish  Publisher
	notifier Evaluator
	pool     *Pool
	log      *slog.Logger
	metrics  Metrics // optional

	accuracyThresholdM float64

	gatesMu sync.Mutex
	gates   map[uuid.UUID]*tripGate

	now func() time.Time
}

// tripGate is the per-trip ordering lock. Gates are reference-counted so the
// map holds entries only for trips with an ingest in flight.
type tripGate struct {
	mu   sync.Mutex
	refs int
}

func NewIngestor(samples SampleStore, machines Machines, publish Publisher, notifier Evaluator, pool *Pool, accuracyThresholdM float64, m Metrics, log *slog.Logger) *Ingestor {
	if accuracyThresholdM <= 0 {
		accuracyThresholdM = DefaultAccuracyThresholdM
	}
	return &Ingestor{
		samples:            samples,
		machines:           machines,
		publish:            publish,
		notifier:           notifier,
		pool:               pool,
		log:                log,
		metrics:            m,
		accuracyThresholdM: accuracyThresholdM,
		gates:              make(map[uuid.UUID]*tripGate),
		now:                time.Now,
	}
}

// Ingest processes one raw sample. The returned snapshot is the trip's
// current state in every case where the trip could be resolved, so callers
// can echo it to the driver client even on rejection.
//
// Error mapping: domain.ErrInvalidCoordinate for out-of-range coordinates
// (nothing persisted), domain.ErrLowAccuracy and domain.ErrStaleSample for
// samples persisted for audit but not applied, domain.ErrTripNotActive and
// domain.ErrIllegalTransition for lifecycle violations.
func (in *Ingestor) Ingest(ctx context.Context, sample domain.LocationSample) (domain.TripSnapshot, error) {
	start := in.now()
	snap, outcome, err := in.ingest(ctx, sample)
	if in.metrics != nil {
		in.metrics.IngestObserve(outcome, in.now().Sub(start))
	}
	return snap, err
}

func (in *Ingestor) ingest(ctx context.Context, sample domain.LocationSample) (domain.TripSnapshot, string, error) {
	if sample.Lat < -90 || sample.Lat > 90 || sample.Lon < -180 || sample.Lon > 180 {
		return domain.TripSnapshot{}, OutcomeInvalid,
			fmt.Errorf("ingest.Ingestor.Ingest: lat %v lon %v: %w", sample.Lat, sample.Lon, domain.ErrInvalidCoordinate)
	}

	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}
	if sample.ReceivedAt.IsZero() {
		sample.ReceivedAt = in.now()
	}

	m, err := in.machines.Machine(ctx, sample.TripID)
	if err != nil {
		return domain.TripSnapshot{}, OutcomeRejected, err
	}

	g := in.lockTrip(sample.TripID)
	defer in.unlockTrip(sample.TripID, g)

	if sample.AccuracyM != nil && *sample.AccuracyM > in.accuracyThresholdM {
		in.persist(ctx, sample)
		return m.Snapshot(), OutcomeLowAccuracy,
			fmt.Errorf("ingest.Ingestor.Ingest: accuracy %.0fm exceeds %.0fm: %w",
				*sample.AccuracyM, in.accuracyThresholdM, domain.ErrLowAccuracy)
	}

	snap, err := m.Apply(sample)
	if err != nil {
		in.persist(ctx, sample)
		outcome := OutcomeRejected
		if errors.Is(err, domain.ErrStaleSample) {
			outcome = OutcomeStale
		}
		return snap, outcome, err
	}

	sample.Applied = true
	in.persist(ctx, sample)

	in.publish.Publish(snap)
	if !in.pool.Submit(func(taskCtx context.Context) {
		in.notifier.Evaluate(taskCtx, snap)
	}) {
		in.log.Warn("arrival evaluation dropped", "trip_id", snap.TripID)
	}
	return snap, OutcomeApplied, nil
}

// lockTrip acquires the trip's ordering gate, creating it on demand.
func (in *Ingestor) lockTrip(id uuid.UUID) *tripGate {
	in.gatesMu.Lock()
	g, ok := in.gates[id]
	if !ok {
		g = &tripGate{}
		in.gates[id] = g
	}
	g.refs++
	in.gatesMu.Unlock()
	g.mu.Lock()
	return g
}

// unlockTrip releases the gate and drops it from the map once no ingest for
// the trip is in flight.
func (in *Ingestor) unlockTrip(id uuid.UUID, g *tripGate) {
	g.mu.Unlock()
	in.gatesMu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(in.gates, id)
	}
	in.gatesMu.Unlock()
}

// persist writes the audit record. A storage failure is logged, never
// surfaced: ingestion keeps moving on a degraded audit log.
func (in *Ingestor) persist(ctx context.Context, sample domain.LocationSample) {
	if err := in.samples.SaveSample(ctx, sample); err != nil {
		in.log.Error("persist location sample", "trip_id", sample.TripID, "error", err)
	}
}
