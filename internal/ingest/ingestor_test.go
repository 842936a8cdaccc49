package ingest_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
	"github.com/mwiesner/fleettrack/internal/ingest"
	"github.com/mwiesner/fleettrack/internal/trip"
)

// ---- mocks -----------------------------------------------------------------

type mockSampleStore struct {
	mu     sync.Mutex
	saved  []domain.LocationSample
	onSave func(s domain.LocationSample) // optional, runs before the record lands
}

func (m *mockSampleStore) SaveSample(_ context.Context, s domain.LocationSample) error {
	if m.onSave != nil {
		m.onSave(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

func (m *mockSampleStore) all() []domain.LocationSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LocationSample(nil), m.saved...)
}

type mockPublisher struct {
	mu        sync.Mutex
	published []domain.TripSnapshot
}

func (m *mockPublisher) Publish(snap domain.TripSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, snap)
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *mockPublisher) all() []domain.TripSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TripSnapshot(nil), m.published...)
}

type mockEvaluator struct {
	evaluated chan domain.TripSnapshot
}

func (m *mockEvaluator) Evaluate(_ context.Context, snap domain.TripSnapshot) {
	m.evaluated <- snap
}

type mockTripStore struct {
	trip domain.Trip
}

func (m *mockTripStore) GetTrip(_ context.Context, id uuid.UUID) (domain.Trip, error) {
	if id != m.trip.ID {
		return domain.Trip{}, domain.ErrNotFound
	}
	return m.trip, nil
}

func (m *mockTripStore) SaveTransition(_ context.Context, _ domain.TripSnapshot) error {
	return nil
}

type mockRouteSource struct{}

func (mockRouteSource) GetRoute(_ context.Context, id uuid.UUID) (domain.Route, error) {
	return domain.Route{ID: id, Stops: []domain.Stop{
		{ID: uuid.New(), Name: "First", Sequence: 1, Lat: 1.00, Lon: 1.0},
		{ID: uuid.New(), Name: "School", Sequence: 2, Lat: 1.10, Lon: 1.0},
	}}, nil
}

var (
	_ ingest.SampleStore = (*mockSampleStore)(nil)
	_ ingest.Publisher   = (*mockPublisher)(nil)
	_ ingest.Evaluator   = (*mockEvaluator)(nil)
	_ trip.TripStore     = (*mockTripStore)(nil)
	_ trip.RouteSource   = mockRouteSource{}
)

// ---- fixture ---------------------------------------------------------------

type fixture struct {
	ingestor  *ingest.Ingestor
	samples   *mockSampleStore
	publisher *mockPublisher
	evaluator *mockEvaluator
	tracker   *trip.Tracker
	tripID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tr := domain.Trip{
		ID:             uuid.New(),
		BusID:          uuid.New(),
		RouteID:        uuid.New(),
		SchoolID:       uuid.New(),
		Type:           domain.TripMorningPickup,
		Status:         domain.TripScheduled,
		ScheduledStart: time.Now().Add(-5 * time.Minute),
		ScheduledEnd:   time.Now().Add(time.Hour),
	}
	tracker := trip.NewTracker(&mockTripStore{trip: tr}, mockRouteSource{}, nil, 0, nil, log)

	samples := &mockSampleStore{}
	publisher := &mockPublisher{}
	evaluator := &mockEvaluator{evaluated: make(chan domain.TripSnapshot, 16)}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool := ingest.NewPool(2, 16, log)
	pool.Start(ctx)

	return &fixture{
		ingestor:  ingest.NewIngestor(samples, tracker, publisher, evaluator, pool, 50, nil, log),
		samples:   samples,
		publisher: publisher,
		evaluator: evaluator,
		tracker:   tracker,
		tripID:    tr.ID,
	}
}

func (f *fixture) startTrip(t *testing.T) {
	t.Helper()
	_, err := f.tracker.Start(context.Background(), f.tripID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)
}

func (f *fixture) awaitEvaluation(t *testing.T) domain.TripSnapshot {
	t.Helper()
	select {
	case snap := <-f.evaluator.evaluated:
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for arrival evaluation")
		return domain.TripSnapshot{}
	}
}

func fptr(v float64) *float64 { return &v }

func sample(tripID uuid.UUID, lat float64, at time.Time) domain.LocationSample {
	return domain.LocationSample{
		TripID:     tripID,
		Lat:        lat,
		Lon:        1.0,
		CapturedAt: at,
	}
}

// ---- Ingest ----------------------------------------------------------------

func TestIngest_AppliedSample(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)

	snap, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.01, time.Now()))

	require.NoError(t, err)
	assert.InDelta(t, 1.11, snap.DistanceTraveledKm, 0.02)

	saved := f.samples.all()
	require.Len(t, saved, 1)
	assert.True(t, saved[0].Applied)
	assert.NotEqual(t, uuid.Nil, saved[0].ID)
	assert.False(t, saved[0].ReceivedAt.IsZero())

	assert.Equal(t, 1, f.publisher.count())
	evaluated := f.awaitEvaluation(t)
	assert.Equal(t, snap.TripID, evaluated.TripID)
	assert.Equal(t, snap.DistanceTraveledKm, evaluated.DistanceTraveledKm)
}

func TestIngest_InvalidCoordinates(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)

	_, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 91.0, time.Now()))

	assert.ErrorIs(t, err, domain.ErrInvalidCoordinate)
	assert.Empty(t, f.samples.all(), "invalid samples are not persisted")
	assert.Equal(t, 0, f.publisher.count())
}

func TestIngest_StaleSampleKeptForAuditOnly(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)

	at := time.Now()
	first, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.01, at))
	require.NoError(t, err)
	f.awaitEvaluation(t)

	snap, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.05, at))

	assert.ErrorIs(t, err, domain.ErrStaleSample)
	assert.Equal(t, first.DistanceTraveledKm, snap.DistanceTraveledKm, "state unchanged")

	saved := f.samples.all()
	require.Len(t, saved, 2)
	assert.False(t, saved[1].Applied)
	assert.Equal(t, 1, f.publisher.count(), "no side effects for a stale sample")
	select {
	case <-f.evaluator.evaluated:
		t.Fatal("stale sample must not trigger arrival evaluation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIngest_LowAccuracyIgnored(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)

	s := sample(f.tripID, 1.05, time.Now())
	s.AccuracyM = fptr(120)
	snap, err := f.ingestor.Ingest(context.Background(), s)

	assert.ErrorIs(t, err, domain.ErrLowAccuracy)
	assert.Zero(t, snap.DistanceTraveledKm, "prior snapshot echoed unchanged")

	saved := f.samples.all()
	require.Len(t, saved, 1)
	assert.False(t, saved[0].Applied)
	assert.Equal(t, 0, f.publisher.count())
}

func TestIngest_AccuracyWithinThresholdApplies(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)

	s := sample(f.tripID, 1.01, time.Now())
	s.AccuracyM = fptr(12)
	_, err := f.ingestor.Ingest(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, 1, f.publisher.count())
}

func TestIngest_UnknownTrip(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), sample(uuid.New(), 1.0, time.Now()))

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.samples.all())
}

func TestIngest_TripNotStarted(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.0, time.Now()))

	assert.ErrorIs(t, err, domain.ErrTripNotActive)
	require.Len(t, f.samples.all(), 1, "persisted for audit")
	assert.Equal(t, 0, f.publisher.count())
}

func TestIngest_ConcurrentSameTripKeepsPublishOrder(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)

	t1 := time.Now()
	t2 := t1.Add(time.Second)

	// The earlier sample's audit insert is slow; the later sample must still
	// reach subscribers second.
	firstSaving := make(chan struct{})
	f.samples.onSave = func(s domain.LocationSample) {
		if s.CapturedAt.Equal(t1) {
			close(firstSaving)
			time.Sleep(20 * time.Millisecond)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.01, t1))
		done <- err
	}()

	<-firstSaving
	_, err := f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.02, t2))
	require.NoError(t, err)
	require.NoError(t, <-done)

	published := f.publisher.all()
	require.Len(t, published, 2)
	require.NotNil(t, published[0].Position)
	require.NotNil(t, published[1].Position)
	assert.True(t, published[0].Position.CapturedAt.Before(published[1].Position.CapturedAt),
		"subscribers must see snapshots in apply order")
}

func TestIngest_TerminalTripRejectsSamples(t *testing.T) {
	f := newFixture(t)
	f.startTrip(t)
	_, err := f.tracker.Cancel(context.Background(), f.tripID, "breakdown")
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(context.Background(), sample(f.tripID, 1.01, time.Now()))

	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.Equal(t, 0, f.publisher.count())
}
