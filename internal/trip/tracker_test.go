package trip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
)

// ---- mocks -----------------------------------------------------------------

type mockTripStore struct {
	getTrip        func(ctx context.Context, id uuid.UUID) (domain.Trip, error)
	saveTransition func(ctx context.Context, snap domain.TripSnapshot) error

	getCalls  int
	saveCalls int
}

func (m *mockTripStore) GetTrip(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	m.getCalls++
	return m.getTrip(ctx, id)
}

func (m *mockTripStore) SaveTransition(ctx context.Context, snap domain.TripSnapshot) error {
	m.saveCalls++
	if m.saveTransition != nil {
		return m.saveTransition(ctx, snap)
	}
	return nil
}

type mockRouteSource struct {
	getRoute func(ctx context.Context, id uuid.UUID) (domain.Route, error)
}

func (m *mockRouteSource) GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error) {
	return m.getRoute(ctx, id)
}

type mockRouter struct {
	estimate func(ctx context.Context, origin, dest geo.Point) (RouteEstimate, error)
	calls    int
}

func (m *mockRouter) Estimate(ctx context.Context, origin, dest geo.Point) (RouteEstimate, error) {
	m.calls++
	return m.estimate(ctx, origin, dest)
}

type mockMetrics struct {
	tracked int
}

func (m *mockMetrics) TripTrackedInc() { m.tracked++ }
func (m *mockMetrics) TripTrackedDec() { m.tracked-- }

var (
	_ TripStore   = (*mockTripStore)(nil)
	_ RouteSource = (*mockRouteSource)(nil)
	_ Router      = (*mockRouter)(nil)
	_ Metrics     = (*mockMetrics)(nil)
)

// ---- helpers ---------------------------------------------------------------

func storeFor(t domain.Trip) *mockTripStore {
	return &mockTripStore{
		getTrip: func(_ context.Context, id uuid.UUID) (domain.Trip, error) {
			if id != t.ID {
				return domain.Trip{}, domain.ErrNotFound
			}
			return t, nil
		},
	}
}

func routesFor(t domain.Trip) *mockRouteSource {
	return &mockRouteSource{
		getRoute: func(_ context.Context, id uuid.UUID) (domain.Route, error) {
			return domain.Route{ID: id, SchoolID: t.SchoolID, Stops: northboundStops()}, nil
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upcomingTrip returns a scheduled trip whose window brackets the wall
// clock. Tracker machines run on the real clock, so a window in the past
// would immediately derive DELAYED.
func upcomingTrip() domain.Trip {
	t := scheduledTrip()
	t.ScheduledStart = time.Now().Add(-5 * time.Minute)
	t.ScheduledEnd = time.Now().Add(time.Hour)
	return t
}

// ---- Machine registry ------------------------------------------------------

func TestTracker_Machine_LazyLoadsOnce(t *testing.T) {
	tr := upcomingTrip()
	store := storeFor(tr)
	tk := NewTracker(store, routesFor(tr), nil, 0, nil, discardLogger())

	m1, err := tk.Machine(context.Background(), tr.ID)
	require.NoError(t, err)
	m2, err := tk.Machine(context.Background(), tr.ID)
	require.NoError(t, err)

	assert.Same(t, m1, m2, "one machine per trip")
	assert.Equal(t, 1, store.getCalls)
}

func TestTracker_Machine_UnknownTrip(t *testing.T) {
	tk := NewTracker(
		&mockTripStore{getTrip: func(_ context.Context, _ uuid.UUID) (domain.Trip, error) {
			return domain.Trip{}, domain.ErrNotFound
		}},
		&mockRouteSource{},
		nil, 0, nil, discardLogger(),
	)

	_, err := tk.Machine(context.Background(), uuid.New())

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ---- Lifecycle -------------------------------------------------------------

func TestTracker_Start_PersistsAndNotifies(t *testing.T) {
	tr := upcomingTrip()
	store := storeFor(tr)
	tk := NewTracker(store, routesFor(tr), nil, 0, nil, discardLogger())

	var published []domain.TripSnapshot
	tk.OnChange = func(s domain.TripSnapshot) { published = append(published, s) }

	snap, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})

	require.NoError(t, err)
	assert.Equal(t, domain.TripInProgress, snap.Status)
	assert.Equal(t, 1, store.saveCalls)
	require.Len(t, published, 1)
	assert.Equal(t, tr.ID, published[0].TripID)
}

func TestTracker_Start_SeedsRouterEstimate(t *testing.T) {
	tr := upcomingTrip()
	router := &mockRouter{
		estimate: func(_ context.Context, _, _ geo.Point) (RouteEstimate, error) {
			return RouteEstimate{DistanceKm: 12.5, DurationMin: 42}, nil
		},
	}
	tk := NewTracker(storeFor(tr), routesFor(tr), router, 0, nil, discardLogger())

	snap, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})

	require.NoError(t, err)
	assert.Equal(t, 1, router.calls)
	require.NotNil(t, snap.TerminalETA)
	assert.Equal(t, snap.ActualStart.Add(42*time.Minute), *snap.TerminalETA)
}

func TestTracker_Start_RouterFailureDegradesToLocalEstimate(t *testing.T) {
	tr := upcomingTrip()
	router := &mockRouter{
		estimate: func(_ context.Context, _, _ geo.Point) (RouteEstimate, error) {
			return RouteEstimate{}, errors.New("osrm unreachable")
		},
	}
	tk := NewTracker(storeFor(tr), routesFor(tr), router, 0, nil, discardLogger())

	snap, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})

	require.NoError(t, err)
	assert.NotNil(t, snap.TerminalETA, "GeoMath fallback still produces an ETA")
}

func TestTracker_Cancel_PublishesFinalSnapshot(t *testing.T) {
	tr := upcomingTrip()
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, 0, nil, discardLogger())

	var last domain.TripSnapshot
	tk.OnChange = func(s domain.TripSnapshot) { last = s }

	_, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)
	snap, err := tk.Cancel(context.Background(), tr.ID, "breakdown")
	require.NoError(t, err)

	assert.Equal(t, domain.TripCancelled, snap.Status)
	assert.Equal(t, domain.TripCancelled, last.Status)
	assert.Equal(t, "breakdown", last.CancelReason)
}

func TestTracker_Attendance_AdjustsOnboard(t *testing.T) {
	tr := upcomingTrip()
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, 0, nil, discardLogger())

	_, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)

	snap, err := tk.Attendance(context.Background(), tr.ID, 5, 2)

	require.NoError(t, err)
	assert.Equal(t, 3, snap.StudentsOnboard)
}

// ---- Snapshot queries ------------------------------------------------------

func TestTracker_LatestOrLoad_ServesScheduledSnapshotImmediately(t *testing.T) {
	tr := upcomingTrip()
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, 0, nil, discardLogger())

	snap, err := tk.LatestOrLoad(context.Background(), tr.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.TripScheduled, snap.Status)
	assert.Nil(t, snap.Position, "no position before the trip starts")
}

func TestTracker_ActiveBySchool_FiltersAndOrders(t *testing.T) {
	early := upcomingTrip()
	late := upcomingTrip()
	late.SchoolID = early.SchoolID
	late.ScheduledStart = early.ScheduledStart.Add(time.Minute)
	other := upcomingTrip() // different school

	store := &mockTripStore{getTrip: func(_ context.Context, id uuid.UUID) (domain.Trip, error) {
		switch id {
		case early.ID:
			return early, nil
		case late.ID:
			return late, nil
		case other.ID:
			return other, nil
		}
		return domain.Trip{}, domain.ErrNotFound
	}}
	routes := &mockRouteSource{getRoute: func(_ context.Context, id uuid.UUID) (domain.Route, error) {
		return domain.Route{ID: id, Stops: northboundStops()}, nil
	}}
	tk := NewTracker(store, routes, nil, 0, nil, discardLogger())

	ctx := context.Background()
	_, err := tk.Start(ctx, late.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)
	_, err = tk.Start(ctx, early.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)
	_, err = tk.Start(ctx, other.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)

	snaps := tk.ActiveBySchool(early.SchoolID)

	require.Len(t, snaps, 2)
	assert.Equal(t, early.ID, snaps[0].TripID, "ordered by scheduled start")
	assert.Equal(t, late.ID, snaps[1].TripID)
}

// ---- Monitor ---------------------------------------------------------------

func TestTracker_Sweep_AutoEndsOverdueTrips(t *testing.T) {
	tr := upcomingTrip()
	tr.ScheduledStart = time.Now().Add(-3 * time.Hour)
	tr.ScheduledEnd = time.Now().Add(-2 * time.Hour)
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, time.Hour, nil, discardLogger())

	var last domain.TripSnapshot
	tk.OnChange = func(s domain.TripSnapshot) { last = s }

	m, err := tk.Machine(context.Background(), tr.ID)
	require.NoError(t, err)
	_, err = m.Start(geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)

	tk.Sweep(context.Background())

	assert.Equal(t, domain.TripCompleted, last.Status)
}

func TestTracker_Sweep_MarksDelayed(t *testing.T) {
	tr := upcomingTrip()
	tr.ScheduledStart = time.Now().Add(-time.Hour)
	tr.ScheduledEnd = time.Now().Add(-10 * time.Minute)
	// Overdue grace of one hour: late but not yet auto-ended.
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, time.Hour, nil, discardLogger())

	m, err := tk.Machine(context.Background(), tr.ID)
	require.NoError(t, err)
	_, err = m.Start(geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)

	tk.Sweep(context.Background())

	snap, ok := tk.Latest(tr.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TripDelayed, snap.Status)
}

func TestTracker_Sweep_ReclaimsFinishedTrips(t *testing.T) {
	tr := upcomingTrip()
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, time.Hour, nil, discardLogger())

	m, err := tk.Machine(context.Background(), tr.ID)
	require.NoError(t, err)
	_, err = m.Start(geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)

	// Finish the trip far enough in the past that retention has elapsed.
	m.now = func() time.Time { return time.Now().Add(-terminalRetention - time.Minute) }
	_, err = m.End(nil)
	require.NoError(t, err)
	m.now = time.Now

	tk.Sweep(context.Background())

	_, ok := tk.Latest(tr.ID)
	assert.False(t, ok, "terminal machine reclaimed after retention")
}

func TestTracker_Sweep_KeepsRecentlyFinishedTrips(t *testing.T) {
	tr := upcomingTrip()
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, time.Hour, nil, discardLogger())

	_, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)
	_, err = tk.End(context.Background(), tr.ID, nil)
	require.NoError(t, err)

	tk.Sweep(context.Background())

	_, ok := tk.Latest(tr.ID)
	assert.True(t, ok, "late subscribers still see the final snapshot")
}

func TestTracker_ReportsTrackedMachines(t *testing.T) {
	tr := upcomingTrip()
	m := &mockMetrics{}
	tk := NewTracker(storeFor(tr), routesFor(tr), nil, 0, m, discardLogger())

	_, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)
	assert.Equal(t, 1, m.tracked)

	_, err = tk.End(context.Background(), tr.ID, nil)
	require.NoError(t, err)
	tk.Evict(tr.ID)
	assert.Equal(t, 0, m.tracked)
}

func TestTracker_Evict_OnlyTerminalTrips(t *testing.T) {
	tr := upcomingTrip()
	store := storeFor(tr)
	tk := NewTracker(store, routesFor(tr), nil, 0, nil, discardLogger())

	_, err := tk.Start(context.Background(), tr.ID, geo.Point{Lat: 1.0, Lon: 1.0})
	require.NoError(t, err)

	tk.Evict(tr.ID)
	_, ok := tk.Latest(tr.ID)
	assert.True(t, ok, "active trip is not evicted")

	_, err = tk.End(context.Background(), tr.ID, nil)
	require.NoError(t, err)
	tk.Evict(tr.ID)
	_, ok = tk.Latest(tr.ID)
	assert.False(t, ok)
}
