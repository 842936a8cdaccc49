package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwiesner/fleettrack/internal/broker"
	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
	"github.com/mwiesner/fleettrack/internal/handler"
)

// ---- mocks -----------------------------------------------------------------

// Set only the method fields your test needs; an unset field panics, which
// is the test telling you it took an unexpected path.

type mockIngestor struct {
	ingest func(ctx context.Context, sample domain.LocationSample) (domain.TripSnapshot, error)
}

func (m *mockIngestor) Ingest(ctx context.Context, sample domain.LocationSample) (domain.TripSnapshot, error) {
	return m.ingest(ctx, sample)
}

type mockDirector struct {
	start        func(ctx context.Context, tripID uuid.UUID, loc geo.Point) (domain.TripSnapshot, error)
	end          func(ctx context.Context, tripID uuid.UUID, endLoc *geo.Point) (domain.TripSnapshot, error)
	cancel       func(ctx context.Context, tripID uuid.UUID, reason string) (domain.TripSnapshot, error)
	attendance   func(ctx context.Context, tripID uuid.UUID, pickups, dropoffs int) (domain.TripSnapshot, error)
	latestOrLoad func(ctx context.Context, tripID uuid.UUID) (domain.TripSnapshot, error)
}

func (m *mockDirector) Start(ctx context.Context, tripID uuid.UUID, loc geo.Point) (domain.TripSnapshot, error) {
	return m.start(ctx, tripID, loc)
}
func (m *mockDirector) End(ctx context.Context, tripID uuid.UUID, endLoc *geo.Point) (domain.TripSnapshot, error) {
	return m.end(ctx, tripID, endLoc)
}
func (m *mockDirector) Cancel(ctx context.Context, tripID uuid.UUID, reason string) (domain.TripSnapshot, error) {
	return m.cancel(ctx, tripID, reason)
}
func (m *mockDirector) Attendance(ctx context.Context, tripID uuid.UUID, pickups, dropoffs int) (domain.TripSnapshot, error) {
	return m.attendance(ctx, tripID, pickups, dropoffs)
}
func (m *mockDirector) LatestOrLoad(ctx context.Context, tripID uuid.UUID) (domain.TripSnapshot, error) {
	return m.latestOrLoad(ctx, tripID)
}

type mockCatalog struct {
	create       func(ctx context.Context, t domain.Trip) (domain.Trip, error)
	listBySchool func(ctx context.Context, schoolID uuid.UUID, p domain.PaginationParams) ([]domain.Trip, error)
}

func (m *mockCatalog) Create(ctx context.Context, t domain.Trip) (domain.Trip, error) {
	return m.create(ctx, t)
}
func (m *mockCatalog) ListBySchool(ctx context.Context, schoolID uuid.UUID, p domain.PaginationParams) ([]domain.Trip, error) {
	return m.listBySchool(ctx, schoolID, p)
}

type mockHistory struct {
	listByTrip func(ctx context.Context, tripID uuid.UUID, p domain.PaginationParams) ([]domain.LocationSample, error)
}

func (m *mockHistory) ListByTrip(ctx context.Context, tripID uuid.UUID, p domain.PaginationParams) ([]domain.LocationSample, error) {
	return m.listByTrip(ctx, tripID, p)
}

// mockGate allows everything unless a func field says otherwise.
type mockGate struct {
	authorize        func(ctx context.Context, p domain.Principal, scope domain.SubscriptionScope) error
	authorizeCommand func(ctx context.Context, p domain.Principal, tripID uuid.UUID) error
}

func (m *mockGate) Authorize(ctx context.Context, p domain.Principal, scope domain.SubscriptionScope) error {
	if m.authorize == nil {
		return nil
	}
	return m.authorize(ctx, p, scope)
}
func (m *mockGate) AuthorizeCommand(ctx context.Context, p domain.Principal, tripID uuid.UUID) error {
	if m.authorizeCommand == nil {
		return nil
	}
	return m.authorizeCommand(ctx, p, tripID)
}

// mockAuth resolves every non-empty token to the configured principal.
type mockAuth struct {
	principal domain.Principal
}

func (m *mockAuth) WhoIs(_ context.Context, token string) (domain.Principal, error) {
	if token == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return m.principal, nil
}

var (
	_ handler.Ingestor      = (*mockIngestor)(nil)
	_ handler.TripDirector  = (*mockDirector)(nil)
	_ handler.TripCatalog   = (*mockCatalog)(nil)
	_ handler.HistorySource = (*mockHistory)(nil)
	_ handler.Authorizer    = (*mockGate)(nil)
	_ handler.AuthProvider  = (*mockAuth)(nil)
)

// mockSnapshotSource backs the real broker in websocket tests.
type mockSnapshotSource struct {
	byTrip   map[uuid.UUID]domain.TripSnapshot
	bySchool map[uuid.UUID][]domain.TripSnapshot
}

func (m *mockSnapshotSource) LatestOrLoad(_ context.Context, tripID uuid.UUID) (domain.TripSnapshot, error) {
	snap, ok := m.byTrip[tripID]
	if !ok {
		return domain.TripSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (m *mockSnapshotSource) ActiveBySchool(schoolID uuid.UUID) []domain.TripSnapshot {
	return m.bySchool[schoolID]
}

var _ broker.SnapshotSource = (*mockSnapshotSource)(nil)

// ---- fixture ---------------------------------------------------------------

type fixture struct {
	ingestor *mockIngestor
	director *mockDirector
	catalog  *mockCatalog
	history  *mockHistory
	gate     *mockGate
	auth     *mockAuth
	source   *mockSnapshotSource
	broker   *broker.Broker
	router   http.Handler
}

func newFixture() *fixture {
	return newIdleFixture(0)
}

// newIdleFixture is newFixture with a subscriber idle timeout.
func newIdleFixture(idleTimeout time.Duration) *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ingestor: &mockIngestor{},
		director: &mockDirector{},
		catalog:  &mockCatalog{},
		history:  &mockHistory{},
		gate:     &mockGate{},
		auth: &mockAuth{principal: domain.Principal{
			ID:       uuid.New(),
			Role:     domain.RoleDispatcher,
			SchoolID: uuid.New(),
		}},
		source: &mockSnapshotSource{
			byTrip:   map[uuid.UUID]domain.TripSnapshot{},
			bySchool: map[uuid.UUID][]domain.TripSnapshot{},
		},
	}
	f.broker = broker.New(f.source, 0, nil, log)
	srv := handler.NewServer(f.ingestor, f.director, f.catalog, f.history, f.gate, f.auth, f.broker, idleTimeout, log)
	f.router = srv.Router(nil)
	return f
}

// do runs an authenticated request against the router.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewBuffer(b)
	} else {
		buf = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func snapshotFixture(tripID uuid.UUID) domain.TripSnapshot {
	captured := time.Date(2026, 3, 9, 7, 42, 0, 0, time.UTC)
	return domain.TripSnapshot{
		TripID:   tripID,
		BusID:    uuid.New(),
		RouteID:  uuid.New(),
		SchoolID: uuid.New(),
		Type:     domain.TripMorningPickup,
		Status:   domain.TripInProgress,
		Position: &domain.Position{
			Lat: 40.7128, Lon: -74.006, SpeedKmh: 32, CapturedAt: captured,
		},
		DistanceTraveledKm: 4.2,
		StudentsOnboard:    12,
		ScheduledStart:     time.Date(2026, 3, 9, 7, 30, 0, 0, time.UTC),
		ScheduledEnd:       time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC),
	}
}

// ---- health ----------------------------------------------------------------

func TestGetHealth(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

// ---- authentication --------------------------------------------------------

func TestMissingToken_Unauthenticated(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trips/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeResponse[handler.ErrorResponse](t, rec)
	assert.Equal(t, "unauthenticated", body.Error.Code)
}
