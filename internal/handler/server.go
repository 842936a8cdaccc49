// Package handler implements the HTTP surface of the tracking engine.
// All handlers are methods on Server; they are split into files by concern
// (ingest.go, trip.go, ws.go, ...) but share the same struct so they can
// access its dependencies. Handlers translate between the wire and the
// domain — business rules live below.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/broker"
	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
	"github.com/mwiesner/fleettrack/internal/middleware"
)

// maxBodyBytes caps request bodies; a location sample is a few hundred
// bytes, so 64 KiB leaves generous headroom.
const maxBodyBytes = 64 << 10

// validate is the shared struct validator for request payloads.
var validate = validator.New()

// Ingestor is the location-ingestion pipeline the handler feeds.
type Ingestor interface {
	Ingest(ctx context.Context, sample domain.LocationSample) (domain.TripSnapshot, error)
}

// TripDirector drives trip lifecycle transitions. Satisfied by
// trip.Tracker.
type TripDirector interface {
	Start(ctx context.Context, tripID uuid.UUID, loc geo.Point) (domain.TripSnapshot, error)
	End(ctx context.Context, tripID uuid.UUID, endLoc *geo.Point) (domain.TripSnapshot, error)
	Cancel(ctx context.Context, tripID uuid.UUID, reason string) (domain.TripSnapshot, error)
	Attendance(ctx context.Context, tripID uuid.UUID, pickups, dropoffs int) (domain.TripSnapshot, error)
	LatestOrLoad(ctx context.Context, tripID uuid.UUID) (domain.TripSnapshot, error)
}

// TripCatalog is the scheduling CRUD subset the handler exposes.
type TripCatalog interface {
	Create(ctx context.Context, trip domain.Trip) (domain.Trip, error)
	ListBySchool(ctx context.Context, schoolID uuid.UUID, p domain.PaginationParams) ([]domain.Trip, error)
}

// HistorySource serves the per-trip sample audit log.
type HistorySource interface {
	ListByTrip(ctx context.Context, tripID uuid.UUID, p domain.PaginationParams) ([]domain.LocationSample, error)
}

// Authorizer gates subscriptions and lifecycle commands.
type Authorizer interface {
	Authorize(ctx context.Context, p domain.Principal, scope domain.SubscriptionScope) error
	AuthorizeCommand(ctx context.Context, p domain.Principal, tripID uuid.UUID) error
}

// AuthProvider resolves a bearer token to a principal. Identity is
// external; the engine only consumes the result.
type AuthProvider interface {
	WhoIs(ctx context.Context, token string) (domain.Principal, error)
}

// Server carries the dependencies of every handler.
type Server struct {
	ingestor Ingestor
	director TripDirector
	catalog  TripCatalog
	history  HistorySource
	gate     Authorizer
	auth     AuthProvider
	broker   *broker.Broker
	log      *slog.Logger

	// idleTimeout closes websocket subscribers that deliver nothing for
	// this long. Zero disables the idle check.
	idleTimeout time.Duration
}

// NewServer constructs the Server with all its dependencies.
func NewServer(ingestor Ingestor, director TripDirector, catalog TripCatalog, history HistorySource,
	gate Authorizer, auth AuthProvider, b *broker.Broker, idleTimeout time.Duration, log *slog.Logger) *Server {
	return &Server{
		ingestor:    ingestor,
		director:    director,
		catalog:     catalog,
		history:     history,
		gate:        gate,
		auth:        auth,
		broker:      b,
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewSlogLogger(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewCORSHandler(corsOrigins))
	r.Use(middleware.NewMaxBodySizeHandler(maxBodyBytes))

	r.Get("/healthz", s.GetHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/trips", s.CreateTrip)
		r.Get("/schools/{schoolID}/trips", s.ListSchoolTrips)

		r.Route("/trips/{tripID}", func(r chi.Router) {
			r.Get("/", s.GetTripSnapshot)
			r.Get("/history", s.GetTripHistory)
			r.Post("/location", s.IngestLocation)
			r.Post("/start", s.StartTrip)
			r.Post("/end", s.EndTrip)
			r.Post("/cancel", s.CancelTrip)
			r.Post("/attendance", s.MarkAttendance)
		})
	})

	r.Get("/ws/track", s.TrackSocket)

	return r
}

// principal authenticates the request via the Authorization bearer token.
func (s *Server) principal(r *http.Request) (domain.Principal, error) {
	return s.auth.WhoIs(r.Context(), bearerToken(r))
}

// tripIDParam parses the {tripID} path parameter.
func tripIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "tripID"))
}
