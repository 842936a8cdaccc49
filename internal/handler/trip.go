package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
	"github.com/mwiesner/fleettrack/internal/geo"
)

// CreateTripRequest is the scheduling payload for POST /trips.
type CreateTripRequest struct {
	BusID          uuid.UUID `json:"bus_id" validate:"required"`
	RouteID        uuid.UUID `json:"route_id" validate:"required"`
	SchoolID       uuid.UUID `json:"school_id" validate:"required"`
	DriverID       uuid.UUID `json:"driver_id" validate:"required"`
	Type           string    `json:"trip_type" validate:"required,oneof=MORNING_PICKUP EVENING_DROPOFF SPECIAL"`
	ScheduledStart time.Time `json:"scheduled_start" validate:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" validate:"required,gtfield=ScheduledStart"`
}

// StartTripRequest carries the bus's position at departure.
type StartTripRequest struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
}

// EndTripRequest optionally carries the final position.
type EndTripRequest struct {
	Lat *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"omitempty,gte=-180,lte=180"`
}

// CancelTripRequest names the reason shown to subscribers.
type CancelTripRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// AttendanceRequest reports boardings and exits observed at a stop.
type AttendanceRequest struct {
	Pickups  int `json:"pickups" validate:"gte=0"`
	Dropoffs int `json:"dropoffs" validate:"gte=0"`
}

// TripResponse is the scheduling view of a trip, distinct from the live
// snapshot served by GET /trips/{tripID}.
type TripResponse struct {
	ID             uuid.UUID  `json:"id"`
	BusID          uuid.UUID  `json:"bus_id"`
	RouteID        uuid.UUID  `json:"route_id"`
	SchoolID       uuid.UUID  `json:"school_id"`
	DriverID       uuid.UUID  `json:"driver_id"`
	Type           string     `json:"trip_type"`
	Status         string     `json:"status"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
}

// CreateTrip handles POST /trips. Scheduling is staff-only.
func (s *Server) CreateTrip(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		unauthenticated(w)
		return
	}

	var req CreateTripRequest
	if err := decodeBody(r, &req); err != nil {
		requestError(w, err.Error())
		return
	}

	if (p.Role != domain.RoleDispatcher && p.Role != domain.RoleAdmin) || p.SchoolID != req.SchoolID {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: ErrorDetail{
			Code: "unauthorized", Message: "only dispatchers and admins of the school may schedule trips",
		}})
		return
	}

	created, err := s.catalog.Create(r.Context(), domain.Trip{
		BusID:          req.BusID,
		RouteID:        req.RouteID,
		SchoolID:       req.SchoolID,
		DriverID:       req.DriverID,
		Type:           domain.TripType(req.Type),
		Status:         domain.TripScheduled,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tripToResponse(created))
}

// ListSchoolTrips handles GET /schools/{schoolID}/trips.
// Supports ?page= and ?limit= query parameters.
func (s *Server) ListSchoolTrips(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		unauthenticated(w)
		return
	}
	schoolID, err := uuid.Parse(chi.URLParam(r, "schoolID"))
	if err != nil {
		requestError(w, "invalid school id")
		return
	}
	if err := s.gate.Authorize(r.Context(), p, domain.SchoolScope(schoolID)); err != nil {
		s.writeError(w, r, err)
		return
	}

	params := domain.NewPaginationParams(queryInt(r, "page"), queryInt(r, "limit"))
	trips, err := s.catalog.ListBySchool(r.Context(), schoolID, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := make([]TripResponse, len(trips))
	for i, t := range trips {
		data[i] = tripToResponse(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       data,
		"pagination": map[string]int{"page": params.Page, "limit": params.Limit},
	})
}

// GetTripSnapshot handles GET /trips/{tripID}: the current live snapshot,
// loaded from storage when the trip is not in memory.
func (s *Server) GetTripSnapshot(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		unauthenticated(w)
		return
	}
	tripID, err := tripIDParam(r)
	if err != nil {
		requestError(w, "invalid trip id")
		return
	}
	if err := s.gate.Authorize(r.Context(), p, domain.TripScope(tripID)); err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.director.LatestOrLoad(r.Context(), tripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// StartTrip handles POST /trips/{tripID}/start.
func (s *Server) StartTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := s.command(w, r)
	if !ok {
		return
	}
	var req StartTripRequest
	if err := decodeBody(r, &req); err != nil {
		requestError(w, err.Error())
		return
	}

	snap, err := s.director.Start(r.Context(), tripID, geo.Point{Lat: *req.Lat, Lon: *req.Lon})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EndTrip handles POST /trips/{tripID}/end. The body is optional; without a
// final position the last applied sample stands.
func (s *Server) EndTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := s.command(w, r)
	if !ok {
		return
	}
	var req EndTripRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		requestError(w, err.Error())
		return
	}
	var endLoc *geo.Point
	if req.Lat != nil && req.Lon != nil {
		endLoc = &geo.Point{Lat: *req.Lat, Lon: *req.Lon}
	}

	snap, err := s.director.End(r.Context(), tripID, endLoc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelTrip handles POST /trips/{tripID}/cancel.
func (s *Server) CancelTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := s.command(w, r)
	if !ok {
		return
	}
	var req CancelTripRequest
	if err := decodeBody(r, &req); err != nil {
		requestError(w, err.Error())
		return
	}

	snap, err := s.director.Cancel(r.Context(), tripID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// MarkAttendance handles POST /trips/{tripID}/attendance.
func (s *Server) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	tripID, ok := s.command(w, r)
	if !ok {
		return
	}
	var req AttendanceRequest
	if err := decodeBody(r, &req); err != nil {
		requestError(w, err.Error())
		return
	}

	snap, err := s.director.Attendance(r.Context(), tripID, req.Pickups, req.Dropoffs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// command authenticates the request and checks the principal may drive the
// trip's lifecycle. Writes the rejection itself; callers bail on !ok.
func (s *Server) command(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	p, err := s.principal(r)
	if err != nil {
		unauthenticated(w)
		return uuid.Nil, false
	}
	tripID, err := tripIDParam(r)
	if err != nil {
		requestError(w, "invalid trip id")
		return uuid.Nil, false
	}
	if err := s.gate.AuthorizeCommand(r.Context(), p, tripID); err != nil {
		s.writeError(w, r, err)
		return uuid.Nil, false
	}
	return tripID, true
}

// --- mapping helpers --------------------------------------------------------

func tripToResponse(t domain.Trip) TripResponse {
	return TripResponse{
		ID:             t.ID,
		BusID:          t.BusID,
		RouteID:        t.RouteID,
		SchoolID:       t.SchoolID,
		DriverID:       t.DriverID,
		Type:           string(t.Type),
		Status:         string(t.Status),
		ScheduledStart: t.ScheduledStart,
		ScheduledEnd:   t.ScheduledEnd,
		ActualStart:    t.ActualStart,
		ActualEnd:      t.ActualEnd,
	}
}

// queryInt parses an optional integer query parameter, nil when absent or
// malformed.
func queryInt(r *http.Request, name string) *int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// decodeBody parses and validates a JSON request body. An empty body
// surfaces as io.EOF so handlers with optional bodies can treat it as such.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}
