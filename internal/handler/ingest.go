package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// LocationRequest is one raw GPS report from the driver client.
// Coordinate range checks live in the pipeline, not in validator tags, so
// the rejection carries the INVALID_COORDINATES code.
type LocationRequest struct {
	Lat        *float64  `json:"lat" validate:"required"`
	Lon        *float64  `json:"lon" validate:"required"`
	SpeedKmh   *float64  `json:"speed_kmh"`
	HeadingDeg *float64  `json:"heading_deg"`
	AccuracyM  *float64  `json:"accuracy_m" validate:"omitempty,gte=0"`
	AltitudeM  *float64  `json:"altitude_m"`
	CapturedAt time.Time `json:"captured_at" validate:"required"`
	DeviceID   string    `json:"device_id"`
}

// LocationResponse echoes the trip's current snapshot together with the
// ingest verdict so the driver client can reconcile immediately.
type LocationResponse struct {
	Code     string              `json:"code"`
	Snapshot domain.TripSnapshot `json:"snapshot"`
}

// IngestLocation handles POST /trips/{tripID}/location.
//
// Stale and low-accuracy samples are not failures from the client's point
// of view: they come back 200 with a verdict code and the unchanged
// snapshot, so a driver app in a tunnel does not start error-retrying.
func (s *Server) IngestLocation(w http.ResponseWriter, r *http.Request) {
	tripID, ok := s.command(w, r)
	if !ok {
		return
	}
	var req LocationRequest
	if err := decodeBody(r, &req); err != nil {
		requestError(w, err.Error())
		return
	}

	snap, err := s.ingestor.Ingest(r.Context(), domain.LocationSample{
		TripID:         tripID,
		Lat:            *req.Lat,
		Lon:            *req.Lon,
		SpeedKmh:       req.SpeedKmh,
		HeadingDeg:     req.HeadingDeg,
		AccuracyM:      req.AccuracyM,
		AltitudeM:      req.AltitudeM,
		CapturedAt:     req.CapturedAt,
		SourceDeviceID: req.DeviceID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, LocationResponse{Code: "APPLIED", Snapshot: snap})
	case errors.Is(err, domain.ErrStaleSample):
		writeJSON(w, http.StatusOK, LocationResponse{Code: "STALE_SAMPLE", Snapshot: snap})
	case errors.Is(err, domain.ErrLowAccuracy):
		writeJSON(w, http.StatusOK, LocationResponse{Code: "LOW_ACCURACY_IGNORED", Snapshot: snap})
	default:
		s.writeError(w, r, err)
	}
}
