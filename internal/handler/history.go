package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// SampleResponse is the audit view of one location sample.
type SampleResponse struct {
	ID         uuid.UUID `json:"id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   *float64  `json:"speed_kmh,omitempty"`
	HeadingDeg *float64  `json:"heading_deg,omitempty"`
	AccuracyM  *float64  `json:"accuracy_m,omitempty"`
	AltitudeM  *float64  `json:"altitude_m,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	ReceivedAt time.Time `json:"received_at"`
	DeviceID   string    `json:"device_id,omitempty"`
	Applied    bool      `json:"applied"`
}

// GetTripHistory handles GET /trips/{tripID}/history: the persisted sample
// log in captured_at order, rejected samples included.
func (s *Server) GetTripHistory(w http.ResponseWriter, r *http.Request) {
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

	params := domain.NewPaginationParams(queryInt(r, "page"), queryInt(r, "limit"))
	samples, err := s.history.ListByTrip(r.Context(), tripID, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := make([]SampleResponse, len(samples))
	for i, smp := range samples {
		data[i] = SampleResponse{
			ID:         smp.ID,
			Lat:        smp.Lat,
			Lon:        smp.Lon,
			SpeedKmh:   smp.SpeedKmh,
			HeadingDeg: smp.HeadingDeg,
			AccuracyM:  smp.AccuracyM,
			AltitudeM:  smp.AltitudeM,
			CapturedAt: smp.CapturedAt,
			ReceivedAt: smp.ReceivedAt,
			DeviceID:   smp.SourceDeviceID,
			Applied:    smp.Applied,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       data,
		"pagination": map[string]int{"page": params.Page, "limit": params.Limit},
	})
}
