package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mwiesner/fleettrack/internal/broker"
	"github.com/mwiesner/fleettrack/internal/domain"
)

const (
	// scopeReadTimeout bounds how long a fresh connection may sit silent
	// before sending its subscribe message.
	scopeReadTimeout = 10 * time.Second

	wsWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin is already enforced by the CORS middleware for the
	// handshake request.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SubscribeMessage is the first frame a viewer client sends after connect.
type SubscribeMessage struct {
	Scope string    `json:"scope"`
	ID    uuid.UUID `json:"id"`
}

// SnapshotMessage is the flattened per-snapshot frame streamed to viewers.
// Position fields are null until the trip has a first applied sample.
type SnapshotMessage struct {
	Type            string     `json:"type"`
	TripID          uuid.UUID  `json:"trip_id"`
	Status          string     `json:"status"`
	Lat             *float64   `json:"lat"`
	Lon             *float64   `json:"lon"`
	SpeedKmh        *float64   `json:"speed_kmh"`
	StudentsOnboard int        `json:"students_onboard"`
	NextStopETA     *time.Time `json:"next_stop_eta"`
	SchoolETA       *time.Time `json:"school_eta"`
	LastUpdate      *time.Time `json:"last_update"`
}

// TrackSocket handles GET /ws/track: the live subscription channel.
//
// The client authenticates the handshake (Authorization header or ?token=,
// since browser websocket clients cannot set headers), then sends one
// SubscribeMessage. An authorization failure is answered with a single
// error frame and a close, never partial data.
func (s *Server) TrackSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	p, err := s.auth.WhoIs(r.Context(), token)
	if err != nil {
		unauthenticated(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	scope, ok := s.readScope(conn)
	if !ok {
		return
	}
	if err := s.gate.Authorize(r.Context(), p, scope); err != nil {
		s.rejectSocket(conn, err)
		return
	}

	sub, err := s.broker.Subscribe(r.Context(), scope)
	if err != nil {
		s.rejectSocket(conn, err)
		return
	}
	defer sub.Close()

	s.log.Info("subscriber connected", "principal_id", p.ID, "scope", scope)

	// Reader goroutine: the client sends nothing after subscribing, but
	// reading is what surfaces the close frame and connection loss.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.writePump(conn, sub, gone)
	s.log.Info("subscriber disconnected", "principal_id", p.ID, "scope", scope)
}

// writePump streams snapshots until the client goes away or the
// subscriber idles out. One timer serves the whole connection, reset on
// every delivery; a fresh timer per frame would churn allocations on a
// busy trip.
func (s *Server) writePump(conn *websocket.Conn, sub *broker.Subscriber, gone <-chan struct{}) {
	var idleC <-chan time.Time
	var idle *time.Timer
	if s.idleTimeout > 0 {
		idle = time.NewTimer(s.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}
	for {
		select {
		case <-gone:
			return
		case <-idleC:
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle"), deadline)
			return
		case snap := <-sub.Snapshots():
			if idle != nil {
				idle.Reset(s.idleTimeout)
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snapshotToMessage(snap)); err != nil {
				return
			}
		}
	}
}

// readScope reads and validates the initial subscribe frame.
func (s *Server) readScope(conn *websocket.Conn) (domain.SubscriptionScope, bool) {
	conn.SetReadDeadline(time.Now().Add(scopeReadTimeout))
	var msg SubscribeMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return domain.SubscriptionScope{}, false
	}
	conn.SetReadDeadline(time.Time{})

	scope := domain.SubscriptionScope{Kind: domain.ScopeKind(msg.Scope), ID: msg.ID}
	if err := scope.Validate(); err != nil {
		s.rejectSocket(conn, err)
		return domain.SubscriptionScope{}, false
	}
	return scope, true
}

// rejectSocket sends one error frame and closes. The error code reuses the
// HTTP mapping so viewer clients share handling with the REST surface.
func (s *Server) rejectSocket(conn *websocket.Conn, err error) {
	code := "internal_error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		code = "unauthorized"
	case errors.Is(err, domain.ErrValidation):
		code = "validation_error"
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(map[string]any{
		"type":  "error",
		"error": ErrorDetail{Code: code, Message: unwrapMessage(err)},
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(wsWriteTimeout))
}

// snapshotToMessage flattens a snapshot into the streamed wire shape.
func snapshotToMessage(snap domain.TripSnapshot) SnapshotMessage {
	msg := SnapshotMessage{
		Type:            "snapshot",
		TripID:          snap.TripID,
		Status:          string(snap.Status),
		StudentsOnboard: snap.StudentsOnboard,
		NextStopETA:     snap.NextStopETA,
		SchoolETA:       snap.TerminalETA,
	}
	if pos := snap.Position; pos != nil {
		msg.Lat = &pos.Lat
		msg.Lon = &pos.Lon
		msg.SpeedKmh = &pos.SpeedKmh
		captured := pos.CapturedAt
		msg.LastUpdate = &captured
	}
	return msg
}

// bearerToken extracts the Authorization bearer token, empty when absent.
func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		return token[len(prefix):]
	}
	return ""
}
