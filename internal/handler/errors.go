package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// ErrorResponse is the uniform error envelope for every non-2xx body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine-readable code and a human-readable
// message. Driver clients switch on the code, never the message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON serializes v with the given status. Encoding failures at this
// point are unrecoverable; the status line has already been sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain sentinel to its HTTP status and error code.
// Unrecognized errors become an opaque 500 so internals never leak.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrInvalidCoordinate):
		status, code = http.StatusBadRequest, "INVALID_COORDINATES"
	case errors.Is(err, domain.ErrTripNotActive):
		status, code = http.StatusConflict, "TRIP_NOT_ACTIVE"
	case errors.Is(err, domain.ErrIllegalTransition):
		status, code = http.StatusConflict, "ILLEGAL_TRANSITION"
	}

	msg := unwrapMessage(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: msg}})
}

// requestError rejects a request before it reaches the service layer
// (malformed body, bad path parameter).
func requestError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: "bad_request", Message: message}})
}

// unauthenticated rejects a request whose bearer token did not resolve.
func unauthenticated(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Code: "unauthenticated", Message: "invalid or missing credentials"}})
}

// unwrapMessage strips the "pkg.Type.Method: " call-site prefixes from a
// wrapped error so clients see only the human-readable tail.
func unwrapMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for {
		i := strings.Index(msg, ": ")
		if i < 0 {
			break
		}
		head := msg[:i]
		if strings.Count(head, ".") < 2 || strings.ContainsAny(head, " ") {
			break
		}
		msg = msg[i+2:]
	}
	return msg
}
