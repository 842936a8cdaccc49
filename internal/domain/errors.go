package domain

import "errors"

// ErrNotFound is returned by repo and service functions when the requested
// resource does not exist.
// Handlers should map this to HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when input fails business rule validation
// (e.g. a malformed subscription scope).
// Handlers should map this to HTTP 422 Unprocessable Entity.
var ErrValidation = errors.New("validation error")

// ErrInvalidCoordinate is returned when a location sample carries a latitude
// outside [-90, 90] or a longitude outside [-180, 180].
// Surfaced to the driver client as INVALID_COORDINATES; never retried.
var ErrInvalidCoordinate = errors.New("invalid coordinates")

// ErrStaleSample is returned when a sample's captured_at does not advance the
// trip's last known position time. The sample is persisted for audit but does
// not change trip state. GPS noise is expected, not exceptional — handlers
// report STALE_SAMPLE without treating it as a hard failure.
var ErrStaleSample = errors.New("stale sample")

// ErrLowAccuracy is returned when a sample's reported accuracy exceeds the
// configured threshold. The sample is persisted for audit but not applied
// to trip state.
var ErrLowAccuracy = errors.New("accuracy below threshold")

// ErrTripNotActive is returned when a location sample arrives for a trip
// that is not currently IN_PROGRESS or DELAYED.
var ErrTripNotActive = errors.New("trip not active")

// ErrIllegalTransition is returned when a trip lifecycle transition is
// attempted from a state that does not permit it (e.g. starting a trip that
// is already in progress, or applying a sample to a completed trip).
// Fatal to the single call only; callers must not retry.
var ErrIllegalTransition = errors.New("illegal trip transition")

// ErrUnauthorized is returned by the access gate when a principal may not
// open a subscription for the requested scope. Handlers reject the connect
// attempt with no partial data leak.
var ErrUnauthorized = errors.New("unauthorized")
