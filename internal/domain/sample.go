package domain

import (
	"time"

	"github.com/google/uuid"
)

// LocationSample is one raw GPS report from a driver client.
// Samples are immutable once persisted. Ordering for derived metrics uses
// CapturedAt; out-of-order or duplicate samples are stored for audit but do
// not advance trip state.
type LocationSample struct {
	ID     uuid.UUID
	TripID uuid.UUID

	Lat float64
	Lon float64

	// Optional fields report zero when the device did not supply them.
	// SpeedKmh, HeadingDeg, AccuracyM and AltitudeM come from untrusted
	// mobile clients and are treated as hints, not facts.
	SpeedKmh   *float64
	HeadingDeg *float64
	AccuracyM  *float64
	AltitudeM  *float64

	CapturedAt     time.Time // client-reported capture time
	ReceivedAt     time.Time // server receive time
	SourceDeviceID string

	// Applied records whether the sample advanced trip state. False for
	// stale and low-accuracy samples kept only for audit.
	Applied bool
}
