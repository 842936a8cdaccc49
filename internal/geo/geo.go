// Package geo provides the pure geospatial math used by the tracking engine:
// great-circle distance, ETA estimation, and monotonic next-stop resolution.
// Everything here is deterministic and free of I/O so it can back both the
// per-sample hot path and notification evaluation.
package geo

import (
	"math"
	"time"

	"github.com/mwiesner/fleettrack/internal/domain"
)

// earthRadiusKm is the mean Earth radius used by the Haversine formula.
const earthRadiusKm = 6371.0

// DefaultCruisingSpeedKmh is the fallback speed for ETA estimation when the
// bus reports no usable speed. Roughly urban average for a school bus.
const DefaultCruisingSpeedKmh = 30.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance between a and b in kilometers
// using the Haversine formula. Symmetric within floating-point tolerance.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// ETA estimates minutes to travel from current to target at speedKmh,
// rounded up to a whole minute with a floor of 1. A non-positive speed falls
// back to DefaultCruisingSpeedKmh.
func ETA(current, target Point, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultCruisingSpeedKmh
	}
	minutes := Distance(current, target) / speedKmh * 60
	eta := int(math.Ceil(minutes))
	if eta < 1 {
		eta = 1
	}
	return eta
}

// ETAAt returns the wall-clock arrival time implied by ETA from now.
func ETAAt(now time.Time, current, target Point, speedKmh float64) time.Time {
	return now.Add(time.Duration(ETA(current, target, speedKmh)) * time.Minute)
}

// ResolveNextStop scans stops from lastResolvedIndex forward only and
// returns the nearest remaining stop by great-circle distance, the distance
// to it in kilometers, and its index. The forward-only scan enforces
// monotonic stop progression: GPS noise that momentarily places the bus
// nearer an already-passed stop can never move the resolved index backward.
//
// ok is false when lastResolvedIndex is already past the end of the route.
func ResolveNextStop(stops []domain.Stop, lastResolvedIndex int, current Point) (stop domain.Stop, distanceKm float64, newIndex int, ok bool) {
	if lastResolvedIndex < 0 {
		lastResolvedIndex = 0
	}
	if lastResolvedIndex >= len(stops) {
		return domain.Stop{}, 0, lastResolvedIndex, false
	}

	newIndex = lastResolvedIndex
	distanceKm = math.MaxFloat64
	for i := lastResolvedIndex; i < len(stops); i++ {
		d := Distance(current, Point{Lat: stops[i].Lat, Lon: stops[i].Lon})
		if d < distanceKm {
			distanceKm = d
			newIndex = i
		}
	}
	return stops[newIndex], distanceKm, newIndex, true
}
