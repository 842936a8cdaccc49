package domain

import "github.com/google/uuid"

// Stop is one stop on a route. Stops are read-only to the tracking engine;
// route editing lives in the external CRUD.
type Stop struct {
	ID      uuid.UUID
	RouteID uuid.UUID
	Name    string

	// Sequence defines a total order over the route's stops. Next-stop
	// resolution walks this order monotonically: a trip's resolved stop
	// index never decreases, even under GPS jitter.
	Sequence int

	Lat float64
	Lon float64
}

// Route is an ordered sequence of stops, read-only to this engine.
type Route struct {
	ID       uuid.UUID
	SchoolID uuid.UUID
	Name     string

	// Stops is ordered by Sequence ascending. The last stop is the
	// terminal (the school for morning pickups).
	Stops []Stop
}

// Terminal returns the final stop of the route, or false when the route has
// no stops.
func (r Route) Terminal() (Stop, bool) {
	if len(r.Stops) == 0 {
		return Stop{}, false
	}
	return r.Stops[len(r.Stops)-1], true
}

// Rider is a student (or their guardian) assigned to board at a particular
// stop, together with their arrival alert preferences. Produced by the
// external "who-rides-this-stop" lookup.
type Rider struct {
	SubscriberID uuid.UUID

	// AlertWindowMin is how many minutes of warning the rider asked for.
	// A notification fires when the computed ETA is within this window.
	AlertWindowMin int

	// WantsArrivalAlert mirrors the rider's notification preference toggle;
	// riders who opted out are skipped entirely.
	WantsArrivalAlert bool
}
