package lifecycle

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// trail accumulates the driven distance of an in-progress ride.
type trail struct {
	dropoff     models.Point
	last        *models.Point
	travelledKm float64
	samples     int
}

func (e *Engine) startTrail(r *models.Ride) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.trails[r.ID]; ok {
		return
	}
	start := r.Pickup
	e.trails[r.ID] = &trail{dropoff: r.Dropoff, last: &start}
}

// RecordLocation feeds a driver sample into the trail of the ride the driver
// is reserved for. Samples for rides not in progress are ignored.
func (e *Engine) RecordLocation(driverID, rideID string, s models.LocationSample) {
	if rideID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trails[rideID]
	if !ok {
		return
	}
	p := s.Point()
	if t.last != nil {
		t.travelledKm += geo.DistanceKm(*t.last, p)
	}
	t.last = &p
	t.samples++
}

// Progress returns the completed share of the trip in percent.
func (e *Engine) Progress(rideID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trails[rideID]
	if !ok {
		return 0, false
	}
	return t.progress(), true
}

func (t *trail) progress() float64 {
	if t.samples == 0 || t.last == nil {
		return 0
	}
	remaining := geo.DistanceKm(*t.last, t.dropoff)
	total := t.travelledKm + remaining
	if total <= 0 {
		return 100
	}
	pct := t.travelledKm / total * 100
	return math.Round(math.Min(pct, 100)*10) / 10
}

func (e *Engine) withProgress(r *models.Ride) {
	switch r.Status {
	case models.StatusInProgress:
		if p, ok := e.Progress(r.ID); ok {
			r.Progress = models.FloatPtr(p)
		}
	case models.StatusCompleted:
		r.Progress = models.FloatPtr(100)
	}
}

// LocationUpdated implements registry.Listener.
func (e *Engine) LocationUpdated(driverID, rideID string, s models.LocationSample) {
	e.RecordLocation(driverID, rideID, s)
}

// StatusChanged implements registry.Listener.
func (e *Engine) StatusChanged(models.DriverStatus) {}
