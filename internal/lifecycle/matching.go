package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// startSearch arms the expiry timer for ride and launches the match loop.
// The loop retries every RetryInterval until a driver is assigned, the ride
// leaves searching, or the window elapses.
func (e *Engine) startSearch(ride *models.Ride, window time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	rideID := ride.ID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s := &search{cancel: cancel}
	s.timer = time.AfterFunc(window, func() { e.expire(rideID) })
	e.searches[rideID] = s
	e.wg.Add(1)
	e.mu.Unlock()

	snap := ride.Clone()
	go func() {
		defer e.wg.Done()
		e.matchLoop(ctx, snap)
	}()
	return nil
}

func (e *Engine) stopSearch(rideID string) {
	e.mu.Lock()
	s, ok := e.searches[rideID]
	delete(e.searches, rideID)
	e.mu.Unlock()
	if ok {
		s.timer.Stop()
		s.cancel()
	}
}

func (e *Engine) matchLoop(ctx context.Context, ride *models.Ride) {
	if e.Matcher == nil {
		return
	}
	for {
		a, err := e.Matcher.MatchDriver(ctx, ride)
		switch {
		case err == nil:
			if e.assign(ctx, ride.ID, a) {
				return
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, matcher.ErrNoDriverAvailable):
			e.Logger.Debug("no driver yet", "ride_id", ride.ID)
		default:
			e.Logger.Warn("match attempt failed", "ride_id", ride.ID, "error", err)
		}

		t := time.NewTimer(e.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// assign performs searching -> driver_assigned for a reservation the matcher
// produced. It reports whether matching for the ride is finished. The
// reservation is released on every path that does not assign it.
func (e *Engine) assign(ctx context.Context, rideID string, a matcher.Assignment) bool {
	// The reservation must be handed back even if the search was cancelled meanwhile.
	wctx := context.WithoutCancel(ctx)
	release := func() {
		if e.Registry != nil {
			e.Registry.ReleaseIf(wctx, a.DriverID, rideID)
		}
	}

	unlock := e.locks.Lock(rideID)
	defer unlock()

	cur, err := e.Store.GetRide(wctx, rideID)
	if err != nil {
		release()
		e.Logger.Warn("load ride for assignment", "ride_id", rideID, "error", err)
		return errors.Is(err, storage.ErrNotFound)
	}
	if cur.Status != models.StatusSearching {
		release()
		e.Logger.Info("dropping late reservation", "ride_id", rideID, "driver_id", a.DriverID, "status", cur.Status)
		return true
	}

	next := cur.Clone()
	next.Status = models.StatusDriverAssigned
	next.DriverID = models.StringPtr(a.DriverID)
	next.AssignedAt = models.TimePtr(e.now())
	if err := e.commit(wctx, cur, next, models.SystemActor()); err != nil {
		release()
		return false
	}
	e.stopSearch(rideID)

	if e.Fanout != nil {
		offer := models.RideOffer{
			RideID:             next.ID,
			Pickup:             next.Pickup,
			PickupAddress:      next.PickupAddress,
			Dropoff:            next.Dropoff,
			DropoffAddress:     next.DropoffAddress,
			DistanceToPickupKm: a.DistanceKm,
			ETASeconds:         a.ETASeconds,
		}
		if next.FareEstimate != nil {
			offer.FareEstimate = *next.FareEstimate
		}
		e.Fanout.SendToDriver(a.DriverID, models.NewEvent(models.EventRideOffer, offer))
	}
	if e.Notifier != nil {
		ev := models.NewEvent(models.EventRideOffer, map[string]string{"rideId": next.ID})
		e.background(func(ctx context.Context) {
			if err := e.Notifier.Notify(ctx, a.DriverID, ev); err != nil {
				e.Logger.Warn("notify driver failed", "ride_id", next.ID, "driver_id", a.DriverID, "error", err)
			}
		})
	}
	e.Logger.Info("driver assigned", "ride_id", rideID, "driver_id", a.DriverID, "distance_km", a.DistanceKm)
	return true
}

// expire cancels rideID with ReasonNoDriverFound if it is still searching.
func (e *Engine) expire(rideID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := e.locks.Lock(rideID)
	defer unlock()

	cur, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		e.Logger.Warn("load ride for expiry", "ride_id", rideID, "error", err)
		return false
	}
	if cur.Status != models.StatusSearching {
		return false
	}
	next := cur.Clone()
	next.Status = models.StatusCancelled
	markCancelled(next, models.SystemActor(), ReasonNoDriverFound, e.now())
	if err := e.commit(ctx, cur, next, models.SystemActor()); err != nil {
		return false
	}
	observability.RidesExpired.Inc()
	e.Logger.Info("ride expired", "ride_id", rideID, "reason", ReasonNoDriverFound)
	return true
}

// RunExpirySweeper is the backstop for the per-ride timers: it cancels any
// ride left searching past the match window, for instance after a restart.
func (e *Engine) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}

// SweepExpired runs one sweep and returns the number of rides it expired.
func (e *Engine) SweepExpired(ctx context.Context) int {
	rides, err := e.Store.ListRides(ctx, storage.RideFilter{Statuses: []models.RideStatus{models.StatusSearching}})
	if err != nil {
		e.Logger.Warn("expiry sweep failed", "error", err)
		return 0
	}
	cutoff := e.now().Add(-e.cfg.MatchWindow)
	n := 0
	for _, r := range rides {
		if r.CreatedAt.After(cutoff) {
			continue
		}
		if e.expire(r.ID) {
			n++
		}
	}
	return n
}

// Recover rebuilds in-memory ride state from the store after a restart:
// reservations of assigned rides are restored and searching rides either
// resume matching for the rest of their window or expire.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	rides, err := e.Store.ListRides(ctx, storage.RideFilter{Statuses: models.ActiveStatuses})
	if err != nil {
		return 0, err
	}
	for _, r := range rides {
		e.setActive(r.ID, r.Status)
		switch r.Status {
		case models.StatusSearching:
			remaining := r.CreatedAt.Add(e.cfg.MatchWindow).Sub(e.now())
			if remaining <= 0 {
				e.expire(r.ID)
				continue
			}
			if err := e.startSearch(r, remaining); err != nil {
				return 0, err
			}
		default:
			if r.Status == models.StatusInProgress {
				e.startTrail(r)
			}
			if d := r.AssignedDriver(); d != "" && e.Registry != nil {
				if err := e.Registry.Restore(d, r.ID); err != nil {
					e.Logger.Warn("restore reservation", "ride_id", r.ID, "driver_id", d, "error", err)
				}
			}
		}
	}
	return len(rides), nil
}
