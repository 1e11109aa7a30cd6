// Package lifecycle owns the ride state machine. Every status change goes
// through one per-ride critical section: load, validate, persist, then fan
// out. A transition that cannot be persisted never reaches subscribers.
package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrOTPMismatch       = errors.New("otp mismatch")
	ErrForbidden         = errors.New("actor may not perform this transition")
	ErrActiveRide        = errors.New("an active ride already exists")
	ErrInvalidRequest    = errors.New("invalid ride request")
	ErrClosed            = errors.New("lifecycle engine closed")
)

// ReasonNoDriverFound is the cancel reason recorded when the match window elapses.
const ReasonNoDriverFound = "no_driver_found"

// Matcher selects and reserves a driver for a searching ride.
type Matcher interface {
	MatchDriver(ctx context.Context, ride *models.Ride) (matcher.Assignment, error)
}

// Registry is the part of the driver registry the engine drives directly.
type Registry interface {
	ReleaseIf(ctx context.Context, driverID, rideID string) bool
	Restore(driverID, rideID string) error
}

// Publisher is the realtime fan-out.
type Publisher interface {
	Publish(rideID string, ev models.Event) int
	SendToDriver(driverID string, ev models.Event) bool
	CloseRoomAfter(rideID string, d time.Duration)
}

// Notifier is the push collaborator. Failures are logged, never surfaced.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev models.Event) error
}

// EventSink receives every accepted transition for downstream consumers.
type EventSink interface {
	PublishRideEvent(ctx context.Context, ride *models.Ride, t models.Transition) error
}

type Config struct {
	// MatchWindow is how long a ride may stay searching before it is
	// cancelled with ReasonNoDriverFound.
	MatchWindow   time.Duration
	RetryInterval time.Duration
	SweepInterval time.Duration
	// RoomGrace delays room teardown after a terminal state.
	RoomGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MatchWindow:   60 * time.Second,
		RetryInterval: 5 * time.Second,
		SweepInterval: 10 * time.Second,
		RoomGrace:     30 * time.Second,
	}
}

type Deps struct {
	Store    storage.RideStore
	Registry Registry
	Matcher  Matcher
	Fares    fare.Quoter
	ETA      *eta.Estimator
	Fanout   Publisher
	Notifier Notifier
	Events   EventSink
	Logger   *slog.Logger
}

type search struct {
	cancel context.CancelFunc
	timer  *time.Timer
}

type Engine struct {
	Deps
	cfg   Config
	now   func() time.Time
	otp   func() (string, error)
	locks *keyedMutex

	// mu guards the maps below. It is never held while calling another
	// component, so RideActive is safe to call from under the registry lock.
	mu       sync.Mutex
	searches map[string]*search
	active   map[string]models.RideStatus
	trails   map[string]*trail
	closed   bool

	wg sync.WaitGroup
}

func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = def.MatchWindow
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RoomGrace < 0 {
		cfg.RoomGrace = 0
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Fares == nil {
		deps.Fares = fare.DefaultTable()
	}
	return &Engine{
		Deps:     deps,
		cfg:      cfg,
		now:      time.Now,
		otp:      generateOTP,
		locks:    newKeyedMutex(),
		searches: make(map[string]*search),
		active:   make(map[string]models.RideStatus),
		trails:   make(map[string]*trail),
	}
}

// RequestRide creates a searching ride and starts matching in the background.
// The returned ride carries the OTP; it is the only copy the rider gets.
func (e *Engine) RequestRide(ctx context.Context, actor models.Actor, req models.RideRequest) (*models.Ride, error) {
	switch actor.Role {
	case models.RoleRider:
		req.RiderID = actor.ID
	case models.RoleAdmin, models.RoleSystem:
	default:
		return nil, ErrForbidden
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock("rider:" + req.RiderID)
	defer unlock()

	if existing, err := e.Store.ActiveRideForRider(ctx, req.RiderID); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrActiveRide, existing.ID)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	code, err := e.otp()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	route := e.ETA.Estimate(ctx, req.Pickup, req.Dropoff)
	distanceKm, durationMin := eta.TripEstimate(route)
	now := e.now()
	ride := &models.Ride{
		ID:             uuid.NewString(),
		RiderID:        req.RiderID,
		Pickup:         req.Pickup,
		PickupAddress:  req.PickupAddress,
		Dropoff:        req.Dropoff,
		DropoffAddress: req.DropoffAddress,
		VehicleClass:   req.VehicleClass,
		Status:         models.StatusSearching,
		DistanceKm:     distanceKm,
		DurationMin:    durationMin,
		OTP:            code,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if q, err := e.Fares.Quote(ctx, distanceKm, req.VehicleClass); err == nil {
		ride.FareEstimate = models.FloatPtr(q.Total)
	} else {
		e.Logger.Warn("fare estimate failed", "error", err)
	}

	t := models.Transition{RideID: ride.ID, To: models.StatusSearching, ActorRole: actor.Role, ActorID: actor.ID, At: now}
	if err := e.Store.CreateRide(ctx, ride, t); err != nil {
		return nil, fmt.Errorf("persist ride: %w", err)
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusSearching)).Inc()
	e.setActive(ride.ID, models.StatusSearching)
	e.emit(ride, t)
	e.Logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID, "vehicle_class", ride.VehicleClass)

	if err := e.startSearch(ride, e.cfg.MatchWindow); err != nil {
		return nil, err
	}
	return ride.Clone(), nil
}

// Arrive is fired by the assigned driver on reaching the pickup point.
func (e *Engine) Arrive(ctx context.Context, rideID string, actor models.Actor) (*models.Ride, error) {
	return e.transition(ctx, rideID, models.StatusDriverArrived, actor, func(_, next *models.Ride) error {
		next.ArrivedAt = models.TimePtr(e.now())
		return nil
	})
}

// StartTrip moves an arrived ride into progress once the rider's code matches.
func (e *Engine) StartTrip(ctx context.Context, rideID string, actor models.Actor, otp string) (*models.Ride, error) {
	return e.transition(ctx, rideID, models.StatusInProgress, actor, func(cur, next *models.Ride) error {
		if subtle.ConstantTimeCompare([]byte(cur.OTP), []byte(otp)) != 1 {
			return ErrOTPMismatch
		}
		next.StartedAt = models.TimePtr(e.now())
		next.Progress = models.FloatPtr(0)
		return nil
	})
}

// CompleteTrip finalizes the fare through the Fare Engine and frees the driver.
func (e *Engine) CompleteTrip(ctx context.Context, rideID string, actor models.Actor) (*models.Ride, error) {
	return e.transition(ctx, rideID, models.StatusCompleted, actor, func(cur, next *models.Ride) error {
		q, err := e.Fares.Quote(ctx, cur.DistanceKm, cur.VehicleClass)
		if err != nil {
			return fmt.Errorf("quote fare: %w", err)
		}
		next.Fare = models.FloatPtr(q.Total)
		next.CompletedAt = models.TimePtr(e.now())
		next.Progress = models.FloatPtr(100)
		return nil
	})
}

// Cancel is permitted before pickup for the rider, the assigned driver or an admin.
func (e *Engine) Cancel(ctx context.Context, rideID string, actor models.Actor, reason string) (*models.Ride, error) {
	return e.transition(ctx, rideID, models.StatusCancelled, actor, func(_, next *models.Ride) error {
		markCancelled(next, actor, reason, e.now())
		return nil
	})
}

// GetSnapshot is the full-state read clients use to reconcile after missing events.
func (e *Engine) GetSnapshot(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	e.withProgress(r)
	return r, nil
}

func (e *Engine) Transitions(ctx context.Context, rideID string) ([]models.Transition, error) {
	if _, err := e.Store.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	return e.Store.Transitions(ctx, rideID)
}

func (e *Engine) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	r, err := e.Store.ActiveRideForRider(ctx, riderID)
	if err != nil {
		return nil, err
	}
	e.withProgress(r)
	return r, nil
}

func (e *Engine) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	r, err := e.Store.ActiveRideForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	e.withProgress(r)
	return r, nil
}

func (e *Engine) ListRides(ctx context.Context, f storage.RideFilter) ([]*models.Ride, error) {
	return e.Store.ListRides(ctx, f)
}

// RideActive reports whether rideID is known and not terminal.
func (e *Engine) RideActive(rideID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[rideID]
	return ok
}

// ActiveCounts returns the number of live rides per status.
func (e *Engine) ActiveCounts() map[models.RideStatus]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[models.RideStatus]int, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		out[s] = 0
	}
	for _, s := range e.active {
		out[s]++
	}
	return out
}

// Close stops matching and expiry timers and waits for background work.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	searches := e.searches
	e.searches = make(map[string]*search)
	e.mu.Unlock()
	for _, s := range searches {
		s.timer.Stop()
		s.cancel()
	}
	e.wg.Wait()
}

type mutation func(cur, next *models.Ride) error

func (e *Engine) transition(ctx context.Context, rideID string, to models.RideStatus, actor models.Actor, mutate mutation) (*models.Ride, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()

	cur, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := authorize(cur, to, actor); err != nil {
		return nil, err
	}
	if cur.Status == to {
		e.withProgress(cur)
		return cur, nil
	}
	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	next := cur.Clone()
	next.Status = to
	if mutate != nil {
		if err := mutate(cur, next); err != nil {
			return nil, err
		}
	}
	if err := e.commit(ctx, cur, next, actor); err != nil {
		return nil, err
	}
	return next, nil
}

// commit persists cur -> next and runs the side effects of the new state.
// Callers hold the ride lock.
func (e *Engine) commit(ctx context.Context, cur, next *models.Ride, actor models.Actor) error {
	now := e.now()
	next.UpdatedAt = now
	t := models.Transition{
		RideID:    next.ID,
		From:      cur.Status,
		To:        next.Status,
		ActorRole: actor.Role,
		ActorID:   actor.ID,
		Reason:    next.CancelReason,
		At:        now,
	}
	if err := e.Store.ApplyTransition(ctx, next, cur.Status, t); err != nil {
		e.Logger.Error("transition not persisted", "ride_id", next.ID, "from", cur.Status, "to", next.Status, "error", err)
		return fmt.Errorf("persist transition %s -> %s: %w", cur.Status, next.Status, err)
	}
	observability.RideTransitions.WithLabelValues(string(next.Status)).Inc()

	switch next.Status {
	case models.StatusInProgress:
		e.startTrail(next)
		e.setActive(next.ID, next.Status)
	case models.StatusCompleted, models.StatusCancelled:
		e.stopSearch(next.ID)
		e.dropActive(next.ID)
		if driverID := next.AssignedDriver(); driverID != "" && e.Registry != nil {
			e.Registry.ReleaseIf(context.WithoutCancel(ctx), driverID, next.ID)
		}
	default:
		e.setActive(next.ID, next.Status)
	}

	e.withProgress(next)
	if e.Fanout != nil {
		e.Fanout.Publish(next.ID, models.NewEvent(models.EventRideUpdate, next.Redacted()))
		if next.Status.Terminal() {
			e.Fanout.CloseRoomAfter(next.ID, e.cfg.RoomGrace)
		}
	}
	e.notifyParties(next, actor)
	e.emit(next, t)
	e.Logger.Info("ride transition", "ride_id", next.ID, "from", cur.Status, "to", next.Status, "actor", actor.Role)
	return nil
}

func (e *Engine) notifyParties(r *models.Ride, actor models.Actor) {
	if e.Notifier == nil {
		return
	}
	ev := models.NewEvent(models.EventRideUpdate, r.Redacted())
	var targets []string
	if actor.Role != models.RoleRider {
		targets = append(targets, r.RiderID)
	}
	if d := r.AssignedDriver(); d != "" && actor.Role != models.RoleDriver && r.Status == models.StatusCancelled {
		targets = append(targets, d)
	}
	for _, userID := range targets {
		userID := userID // per-iteration copy (go.mod targets pre-1.22 loop semantics)
		e.background(func(ctx context.Context) {
			if err := e.Notifier.Notify(ctx, userID, ev); err != nil {
				e.Logger.Warn("notify failed", "ride_id", r.ID, "user_id", userID, "error", err)
			}
		})
	}
}

func (e *Engine) emit(r *models.Ride, t models.Transition) {
	if e.Events == nil {
		return
	}
	snap := r.Redacted()
	e.background(func(ctx context.Context) {
		if err := e.Events.PublishRideEvent(ctx, snap, t); err != nil {
			e.Logger.Warn("ride event publish failed", "ride_id", snap.ID, "error", err)
		}
	})
}

// background runs fn on its own goroutine, tracked by Close.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (e *Engine) setActive(rideID string, s models.RideStatus) {
	e.mu.Lock()
	e.active[rideID] = s
	e.mu.Unlock()
}

func (e *Engine) dropActive(rideID string) {
	e.mu.Lock()
	delete(e.active, rideID)
	delete(e.trails, rideID)
	e.mu.Unlock()
}

func markCancelled(r *models.Ride, actor models.Actor, reason string, at time.Time) {
	if reason == "" {
		reason = "cancelled_by_" + actor.Role
	}
	r.CancelReason = reason
	r.CancelledBy = actor.Role
	r.CancelledAt = models.TimePtr(at)
}

func validateRequest(req *models.RideRequest) error {
	if req.RiderID == "" {
		return fmt.Errorf("%w: rider id is required", ErrInvalidRequest)
	}
	class, err := models.ParseVehicleClass(string(req.VehicleClass))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.VehicleClass = class
	for _, p := range []models.Point{req.Pickup, req.Dropoff} {
		if !p.Valid() {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
		}
	}
	if geo.DistanceKm(req.Pickup, req.Dropoff) == 0 {
		return fmt.Errorf("%w: pickup and dropoff are the same point", ErrInvalidRequest)
	}
	return nil
}

// generateOTP returns a 4-digit code in [1000, 9999].
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()+1000), nil
}
