package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound = errors.New("driver not found")
	ErrInactive = errors.New("driver deactivated")
	// ErrDriverBusy is returned when a driver with an active ride tries to go
	// offline. The request is remembered and applied when the ride ends.
	ErrDriverBusy = errors.New("driver has an active ride")
	// ErrReservationConflict reports a lost test-and-set on a driver.
	ErrReservationConflict = errors.New("driver already reserved")
	ErrInvalidLocation     = errors.New("location out of range")
)

// RideActivity tells the registry whether a reserved ride is still live.
type RideActivity interface {
	RideActive(rideID string) bool
}

// Listener observes driver state changes. Calls happen outside the registry lock.
type Listener interface {
	LocationUpdated(driverID, rideID string, s models.LocationSample)
	StatusChanged(st models.DriverStatus)
}

// Registry owns driver identity, availability and the reservation state.
// Reservation is the only state here that needs strict mutual exclusion; all
// mutations happen under mu and persistence runs after it is released.
type Registry struct {
	mu        sync.Mutex
	drivers   map[string]*models.Driver
	index     *geo.Index
	store     storage.DriverStore
	activity  RideActivity
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

func New(index *geo.Index, store storage.DriverStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = storage.NewMemoryDriverStore()
	}
	return &Registry{
		drivers: make(map[string]*models.Driver),
		index:   index,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// SetRideActivity wires the lifecycle engine in after construction.
func (r *Registry) SetRideActivity(a RideActivity) {
	r.mu.Lock()
	r.activity = a
	r.mu.Unlock()
}

func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Hydrate rebuilds in-memory state from the driver store.
func (r *Registry) Hydrate(ctx context.Context) (int, error) {
	ds, err := r.store.LoadDrivers(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		d.ReservedRideID = nil
		d.OfflinePending = false
		r.drivers[d.ID] = d
		if d.Online && d.Active {
			r.indexLocked(d)
		}
	}
	r.refreshGaugeLocked()
	return len(ds), nil
}

// Register creates a driver or updates its onboarding attributes.
func (r *Registry) Register(ctx context.Context, in models.Driver) (*models.Driver, error) {
	if in.ID == "" {
		return nil, errors.New("driver id is required")
	}
	class, err := models.ParseVehicleClass(string(in.VehicleClass))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	d, ok := r.drivers[in.ID]
	if !ok {
		d = &models.Driver{ID: in.ID}
		r.drivers[in.ID] = d
	}
	d.UserID = in.UserID
	d.VehicleClass = class
	d.VehicleModel = in.VehicleModel
	d.VehicleNumber = in.VehicleNumber
	d.Rating = in.Rating
	d.Active = true
	d.UpdatedAt = r.now()
	if d.Online {
		r.index.SetAttributes(d.ID, d.VehicleClass, d.Rating)
	}
	snap := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, snap)
	return snap, nil
}

// Deactivate soft-deletes a driver. Drivers are never removed.
func (r *Registry) Deactivate(ctx context.Context, id string) (*models.Driver, error) {
	r.mu.Lock()
	d, ok := r.drivers[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if d.ReservedRideID != nil && r.rideActiveLocked(*d.ReservedRideID) {
		r.mu.Unlock()
		return nil, ErrDriverBusy
	}
	d.ReservedRideID = nil
	d.Active = false
	wasOnline := d.Online
	d.Online = false
	d.OfflinePending = false
	d.UpdatedAt = r.now()
	r.index.Remove(id)
	r.refreshGaugeLocked()
	snap := d.Clone()
	listeners := r.listeners
	r.mu.Unlock()

	r.persist(ctx, snap)
	if wasOnline {
		notifyStatus(listeners, models.DriverStatus{DriverID: id, Online: false})
	}
	return snap, nil
}

func (r *Registry) Get(id string) (*models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// List returns drivers sorted by ID, optionally only those online.
func (r *Registry) List(onlineOnly bool) []*models.Driver {
	r.mu.Lock()
	out := make([]*models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, d.Clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// SetOnline toggles availability. Going offline with a live reservation is
// deferred: the driver keeps being tracked, ErrDriverBusy is returned, and
// the toggle applies once the reservation is released.
func (r *Registry) SetOnline(ctx context.Context, id string, online bool) (*models.Driver, error) {
	r.mu.Lock()
	d, ok := r.drivers[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if online && !d.Active {
		r.mu.Unlock()
		return nil, ErrInactive
	}
	listeners := r.listeners
	if online {
		d.Online = true
		d.OfflinePending = false
		r.indexLocked(d)
	} else {
		if d.ReservedRideID != nil {
			if r.rideActiveLocked(*d.ReservedRideID) {
				d.OfflinePending = true
				snap := d.Clone()
				r.mu.Unlock()
				notifyStatus(listeners, models.DriverStatus{DriverID: id, Online: true, Deferred: true})
				return snap, ErrDriverBusy
			}
			r.logger.Info("releasing stale reservation", "driver_id", id, "ride_id", *d.ReservedRideID)
			d.ReservedRideID = nil
		}
		d.Online = false
		d.OfflinePending = false
		r.index.Remove(id)
	}
	d.UpdatedAt = r.now()
	r.refreshGaugeLocked()
	snap := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, snap)
	notifyStatus(listeners, models.DriverStatus{DriverID: id, Online: online})
	return snap, nil
}

// UpdateLocation records a new sample. Samples not newer than the stored one
// are dropped and reported as not applied.
func (r *Registry) UpdateLocation(ctx context.Context, id string, s models.LocationSample) (bool, error) {
	if !s.Point().Valid() {
		return false, ErrInvalidLocation
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = r.now()
	}
	s.DriverID = id
	r.mu.Lock()
	d, ok := r.drivers[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if d.Location != nil && !s.Timestamp.After(d.Location.Timestamp) {
		r.mu.Unlock()
		observability.StaleLocations.Inc()
		return false, nil
	}
	loc := s
	d.Location = &loc
	if d.Online {
		if err := r.index.Upsert(id, s); err != nil && !errors.Is(err, geo.ErrStaleLocation) {
			r.logger.Warn("geo upsert failed", "driver_id", id, "error", err)
		}
	}
	var rideID string
	if d.ReservedRideID != nil {
		rideID = *d.ReservedRideID
	}
	listeners := r.listeners
	r.mu.Unlock()

	if err := r.store.SaveLocation(ctx, id, s); err != nil {
		r.logger.Warn("persist location failed", "driver_id", id, "error", err)
	}
	for _, l := range listeners {
		l.LocationUpdated(id, rideID, s)
	}
	return true, nil
}

// Reserve is the test-and-set claim of a driver for one ride. It never blocks
// on I/O.
func (r *Registry) Reserve(id, rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok || !d.Active || !d.Online || d.OfflinePending || d.ReservedRideID != nil {
		return false
	}
	d.ReservedRideID = models.StringPtr(rideID)
	return true
}

// Restore re-establishes a reservation known from the ride store, regardless
// of online state.
func (r *Registry) Restore(id, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if d.ReservedRideID != nil && *d.ReservedRideID != rideID {
		return ErrReservationConflict
	}
	d.ReservedRideID = models.StringPtr(rideID)
	return nil
}

// Release clears any reservation. Releasing an unreserved driver is a no-op.
func (r *Registry) Release(ctx context.Context, id string) {
	r.release(ctx, id, "")
}

// ReleaseIf clears the reservation only when it belongs to rideID.
func (r *Registry) ReleaseIf(ctx context.Context, id, rideID string) bool {
	return r.release(ctx, id, rideID)
}

func (r *Registry) release(ctx context.Context, id, rideID string) bool {
	r.mu.Lock()
	d, ok := r.drivers[id]
	if !ok || d.ReservedRideID == nil || (rideID != "" && *d.ReservedRideID != rideID) {
		r.mu.Unlock()
		return false
	}
	d.ReservedRideID = nil
	wentOffline := false
	if d.OfflinePending {
		d.OfflinePending = false
		d.Online = false
		r.index.Remove(id)
		r.refreshGaugeLocked()
		wentOffline = true
	}
	d.UpdatedAt = r.now()
	snap := d.Clone()
	listeners := r.listeners
	r.mu.Unlock()

	if wentOffline {
		r.persist(ctx, snap)
		notifyStatus(listeners, models.DriverStatus{DriverID: id, Online: false})
	}
	return true
}

func (r *Registry) ReservedRide(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok || d.ReservedRideID == nil {
		return "", false
	}
	return *d.ReservedRideID, true
}

// Nearby returns online, active, unreserved drivers of class around center.
func (r *Registry) Nearby(center models.Point, radiusKm float64, class models.VehicleClass) []geo.Result {
	res := r.index.Query(center, radiusKm, class)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := res[:0]
	for _, c := range res {
		d, ok := r.drivers[c.DriverID]
		if !ok || !d.Active || !d.Online || d.OfflinePending || d.ReservedRideID != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Registry) indexLocked(d *models.Driver) {
	r.index.SetAttributes(d.ID, d.VehicleClass, d.Rating)
	if d.Location != nil {
		if err := r.index.Upsert(d.ID, *d.Location); err != nil && !errors.Is(err, geo.ErrStaleLocation) {
			r.logger.Warn("geo upsert failed", "driver_id", d.ID, "error", err)
		}
	}
}

func (r *Registry) rideActiveLocked(rideID string) bool {
	if r.activity == nil {
		return true
	}
	return r.activity.RideActive(rideID)
}

func (r *Registry) onlineLocked() int {
	n := 0
	for _, d := range r.drivers {
		if d.Online {
			n++
		}
	}
	return n
}

func (r *Registry) refreshGaugeLocked() {
	observability.DriversOnline.Set(float64(r.onlineLocked()))
}

func (r *Registry) persist(ctx context.Context, d *models.Driver) {
	if err := r.store.SaveDriver(ctx, d); err != nil {
		r.logger.Warn("persist driver failed", "driver_id", d.ID, "error", err)
	}
}

func notifyStatus(listeners []Listener, st models.DriverStatus) {
	for _, l := range listeners {
		l.StatusChanged(st)
	}
}
