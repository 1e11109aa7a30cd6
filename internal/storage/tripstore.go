package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored ride was not in the expected status.
	ErrConflict = errors.New("ride state conflict")
	// ErrUnavailable wraps failures of the backing store.
	ErrUnavailable = errors.New("storage unavailable")
)

type RideFilter struct {
	RiderID  string
	DriverID string
	Statuses []models.RideStatus
	Limit    int
}

// RideStore is the durable record of rides and their transition log. A
// transition and the ride row it produces are written together.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride, initial models.Transition) error
	ApplyTransition(ctx context.Context, r *models.Ride, from models.RideStatus, t models.Transition) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)
	ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
	Transitions(ctx context.Context, rideID string) ([]models.Transition, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	rides       map[string]*models.Ride
	transitions map[string][]models.Transition
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]*models.Ride),
		transitions: make(map[string][]models.Transition),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride, initial models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	m.rides[r.ID] = r.Clone()
	m.appendLocked(initial)
	return nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, r *models.Ride, from models.RideStatus, t models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	m.rides[r.ID] = r.Clone()
	m.appendLocked(t)
	return nil
}

func (m *MemoryStore) appendLocked(t models.Transition) {
	m.nextID++
	t.ID = m.nextID
	m.transitions[t.RideID] = append(m.transitions[t.RideID], t)
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if matches(r, f) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return m.firstActive(ctx, RideFilter{RiderID: riderID, Statuses: models.ActiveStatuses})
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return m.firstActive(ctx, RideFilter{DriverID: driverID, Statuses: models.ActiveStatuses})
}

func (m *MemoryStore) firstActive(ctx context.Context, f RideFilter) (*models.Ride, error) {
	rs, _ := m.ListRides(ctx, f)
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	return rs[0], nil
}

func (m *MemoryStore) Transitions(ctx context.Context, rideID string) ([]models.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.rides[rideID]; !ok {
		return nil, ErrNotFound
	}
	return append([]models.Transition(nil), m.transitions[rideID]...), nil
}

func matches(r *models.Ride, f RideFilter) bool {
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if f.DriverID != "" && r.AssignedDriver() != f.DriverID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
