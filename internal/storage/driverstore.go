package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverStore persists driver online state and last location so the
// registry can be rebuilt after a restart.
type DriverStore interface {
	SaveDriver(ctx context.Context, d *models.Driver) error
	SaveLocation(ctx context.Context, driverID string, s models.LocationSample) error
	LoadDrivers(ctx context.Context) ([]*models.Driver, error)
}

type MemoryDriverStore struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewMemoryDriverStore() *MemoryDriverStore {
	return &MemoryDriverStore{drivers: make(map[string]*models.Driver)}
}

func (m *MemoryDriverStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *MemoryDriverStore) SaveLocation(ctx context.Context, driverID string, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	if d.Location != nil && !s.Timestamp.After(d.Location.Timestamp) {
		return nil
	}
	d.Location = &s
	return nil
}

func (m *MemoryDriverStore) LoadDrivers(ctx context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d.Clone())
	}
	return out, nil
}
