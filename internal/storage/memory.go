package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/models"
)

// MemoryLocationStore keeps records keyed by driver id with a secondary
// cell -> driver ids index.
type MemoryLocationStore struct {
	mu      sync.RWMutex
	records map[string]models.DriverLocationRecord
	cells   map[string]map[string]struct{}
}

func NewMemoryLocationStore() *MemoryLocationStore {
	return &MemoryLocationStore{
		records: make(map[string]models.DriverLocationRecord),
		cells:   make(map[string]map[string]struct{}),
	}
}

func (m *MemoryLocationStore) UpsertLocation(_ context.Context, rec *models.DriverLocationRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *rec
	if prev, ok := m.records[rec.DriverID]; ok {
		next.ID = prev.ID
		if prev.CellID != next.CellID {
			m.removeFromCell(prev.CellID, prev.DriverID)
		}
	} else {
		next.ID = uuid.NewString()
	}
	m.records[next.DriverID] = next
	ids, ok := m.cells[next.CellID]
	if !ok {
		ids = make(map[string]struct{})
		m.cells[next.CellID] = ids
	}
	ids[next.DriverID] = struct{}{}
	return next.ID, nil
}

func (m *MemoryLocationStore) DeleteLocation(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[driverID]
	if !ok {
		return models.ErrNotFound
	}
	delete(m.records, driverID)
	m.removeFromCell(prev.CellID, driverID)
	return nil
}

func (m *MemoryLocationStore) GetLocation(_ context.Context, driverID string) (*models.DriverLocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[driverID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryLocationStore) OnlineInCells(_ context.Context, cells []string) ([]models.DriverLocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.DriverLocationRecord
	for _, c := range cells {
		for id := range m.cells[c] {
			rec := m.records[id]
			if rec.Status != models.StatusOnline {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (m *MemoryLocationStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryLocationStore) removeFromCell(cell, driverID string) {
	ids, ok := m.cells[cell]
	if !ok {
		return
	}
	delete(ids, driverID)
	if len(ids) == 0 {
		delete(m.cells, cell)
	}
}

// MemoryOfferStore is an OfferStore for tests and single-process runs.
type MemoryOfferStore struct {
	mu     sync.RWMutex
	offers map[string]models.RideOffer
}

func NewMemoryOfferStore() *MemoryOfferStore {
	return &MemoryOfferStore{offers: make(map[string]models.RideOffer)}
}

func (m *MemoryOfferStore) SaveOffer(_ context.Context, o *models.RideOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryOfferStore) UpdateOffer(_ context.Context, o *models.RideOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return models.ErrOfferNotFound
	}
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryOfferStore) DeleteOffer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offers, id)
	return nil
}

func (m *MemoryOfferStore) Get(id string) (models.RideOffer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	return o, ok
}
