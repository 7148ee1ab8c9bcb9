package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// TripStore persists trips.
type TripStore interface {
	// SaveTrip inserts t unless a trip with the same id exists, in which
	// case it does nothing.
	SaveTrip(ctx context.Context, t *models.Trip) error
	// UpdateTrip replaces the stored trip only while its status is still
	// from; otherwise it returns models.ErrInvalidTransition.
	UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error
	// GetTrip returns models.ErrTripNotFound for an unknown id.
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
}

type MemoryTripStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
}

func NewMemoryTripStore() *MemoryTripStore {
	return &MemoryTripStore{trips: make(map[string]models.Trip)}
}

func (m *MemoryTripStore) SaveTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		m.trips[t.ID] = copyTrip(*t)
	}
	return nil
}

func (m *MemoryTripStore) UpdateTrip(_ context.Context, t *models.Trip, from models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return models.ErrTripNotFound
	}
	if cur.Status != from {
		return models.ErrInvalidTransition
	}
	m.trips[t.ID] = copyTrip(*t)
	return nil
}

func (m *MemoryTripStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	t = copyTrip(t)
	return &t, nil
}

func copyTrip(t models.Trip) models.Trip {
	if t.Fare != nil {
		f := *t.Fare
		t.Fare = &f
	}
	return t
}

const tripColumns = `id, request_id, rider_id, driver_id, pickup_name, pickup_lat, pickup_lng, dropoff_name, dropoff_lat, dropoff_lng,
	quoted_fare, vehicle_type, status, accepted_at, started_at, arriving_at, completed_at, cancelled_at, fare`

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	fare, err := fareJSON(t.Fare)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	ON CONFLICT (id) DO NOTHING`,
		t.ID, t.RequestID, t.RiderID, t.DriverID,
		t.Pickup.Name, t.Pickup.Coord.Lat, t.Pickup.Coord.Lng,
		t.Dropoff.Name, t.Dropoff.Coord.Lat, t.Dropoff.Coord.Lng,
		t.QuotedFare, t.Vehicle, string(t.Status), t.AcceptedAt,
		nullTime(t.StartedAt), nullTime(t.ArrivingAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt), fare)
	return err
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error {
	fare, err := fareJSON(t.Fare)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, started_at=$2, arriving_at=$3, completed_at=$4,
	cancelled_at=$5, fare=$6, updated_at=$7 WHERE id=$8 AND status=$9`,
		string(t.Status), nullTime(t.StartedAt), nullTime(t.ArrivingAt), nullTime(t.CompletedAt),
		nullTime(t.CancelledAt), fare, time.Now().UTC(), t.ID, string(from))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var (
		t                                       models.Trip
		status                                  string
		started, arriving, completed, cancelled sql.NullTime
		fare                                    []byte
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id).Scan(
		&t.ID, &t.RequestID, &t.RiderID, &t.DriverID,
		&t.Pickup.Name, &t.Pickup.Coord.Lat, &t.Pickup.Coord.Lng,
		&t.Dropoff.Name, &t.Dropoff.Coord.Lat, &t.Dropoff.Coord.Lng,
		&t.QuotedFare, &t.Vehicle, &status, &t.AcceptedAt,
		&started, &arriving, &completed, &cancelled, &fare)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	t.StartedAt, t.ArrivingAt, t.CompletedAt, t.CancelledAt = started.Time, arriving.Time, completed.Time, cancelled.Time
	if len(fare) > 0 {
		t.Fare = &models.FareBreakdown{}
		if err := json.Unmarshal(fare, t.Fare); err != nil {
			return nil, fmt.Errorf("decode trip fare: %w", err)
		}
	}
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// fareJSON encodes f for the JSONB column; nil becomes NULL.
func fareJSON(f *models.FareBreakdown) (any, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
