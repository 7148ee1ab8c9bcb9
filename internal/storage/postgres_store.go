package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

// PostgresStore implements LocationStore and OfferStore. driver_locations is
// keyed by driver_id so the database enforces one record per driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const upsertLocationSQL = `INSERT INTO driver_locations (id, driver_id, cell_id, lat, lng, status, vehicle_type, phone, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (driver_id) DO UPDATE SET
	cell_id = EXCLUDED.cell_id,
	lat = EXCLUDED.lat,
	lng = EXCLUDED.lng,
	status = EXCLUDED.status,
	vehicle_type = EXCLUDED.vehicle_type,
	phone = EXCLUDED.phone,
	last_updated = EXCLUDED.last_updated
RETURNING id`

func (p *PostgresStore) UpsertLocation(ctx context.Context, rec *models.DriverLocationRecord) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, upsertLocationSQL,
		uuid.NewString(), rec.DriverID, rec.CellID, rec.Lat, rec.Lng, string(rec.Status),
		rec.VehicleType, rec.Phone, rec.LastUpdated.UTC(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", rec.DriverID, err)
	}
	return id, nil
}

func (p *PostgresStore) DeleteLocation(ctx context.Context, driverID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM driver_locations WHERE driver_id = $1`, driverID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

const selectLocationCols = `SELECT id, driver_id, cell_id, lat, lng, status, vehicle_type, phone, last_updated FROM driver_locations`

func (p *PostgresStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocationRecord, error) {
	row := p.db.QueryRowContext(ctx, selectLocationCols+` WHERE driver_id = $1`, driverID)
	rec, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) OnlineInCells(ctx context.Context, cells []string) ([]models.DriverLocationRecord, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, selectLocationCols+` WHERE status = $1 AND cell_id = ANY($2)`,
		string(models.StatusOnline), pq.Array(cells))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DriverLocationRecord
	for rows.Next() {
		rec, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(s rowScanner) (models.DriverLocationRecord, error) {
	var rec models.DriverLocationRecord
	var status string
	if err := s.Scan(&rec.ID, &rec.DriverID, &rec.CellID, &rec.Lat, &rec.Lng, &status,
		&rec.VehicleType, &rec.Phone, &rec.LastUpdated); err != nil {
		return rec, err
	}
	rec.Status = models.DriverStatus(status)
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("decode driver_locations row: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.RideOffer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_offers(id, request_id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, fare, state, created_at, expires_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.RequestID, o.RiderID, o.DriverID, o.Pickup.Coord.Lat, o.Pickup.Coord.Lng,
		o.Dropoff.Coord.Lat, o.Dropoff.Coord.Lng, o.Fare, string(o.State), o.CreatedAt, o.ExpiresAt)
	if isUniqueViolation(err) {
		return models.ErrAlreadyOffered
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *models.RideOffer) error {
	resolved := sql.NullTime{Time: o.ResolvedAt, Valid: !o.ResolvedAt.IsZero()}
	res, err := p.db.ExecContext(ctx, `UPDATE ride_offers SET state=$1, resolved_at=$2, updated_at=$3 WHERE id=$4`,
		string(o.State), resolved, time.Now().UTC(), o.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrOfferNotFound
	}
	return nil
}
