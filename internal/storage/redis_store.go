package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

const defaultTxRetries = 5

// RedisLocationStore keeps one hash per driver (driver:loc:<id>) and one set
// of driver ids per cell (cell:<cell>). Writes for a driver run as WATCH/MULTI
// transactions on the driver's hash so the hash and cell sets never diverge.
type RedisLocationStore struct {
	client    *redis.Client
	prefix    string
	txRetries int
	logger    *slog.Logger
}

func NewRedisLocationStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisLocationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocationStore{client: client, prefix: prefix, txRetries: defaultTxRetries, logger: logger}
}

// NewRedisClient builds a client from address and password.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func (r *RedisLocationStore) locKey(driverID string) string { return r.prefix + "driver:loc:" + driverID }

func (r *RedisLocationStore) cellKey(cell string) string { return r.prefix + "cell:" + cell }

func (r *RedisLocationStore) UpsertLocation(ctx context.Context, rec *models.DriverLocationRecord) (string, error) {
	key := r.locKey(rec.DriverID)
	var id string

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HMGet(ctx, key, "id", "cell_id").Result()
		if err != nil {
			return err
		}
		id, _ = cur[0].(string)
		oldCell, _ := cur[1].(string)
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldCell != "" && oldCell != rec.CellID {
				pipe.SRem(ctx, r.cellKey(oldCell), rec.DriverID)
			}
			pipe.HSet(ctx, key, encodeRecord(id, rec))
			pipe.SAdd(ctx, r.cellKey(rec.CellID), rec.DriverID)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return "", fmt.Errorf("upsert %s: %w", rec.DriverID, err)
	}
	return id, nil
}

func (r *RedisLocationStore) DeleteLocation(ctx context.Context, driverID string) error {
	key := r.locKey(driverID)

	txf := func(tx *redis.Tx) error {
		cell, err := tx.HGet(ctx, key, "cell_id").Result()
		if errors.Is(err, redis.Nil) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, r.cellKey(cell), driverID)
			return nil
		})
		return err
	}
	return r.watch(ctx, txf, key)
}

func (r *RedisLocationStore) GetLocation(ctx context.Context, driverID string) (*models.DriverLocationRecord, error) {
	m, err := r.client.HGetAll(ctx, r.locKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, models.ErrNotFound
	}
	rec, err := decodeRecord(m)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisLocationStore) OnlineInCells(ctx context.Context, cells []string) ([]models.DriverLocationRecord, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	inRing := make(map[string]struct{}, len(cells))
	pipe := r.client.Pipeline()
	members := make([]*redis.StringSliceCmd, 0, len(cells))
	for _, c := range cells {
		inRing[c] = struct{}{}
		members = append(members, pipe.SMembers(ctx, r.cellKey(c)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, cmd := range members {
		for _, id := range cmd.Val() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe = r.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, r.locKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]models.DriverLocationRecord, 0, len(ids))
	for i, cmd := range hashes {
		m := cmd.Val()
		if len(m) == 0 {
			// deleted between SMEMBERS and HGETALL
			continue
		}
		rec, err := decodeRecord(m)
		if err != nil {
			r.logger.Warn("skipping malformed driver location", "driver_id", ids[i], "error", err)
			continue
		}
		if rec.Status != models.StatusOnline {
			continue
		}
		if _, ok := inRing[rec.CellID]; !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping reports whether the server is reachable.
func (r *RedisLocationStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocationStore) Close() error { return r.client.Close() }

func (r *RedisLocationStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	var err error
	for i := 0; i < r.txRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func encodeRecord(id string, rec *models.DriverLocationRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"driver_id":    rec.DriverID,
		"cell_id":      rec.CellID,
		"lat":          strconv.FormatFloat(rec.Lat, 'f', -1, 64),
		"lng":          strconv.FormatFloat(rec.Lng, 'f', -1, 64),
		"status":       string(rec.Status),
		"vehicle_type": rec.VehicleType,
		"phone":        rec.Phone,
		"last_updated": rec.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
}

func decodeRecord(m map[string]string) (models.DriverLocationRecord, error) {
	rec := models.DriverLocationRecord{
		ID:          m["id"],
		DriverID:    m["driver_id"],
		CellID:      m["cell_id"],
		Status:      models.DriverStatus(m["status"]),
		VehicleType: m["vehicle_type"],
		Phone:       m["phone"],
	}
	var err error
	if rec.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return rec, fmt.Errorf("lat: %w", err)
	}
	if rec.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return rec, fmt.Errorf("lng: %w", err)
	}
	if v := m["last_updated"]; v != "" {
		if rec.LastUpdated, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return rec, fmt.Errorf("last_updated: %w", err)
		}
	}
	return rec, rec.Validate()
}
