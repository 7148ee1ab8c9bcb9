package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

const DefaultMaxRings = 10

// Query narrows a nearby search. Zero VehicleType and Limit mean no filter.
type Query struct {
	Lat         float64
	Lng         float64
	Rings       int
	VehicleType string
	Limit       int
}

// Finder answers "which online drivers are near this point" by expanding the
// point's cell into a k-ring and reading only those cells from the store.
type Finder struct {
	Index    geo.Indexer
	Store    storage.LocationStore
	MaxRings int
	Logger   *slog.Logger
}

func NewFinder(ix geo.Indexer, store storage.LocationStore, maxRings int, logger *slog.Logger) *Finder {
	if maxRings <= 0 {
		maxRings = DefaultMaxRings
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finder{Index: ix, Store: store, MaxRings: maxRings, Logger: logger}
}

// FindNearby returns online drivers within rings adjacency steps of (lat,
// lng), nearest first.
func (f *Finder) FindNearby(ctx context.Context, lat, lng float64, rings int) ([]models.NearbyDriver, error) {
	return f.Find(ctx, Query{Lat: lat, Lng: lng, Rings: rings})
}

func (f *Finder) Find(ctx context.Context, q Query) ([]models.NearbyDriver, error) {
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()
	observability.NearbyQueries.Inc()

	if q.Rings < 0 {
		return nil, models.ErrInvalidRadius
	}
	if q.Rings > f.MaxRings {
		return nil, fmt.Errorf("%w: %d rings exceeds maximum of %d", models.ErrInvalidRadius, q.Rings, f.MaxRings)
	}
	center, err := f.Index.CellFor(q.Lat, q.Lng)
	if err != nil {
		return nil, err
	}
	cells, err := f.Index.RingAround(center, q.Rings)
	if err != nil {
		return nil, err
	}

	recs, err := f.Store.OnlineInCells(ctx, cells)
	if err != nil {
		f.Logger.Error("nearby query failed", "cell_id", center, "rings", q.Rings, "error", err)
		return nil, models.Persistence("query online drivers", err)
	}

	out := make([]models.NearbyDriver, 0, len(recs))
	for _, r := range recs {
		if r.Status != models.StatusOnline {
			continue
		}
		if q.VehicleType != "" && r.VehicleType != q.VehicleType {
			continue
		}
		out = append(out, models.NearbyDriver{
			DriverLocationRecord: r,
			DistanceKm:           geo.HaversineKm(q.Lat, q.Lng, r.Lat, r.Lng),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	observability.NearbyCandidates.Observe(float64(len(out)))
	f.Logger.Debug("nearby query", "cell_id", center, "rings", q.Rings, "cells", len(cells), "drivers", len(out))
	return out, nil
}
