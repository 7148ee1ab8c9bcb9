// Package eta estimates how long a driver needs to reach a pickup point.
package eta

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a city average.
const DefaultSpeedMps = 8.0

// Client is a routing engine.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// cacheKey snaps both ends to ~11 m so nearby lookups share an entry.
type cacheKey struct{ aLat, aLng, bLat, bLng int64 }

func keyFor(a, b models.Coord) cacheKey {
	q := func(v float64) int64 { return int64(math.Round(v * 1e4)) }
	return cacheKey{q(a.Lat), q(a.Lng), q(b.Lat), q(b.Lng)}
}

type cacheEntry struct {
	v       float64
	expires time.Time
}

// Cache holds routing results for ttl. Once it reaches maxEntries, expired
// entries are dropped and, if that is not enough, the whole cache is reset.
type Cache struct {
	mu         sync.Mutex
	store      map[cacheKey]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[cacheKey]cacheEntry), ttl: ttl, maxEntries: 10_000, now: time.Now}
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[k]
	if !ok {
		return 0, false
	}
	if c.now().After(e.expires) {
		delete(c.store, k)
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.store) >= c.maxEntries {
		for k, e := range c.store {
			if now.After(e.expires) {
				delete(c.store, k)
			}
		}
		if len(c.store) >= c.maxEntries {
			c.store = make(map[cacheKey]cacheEntry)
		}
	}
	c.store[keyFor(a, b)] = cacheEntry{v: v, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// EstimateSeconds is straight-line distance over speedMps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng) / speedMps
}

// Estimator asks the routing client when one is configured and falls back to
// the straight-line estimate when it is absent or fails. Only routing answers
// are cached.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
	Logger   *slog.Logger
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err := e.Client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
		if e.Logger != nil {
			e.Logger.Debug("routing eta failed, using straight line", "error", err)
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
