// Package geolocation provides a simulated positioning device for the driver
// agent and for exercising the tracker without hardware.
package geolocation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/tracker"
)

const metersPerDegreeLat = 111_320.0

type Config struct {
	Start models.Coord
	// StepM is the largest distance moved between two readings.
	StepM float64
	// Latency is how long a successful request takes.
	Latency time.Duration
	// FailFirst makes the first N one-shot requests time out.
	FailFirst int
	// Denied makes every request fail with models.ErrPermissionDenied.
	Denied bool
	// HighAccuracyM and LowAccuracyM are the reported accuracy radii.
	HighAccuracyM float64
	LowAccuracyM  float64

	Clock clockwork.Clock
	Seed  int64
}

// Simulator is a random-walk device. It implements tracker.Geolocator.
type Simulator struct {
	cfg   Config
	clock clockwork.Clock

	mu       sync.Mutex
	rnd      *rand.Rand
	pos      models.Coord
	last     *models.Fix
	failLeft int
}

var _ tracker.Geolocator = (*Simulator)(nil)

func NewSimulator(cfg Config) *Simulator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StepM <= 0 {
		cfg.StepM = 25
	}
	if cfg.Latency <= 0 {
		cfg.Latency = 200 * time.Millisecond
	}
	if cfg.HighAccuracyM <= 0 {
		cfg.HighAccuracyM = 5
	}
	if cfg.LowAccuracyM <= 0 {
		cfg.LowAccuracyM = 100
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:      cfg,
		clock:    cfg.Clock,
		rnd:      rand.New(rand.NewSource(cfg.Seed)),
		pos:      cfg.Start,
		failLeft: cfg.FailFirst,
	}
}

// CurrentPosition returns a cached fix when it is younger than opts.MaxAge,
// otherwise waits for the simulated latency. A request that cannot complete
// within opts.Timeout fails with models.ErrAcquisitionTimeout.
func (s *Simulator) CurrentPosition(ctx context.Context, opts tracker.PositionOptions) (models.Fix, error) {
	if s.cfg.Denied {
		return models.Fix{}, models.ErrPermissionDenied
	}

	s.mu.Lock()
	if s.last != nil && opts.MaxAge > 0 && s.clock.Since(s.last.At) <= opts.MaxAge {
		f := *s.last
		s.mu.Unlock()
		return f, nil
	}
	fail := s.failLeft > 0
	if fail {
		s.failLeft--
	}
	s.mu.Unlock()

	wait := s.cfg.Latency
	if fail || (opts.Timeout > 0 && wait > opts.Timeout) {
		if err := s.sleep(ctx, opts.Timeout); err != nil {
			return models.Fix{}, err
		}
		return models.Fix{}, models.ErrAcquisitionTimeout
	}
	if err := s.sleep(ctx, wait); err != nil {
		return models.Fix{}, err
	}
	return s.step(opts.HighAccuracy), nil
}

// Watch emits a reading every opts.Interval. Readings closer than
// opts.DistanceFilterM to the last emitted one are dropped.
func (s *Simulator) Watch(ctx context.Context, opts tracker.WatchOptions) (<-chan tracker.Reading, error) {
	if s.cfg.Denied {
		return nil, models.ErrPermissionDenied
	}
	interval := opts.Interval
	if interval <= 0 {
		return nil, errors.New("watch interval must be > 0")
	}
	out := make(chan tracker.Reading)
	go func() {
		defer close(out)
		t := s.clock.NewTicker(interval)
		defer t.Stop()
		var prev *models.Fix
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.Chan():
			}
			fix := s.step(opts.HighAccuracy)
			if prev != nil && opts.DistanceFilterM > 0 &&
				geo.Haversine(prev.Lat, prev.Lng, fix.Lat, fix.Lng) < opts.DistanceFilterM {
				continue
			}
			prev = &fix
			select {
			case out <- tracker.Reading{Fix: fix}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Position is the device's current true position.
func (s *Simulator) Position() models.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Simulator) step(high bool) models.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	dist := s.rnd.Float64() * s.cfg.StepM
	bearing := s.rnd.Float64() * 2 * math.Pi
	dLat := dist * math.Cos(bearing) / metersPerDegreeLat
	dLng := dist * math.Sin(bearing) / (metersPerDegreeLat * math.Max(math.Cos(s.pos.Lat*math.Pi/180), 0.01))
	s.pos.Lat = clamp(s.pos.Lat+dLat, -90, 90)
	s.pos.Lng = wrapLng(s.pos.Lng + dLng)

	acc := s.cfg.LowAccuracyM
	if high {
		acc = s.cfg.HighAccuracyM
	}
	fix := models.Fix{Lat: s.pos.Lat, Lng: s.pos.Lng, Accuracy: acc, At: s.clock.Now()}
	s.last = &fix
	return fix
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func wrapLng(v float64) float64 {
	for v > 180 {
		v -= 360
	}
	for v < -180 {
		v += 360
	}
	return v
}
