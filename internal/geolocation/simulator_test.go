package geolocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/tracker"
)

var start = models.Coord{Lat: 26.7271, Lng: 85.9274}

func TestCurrentPositionWalksNearStart(t *testing.T) {
	s := NewSimulator(Config{Start: start, StepM: 20, Latency: time.Millisecond, Seed: 42})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fix, err := s.CurrentPosition(ctx, tracker.PositionOptions{HighAccuracy: true, Timeout: time.Second})
		if err != nil {
			t.Fatal(err)
		}
		if !models.ValidCoord(fix.Lat, fix.Lng) {
			t.Fatalf("invalid fix %+v", fix)
		}
		if fix.Accuracy != 5 {
			t.Fatalf("expected high accuracy radius, got %v", fix.Accuracy)
		}
	}
	if d := geo.Haversine(start.Lat, start.Lng, s.Position().Lat, s.Position().Lng); d > 100 {
		t.Fatalf("walked %vm in 5 steps of at most 20m", d)
	}
}

func TestFailFirstTimesOutAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSimulator(Config{Start: start, FailFirst: 1, Latency: time.Second, Clock: clock, Seed: 1})
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CurrentPosition(ctx, tracker.PositionOptions{HighAccuracy: true, Timeout: 15 * time.Second})
		errCh <- err
	}()
	clock.BlockUntil(1)
	clock.Advance(14 * time.Second)
	select {
	case err := <-errCh:
		t.Fatalf("returned before the timeout: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	clock.Advance(time.Second)
	if err := <-errCh; !errors.Is(err, models.ErrAcquisitionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	go func() {
		_, err := s.CurrentPosition(ctx, tracker.PositionOptions{Timeout: 15 * time.Second})
		errCh <- err
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	if err := <-errCh; err != nil {
		t.Fatalf("second request should succeed, got %v", err)
	}
}

func TestSlowDeviceTimesOut(t *testing.T) {
	s := NewSimulator(Config{Start: start, Latency: time.Hour, Seed: 1})
	_, err := s.CurrentPosition(context.Background(), tracker.PositionOptions{Timeout: 5 * time.Millisecond})
	if !errors.Is(err, models.ErrAcquisitionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCachedFixWithinMaxAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSimulator(Config{Start: start, Latency: time.Nanosecond, Clock: clock, Seed: 3})
	ctx := context.Background()

	got := make(chan models.Fix, 1)
	go func() {
		f, _ := s.CurrentPosition(ctx, tracker.PositionOptions{Timeout: time.Second})
		got <- f
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Nanosecond)
	first := <-got

	clock.Advance(30 * time.Second)
	cached, err := s.CurrentPosition(ctx, tracker.PositionOptions{Timeout: time.Second, MaxAge: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if cached != first {
		t.Fatalf("expected cached fix %+v, got %+v", first, cached)
	}
}

func TestDeniedDevice(t *testing.T) {
	s := NewSimulator(Config{Start: start, Denied: true})
	if _, err := s.CurrentPosition(context.Background(), tracker.PositionOptions{Timeout: time.Second}); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := s.Watch(context.Background(), tracker.WatchOptions{Interval: time.Second}); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestWatchEmitsUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSimulator(Config{Start: start, StepM: 50, Clock: clock, Seed: 7})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Watch(ctx, tracker.WatchOptions{Interval: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	select {
	case r := <-ch:
		if r.Err != nil || !models.ValidCoord(r.Fix.Lat, r.Fix.Lng) {
			t.Fatalf("unexpected reading %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no reading after one interval")
	}

	cancel()
	for range ch {
	}
}
