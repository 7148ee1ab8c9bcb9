package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/geolocation"
	"github.com/example/driver-dispatch/internal/locations"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/tracker"
)

type nopWriter struct{}

func (nopWriter) Upsert(context.Context, locations.UpsertInput) (string, error) { return "rec", nil }
func (nopWriter) SetOffline(context.Context, string) error                     { return nil }

func newTestAgent(sim *geolocation.Simulator) *agent {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := tracker.DefaultConfig()
	cfg.HighAccuracyTimeout = 2 * time.Millisecond
	cfg.LowAccuracyTimeout = 2 * time.Millisecond
	cfg.FailureThreshold = 3
	trk := tracker.New(cfg, tracker.Deps{
		Geolocator: sim,
		Writer:     nopWriter{},
		Auth:       auth.Static{User: &models.User{ID: "d1"}},
		Notifier:   logNotifier{logger: logger},
		Logger:     logger,
	})
	return &agent{tracker: trk, maxTries: 6, autoAccept: true, logger: logger}
}

func TestBootstrapFallsBackToDemoLocation(t *testing.T) {
	sim := geolocation.NewSimulator(geolocation.Config{
		Start:     models.Coord{Lat: 10, Lng: 10},
		FailFirst: 100,
		Latency:   time.Millisecond,
	})
	a := newTestAgent(sim)
	defer a.tracker.Close()

	if err := a.bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := a.tracker.Snapshot()
	if !st.MockEnabled || st.CurrentFix == nil || st.CurrentFix.Tier != models.TierMock {
		t.Fatalf("expected demo location, got %+v", st)
	}
	if st.CurrentFix.Lat != tracker.MockCoord.Lat || st.CurrentFix.Lng != tracker.MockCoord.Lng {
		t.Fatalf("unexpected demo fix %+v", st.CurrentFix)
	}
}

func TestBootstrapUsesRealFix(t *testing.T) {
	sim := geolocation.NewSimulator(geolocation.Config{
		Start:   models.Coord{Lat: 10, Lng: 10},
		Latency: time.Microsecond,
	})
	a := newTestAgent(sim)
	defer a.tracker.Close()

	if err := a.bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := a.tracker.Snapshot()
	if st.MockEnabled || st.CurrentFix == nil || st.CurrentFix.Tier != models.TierHigh {
		t.Fatalf("expected a high accuracy fix, got %+v", st)
	}
}

func TestBootstrapStopsOnPermissionDenied(t *testing.T) {
	sim := geolocation.NewSimulator(geolocation.Config{Denied: true})
	a := newTestAgent(sim)
	defer a.tracker.Close()

	if err := a.bootstrap(context.Background()); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if a.tracker.Snapshot().MockEnabled {
		t.Fatal("demo location must not be enabled implicitly")
	}
}

func TestAnswer(t *testing.T) {
	a := &agent{autoAccept: true, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	o := &models.RideOffer{ID: "o1", RequestID: "r1"}

	reply, ok := a.answer(dispatch.Message{Type: dispatch.MsgOffer, Offer: o})
	if !ok || reply.OfferID != "o1" || reply.Action != "accept" {
		t.Fatalf("unexpected reply %+v ok=%v", reply, ok)
	}

	a.autoAccept = false
	reply, ok = a.answer(dispatch.Message{Type: dispatch.MsgOffer, Offer: o})
	if !ok || reply.Action != "reject" {
		t.Fatalf("unexpected reply %+v ok=%v", reply, ok)
	}

	for _, m := range []dispatch.Message{
		{Type: dispatch.MsgTick, OfferID: "o1", RemainingSeconds: 12},
		{Type: dispatch.MsgResolved, Offer: o},
		{Type: dispatch.MsgError, Error: "boom"},
		{Type: dispatch.MsgOffer},
	} {
		if _, ok := a.answer(m); ok {
			t.Fatalf("no reply expected for %+v", m)
		}
	}
}

type recordingTrips struct {
	steps []models.TripStatus
	fail  models.TripStatus
}

func (r *recordingTrips) AdvanceTrip(_ context.Context, id string, st models.TripStatus) (models.Trip, error) {
	if st == r.fail {
		return models.Trip{}, models.ErrInvalidTransition
	}
	r.steps = append(r.steps, st)
	t := models.Trip{ID: id, Status: st}
	if st == models.TripCompleted {
		t.Fare = &models.FareBreakdown{Total: 100, PlatformFee: 20, DriverEarnings: 80}
	}
	return t, nil
}

func TestDriveTripWalksEveryStage(t *testing.T) {
	a := newTestAgent(geolocation.NewSimulator(geolocation.Config{}))
	rec := &recordingTrips{}
	a.trips, a.tripStep = rec, time.Millisecond

	if err := a.driveTrip(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	want := []models.TripStatus{models.TripInProgress, models.TripArriving, models.TripCompleted}
	if len(rec.steps) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.steps)
	}
	for i := range want {
		if rec.steps[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.steps)
		}
	}
}

func TestDriveTripStopsOnError(t *testing.T) {
	a := newTestAgent(geolocation.NewSimulator(geolocation.Config{}))
	rec := &recordingTrips{fail: models.TripArriving}
	a.trips, a.tripStep = rec, time.Millisecond

	if err := a.driveTrip(context.Background(), "t1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if len(rec.steps) != 1 {
		t.Fatalf("expected a single step, got %v", rec.steps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.tripStep = time.Hour
	if err := a.driveTrip(ctx, "t2"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
