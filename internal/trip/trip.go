// Package trip carries an accepted ride from pickup to completion and
// settles the fare.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

// Rates price a completed trip. PlatformFee is the share of the total kept
// by the platform, between 0 and 1.
type Rates struct {
	Base        float64
	PerKm       float64
	PerMinute   float64
	PlatformFee float64
}

func DefaultRates() Rates {
	return Rates{Base: 80, PerKm: 24, PerMinute: 1, PlatformFee: 0.20}
}

// Settle prices a trip of distanceKm that took d.
func (r Rates) Settle(distanceKm float64, d time.Duration) models.FareBreakdown {
	minutes := math.Max(d.Minutes(), 0)
	f := models.FareBreakdown{
		Base:        round2(r.Base),
		Distance:    round2(distanceKm * r.PerKm),
		Time:        round2(minutes * r.PerMinute),
		DistanceKm:  round2(distanceKm),
		DurationMin: round2(minutes),
	}
	f.Total = round2(f.Base + f.Distance + f.Time)
	f.PlatformFee = round2(f.Total * r.PlatformFee)
	f.DriverEarnings = round2(f.Total - f.PlatformFee)
	return f
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

type Service struct {
	Store  storage.TripStore
	Clock  clockwork.Clock
	Rates  Rates
	Logger *slog.Logger
}

func NewService(store storage.TripStore, rates Rates, logger *slog.Logger) *Service {
	if store == nil {
		store = storage.NewMemoryTripStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Clock: clockwork.NewRealClock(), Rates: rates, Logger: logger}
}

// StartFromOffer opens the trip for an accepted offer. Calling it again for
// the same offer returns the existing trip.
func (s *Service) StartFromOffer(ctx context.Context, o models.RideOffer) (models.Trip, error) {
	if o.State != models.OfferAccepted {
		return models.Trip{}, fmt.Errorf("%w: offer %s is %s", models.ErrInvalidTransition, o.ID, o.State)
	}
	at := o.ResolvedAt
	if at.IsZero() {
		at = s.Clock.Now()
	}
	t := models.Trip{
		ID:         o.ID,
		RequestID:  o.RequestID,
		RiderID:    o.RiderID,
		DriverID:   o.DriverID,
		Pickup:     o.Pickup,
		Dropoff:    o.Dropoff,
		QuotedFare: o.Fare,
		Vehicle:    o.Vehicle,
		Status:     models.TripPickup,
		AcceptedAt: at,
	}
	if err := s.Store.SaveTrip(ctx, &t); err != nil {
		return models.Trip{}, models.Persistence("save trip", err)
	}
	stored, err := s.Store.GetTrip(ctx, t.ID)
	if err != nil {
		return models.Trip{}, models.Persistence("get trip", err)
	}
	observability.TripTransitions.WithLabelValues(string(models.TripPickup)).Inc()
	s.Logger.Info("trip started", "trip_id", t.ID, "request_id", t.RequestID, "driver_id", t.DriverID)
	return *stored, nil
}

// Get returns a trip visible to userID, who must be its driver or rider.
// An empty userID skips the check.
func (s *Service) Get(ctx context.Context, id, userID string) (models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrTripNotFound) {
			return models.Trip{}, err
		}
		return models.Trip{}, models.Persistence("get trip", err)
	}
	if userID != "" && userID != t.DriverID && userID != t.RiderID {
		return models.Trip{}, models.ErrTripNotFound
	}
	return *t, nil
}

// Advance moves the driver's trip to status to, stamping the time of the
// step. Completing a trip settles its fare.
func (s *Service) Advance(ctx context.Context, id, driverID string, to models.TripStatus) (models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrTripNotFound) {
			return models.Trip{}, err
		}
		return models.Trip{}, models.Persistence("get trip", err)
	}
	if driverID != "" && t.DriverID != driverID {
		return models.Trip{}, models.ErrTripNotFound
	}
	from := t.Status
	if !from.CanMoveTo(to) {
		return *t, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	now := s.Clock.Now()
	t.Status = to
	switch to {
	case models.TripInProgress:
		t.StartedAt = now
	case models.TripArriving:
		t.ArrivingAt = now
	case models.TripCompleted:
		t.CompletedAt = now
		km := geo.Haversine(t.Pickup.Coord.Lat, t.Pickup.Coord.Lng, t.Dropoff.Coord.Lat, t.Dropoff.Coord.Lng) / 1000
		fare := s.Rates.Settle(km, now.Sub(t.StartedAt))
		t.Fare = &fare
	case models.TripCancelled:
		t.CancelledAt = now
	}

	if err := s.Store.UpdateTrip(ctx, t, from); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrTripNotFound) {
			return models.Trip{}, err
		}
		return models.Trip{}, models.Persistence("update trip", err)
	}

	observability.TripTransitions.WithLabelValues(string(to)).Inc()
	log := s.Logger.With("trip_id", t.ID, "driver_id", t.DriverID, "from", from, "to", to)
	if t.Fare != nil && to == models.TripCompleted {
		observability.DriverEarnings.Add(t.Fare.DriverEarnings)
		log.Info("trip completed", "total", t.Fare.Total, "driver_earnings", t.Fare.DriverEarnings)
	} else {
		log.Info("trip status changed")
	}
	return *t, nil
}
