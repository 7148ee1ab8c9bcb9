// Package matcher finds nearby online drivers and offers rides to the best
// candidate.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/offer"
)

// Dispatcher delivers an opened offer to the driver's device.
type Dispatcher interface {
	SendOffer(ctx context.Context, o models.RideOffer) error
}

type Service struct {
	Finder       *Finder
	Offers       *offer.Manager
	Dispatch     Dispatcher // optional
	ETA          *eta.Estimator
	DefaultRings int
	TopN         int
	Logger       *slog.Logger
	// RerouteTimeout bounds one background re-match. Defaults to 30s.
	RerouteTimeout time.Duration

	reroutes sync.WaitGroup
}

type scored struct {
	d      models.NearbyDriver
	etaSec float64
}

// Match offers req to the online driver with the lowest pickup ETA who has
// not been offered this request before.
func (s *Service) Match(ctx context.Context, req models.RideRequest) (models.RideOffer, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	if !models.ValidCoord(req.Pickup.Coord.Lat, req.Pickup.Coord.Lng) {
		return models.RideOffer{}, models.ErrInvalidCoordinate
	}
	if req.Rings <= 0 {
		req.Rings = s.DefaultRings
	}
	rings := req.Rings
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}

	cands, err := s.Finder.Find(ctx, Query{
		Lat:         req.Pickup.Coord.Lat,
		Lng:         req.Pickup.Coord.Lng,
		Rings:       rings,
		VehicleType: req.VehicleType,
	})
	if err != nil {
		return models.RideOffer{}, err
	}

	est := s.ETA
	if est == nil {
		est = &eta.Estimator{}
	}
	list := make([]scored, 0, topN)
	for _, d := range cands {
		if len(list) == topN {
			break
		}
		if d.DriverID == req.RiderID || s.Offers.Offered(req.RequestID, d.DriverID) {
			continue
		}
		from := models.Coord{Lat: d.Lat, Lng: d.Lng}
		list = append(list, scored{d: d, etaSec: est.Estimate(ctx, from, req.Pickup.Coord)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].etaSec < list[j].etaSec })

	for _, c := range list {
		o, err := s.Offers.Open(ctx, req, c.d.DriverID, c.etaSec, c.d.DistanceKm)
		if errors.Is(err, offer.ErrAlreadyOffered) {
			continue
		}
		if err != nil {
			return models.RideOffer{}, err
		}
		snap := o.Snapshot()
		observability.MatchesTotal.Inc()
		s.logger().Info("ride matched", "request_id", req.RequestID, "driver_id", c.d.DriverID,
			"eta_seconds", c.etaSec, "distance_km", c.d.DistanceKm)
		if s.Dispatch != nil {
			if err := s.Dispatch.SendOffer(ctx, snap); err != nil {
				s.logger().Warn("offer not delivered, driver can still respond over http",
					"offer_id", snap.ID, "driver_id", snap.DriverID, "error", err)
			}
		}
		return snap, nil
	}
	return models.RideOffer{}, models.ErrNoDrivers
}

// NotifyOutcome schedules a request whose offer was rejected or expired for
// re-routing to the next candidate and returns at once. The re-match runs in
// the background with the original search radius.
func (s *Service) NotifyOutcome(_ context.Context, o models.RideOffer) error {
	if o.State != models.OfferRejected && o.State != models.OfferExpired {
		return nil
	}
	s.reroutes.Add(1)
	go func() {
		defer s.reroutes.Done()
		s.reroute(o)
	}()
	return nil
}

func (s *Service) reroute(o models.RideOffer) {
	timeout := s.RerouteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log := s.logger().With("request_id", o.RequestID, "previous_driver", o.DriverID)
	next, err := s.Match(ctx, models.RideRequest{
		RequestID:   o.RequestID,
		RiderID:     o.RiderID,
		Pickup:      o.Pickup,
		Dropoff:     o.Dropoff,
		Fare:        o.Fare,
		VehicleType: o.Vehicle,
		Rings:       o.Rings,
	})
	switch {
	case errors.Is(err, models.ErrNoDrivers):
		log.Info("no more drivers for request")
	case errors.Is(err, offer.ErrClosed):
	case err != nil:
		log.Error("re-route failed", "error", err)
	default:
		log.Info("request re-routed", "driver_id", next.DriverID)
	}
}

// Wait blocks until every scheduled re-route has finished.
func (s *Service) Wait() { s.reroutes.Wait() }

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
