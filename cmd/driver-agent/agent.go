package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/tracker"
)

// logNotifier shows driver-facing messages in the agent log.
type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Notify(_ context.Context, title, body string) {
	n.logger.Warn("driver notification", "title", title, "body", body)
}

// tripAdvancer moves an accepted trip through its stages.
type tripAdvancer interface {
	AdvanceTrip(ctx context.Context, tripID string, status models.TripStatus) (models.Trip, error)
}

// agent drives one simulated driver: it gets a first fix, goes online and
// answers offers until stopped. Accepted trips are driven to completion when
// tripStep is set.
type agent struct {
	tracker    *tracker.Tracker
	maxTries   int
	autoAccept bool
	trips      tripAdvancer
	tripStep   time.Duration
	logger     *slog.Logger
}

// bootstrap acquires the first fix. Repeated failures end with the demo
// position once the tracker offers it; permission errors are final.
func (a *agent) bootstrap(ctx context.Context) error {
	for i := 0; i < a.maxTries; i++ {
		fix, err := a.tracker.Acquire(ctx)
		if err == nil {
			a.logger.Info("location acquired", "lat", fix.Lat, "lng", fix.Lng, "tier", fix.Tier)
			return nil
		}
		if errors.Is(err, models.ErrPermissionDenied) || ctx.Err() != nil {
			return err
		}
		if a.tracker.Snapshot().MockOffered {
			a.logger.Info("accepting demo location after repeated failures")
			return a.tracker.EnableMock(ctx)
		}
	}
	return fmt.Errorf("no location after %d attempts", a.maxTries)
}

// serveOffers reads offers from conn and answers them until the connection
// closes or ctx ends.
func (a *agent) serveOffers(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	for {
		var m dispatch.Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if m.Type == dispatch.MsgResolved && m.Offer != nil && m.Offer.State == models.OfferAccepted &&
			a.trips != nil && a.tripStep > 0 {
			go func(id string) {
				if err := a.driveTrip(ctx, id); err != nil && ctx.Err() == nil {
					a.logger.Warn("trip not completed", "trip_id", id, "error", err)
				}
			}(m.Offer.ID)
		}
		reply, ok := a.answer(m)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			return err
		}
	}
}

// answer decides the reply to a server message, if any.
func (a *agent) answer(m dispatch.Message) (dispatch.DriverMessage, bool) {
	switch m.Type {
	case dispatch.MsgOffer:
		if m.Offer == nil {
			return dispatch.DriverMessage{}, false
		}
		action := "reject"
		if a.autoAccept {
			action = "accept"
		}
		a.logger.Info("offer received", "offer_id", m.Offer.ID, "request_id", m.Offer.RequestID,
			"eta_seconds", m.Offer.ETASeconds, "action", action)
		return dispatch.DriverMessage{OfferID: m.Offer.ID, Action: action}, true
	case dispatch.MsgTick:
		a.logger.Debug("offer countdown", "offer_id", m.OfferID, "remaining_seconds", m.RemainingSeconds)
	case dispatch.MsgResolved:
		if m.Offer != nil {
			a.logger.Info("offer resolved", "offer_id", m.Offer.ID, "state", m.Offer.State)
		}
	case dispatch.MsgError:
		a.logger.Warn("server error", "offer_id", m.OfferID, "error", m.Error)
	}
	return dispatch.DriverMessage{}, false
}

var tripStages = []models.TripStatus{models.TripInProgress, models.TripArriving, models.TripCompleted}

// driveTrip waits tripStep before each stage of the trip and reports the
// fare once it completes.
func (a *agent) driveTrip(ctx context.Context, tripID string) error {
	for _, st := range tripStages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.tripStep):
		}
		t, err := a.trips.AdvanceTrip(ctx, tripID, st)
		if err != nil {
			return fmt.Errorf("advance to %s: %w", st, err)
		}
		a.logger.Info("trip status", "trip_id", tripID, "status", t.Status)
		if t.Status == models.TripCompleted && t.Fare != nil {
			a.logger.Info("trip completed", "trip_id", tripID, "total", t.Fare.Total,
				"platform_fee", t.Fare.PlatformFee, "earnings", t.Fare.DriverEarnings)
		}
	}
	return nil
}
