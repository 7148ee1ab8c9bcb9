// Package dispatch delivers ride offers to drivers and publishes offer
// outcomes to the rest of the platform.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

var ErrNoSession = errors.New("no ws session")

// Message types pushed to drivers.
const (
	MsgOffer    = "offer"
	MsgTick     = "offer_tick"
	MsgResolved = "offer_resolved"
	MsgError    = "error"
)

// Message is the server to driver envelope.
type Message struct {
	Type             string            `json:"type"`
	Offer            *models.RideOffer `json:"offer,omitempty"`
	OfferID          string            `json:"offer_id,omitempty"`
	RemainingSeconds int               `json:"remaining_seconds,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// DriverMessage is a driver's answer to an offer. Action is "accept" or
// "reject".
type DriverMessage struct {
	OfferID string `json:"offer_id"`
	Action  string `json:"action"`
}

// Responder applies a driver's answer.
type Responder interface {
	Respond(ctx context.Context, offerID, driverID string, accept bool) (models.RideOffer, error)
}

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds one session per driver. A new connection for the same
// driver replaces the previous one.
type WSRegistry struct {
	mu        sync.RWMutex
	sessions  map[string]*WSSession
	responder Responder
	logger    *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// SetResponder wires the component that handles driver answers.
func (r *WSRegistry) SetResponder(resp Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responder = resp
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

func (r *WSRegistry) remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
}

// Connected reports whether driverID has a live session.
func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) send(driverID string, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(m); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "type", m.Type, "error", err)
		return err
	}
	return nil
}

// SendOffer pushes a new offer to the driver.
func (r *WSRegistry) SendOffer(_ context.Context, o models.RideOffer) error {
	return r.send(o.DriverID, Message{Type: MsgOffer, Offer: &o, OfferID: o.ID})
}

// SendTick pushes the countdown. Delivery failures are ignored.
func (r *WSRegistry) SendTick(o models.RideOffer, remaining time.Duration) {
	_ = r.send(o.DriverID, Message{Type: MsgTick, OfferID: o.ID, RemainingSeconds: int(remaining.Round(time.Second) / time.Second)})
}

// NotifyOutcome tells the driver how the offer ended. A driver without a
// session is not an error.
func (r *WSRegistry) NotifyOutcome(_ context.Context, o models.RideOffer) error {
	err := r.send(o.DriverID, Message{Type: MsgResolved, Offer: &o, OfferID: o.ID})
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// Serve owns conn until it is closed: it registers the session, keeps it
// alive with pings and forwards driver answers to the responder.
func (r *WSRegistry) Serve(ctx context.Context, driverID string, conn *websocket.Conn) {
	s := r.Add(driverID, conn)
	log := r.logger.With("driver_id", driverID)
	log.Info("driver connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		r.remove(driverID, s)
		_ = conn.Close()
		log.Info("driver disconnected")
	}()

	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-t.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m DriverMessage
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("ws read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		r.handle(ctx, driverID, s, m)
	}
}

func (r *WSRegistry) handle(ctx context.Context, driverID string, s *WSSession, m DriverMessage) {
	r.mu.RLock()
	resp := r.responder
	r.mu.RUnlock()

	var accept bool
	switch m.Action {
	case "accept":
		accept = true
	case "reject":
	default:
		_ = s.Send(Message{Type: MsgError, OfferID: m.OfferID, Error: "unknown action " + m.Action})
		return
	}
	if resp == nil {
		_ = s.Send(Message{Type: MsgError, OfferID: m.OfferID, Error: "offers unavailable"})
		return
	}
	if _, err := resp.Respond(ctx, m.OfferID, driverID, accept); err != nil {
		_ = s.Send(Message{Type: MsgError, OfferID: m.OfferID, Error: err.Error()})
	}
}
