package offer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

// ErrAlreadyOffered is returned when the request was already offered to the
// driver. Resolved offers are never re-presented.
var ErrAlreadyOffered = models.ErrAlreadyOffered

var ErrClosed = errors.New("offer manager closed")

// OutcomeNotifier tells the rider-facing dispatch layer how an offer ended.
type OutcomeNotifier interface {
	NotifyOutcome(ctx context.Context, o models.RideOffer) error
}

type Config struct {
	Timeout      time.Duration
	Clock        clockwork.Clock
	Store        storage.OfferStore
	Notifier     OutcomeNotifier
	Logger       *slog.Logger
	OnAccepted   func(ctx context.Context, o models.RideOffer)
	OnTick       func(o models.RideOffer, remaining time.Duration)
	WriteTimeout time.Duration
	// Retention is how long a resolved offer stays readable and blocks a
	// repeat offer of its request to the same driver. Past it the store's
	// own uniqueness check, if any, still applies.
	Retention time.Duration
}

const DefaultRetention = 15 * time.Minute

type pairKey struct{ requestID, driverID string }

type resolvedEntry struct {
	id  string
	key pairKey
	at  time.Time
}

// Manager owns every outstanding offer.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	closed  bool
	open    map[string]*Offer
	offered map[pairKey]models.OfferState
	byID    map[string]models.RideOffer
	// history lists resolved offers oldest first for pruning.
	history []resolvedEntry
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryOfferStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Manager{
		cfg:     cfg,
		open:    make(map[string]*Offer),
		offered: make(map[pairKey]models.OfferState),
		byID:    make(map[string]models.RideOffer),
	}
}

// Open creates, persists and starts an offer of req to driverID.
func (m *Manager) Open(ctx context.Context, req models.RideRequest, driverID string, etaSeconds, distanceKm float64) (*Offer, error) {
	m.prune(ctx)
	key := pairKey{req.RequestID, driverID}
	o := New(models.RideOffer{
		ID:         uuid.NewString(),
		RequestID:  req.RequestID,
		RiderID:    req.RiderID,
		DriverID:   driverID,
		Pickup:     req.Pickup,
		Dropoff:    req.Dropoff,
		Fare:       req.Fare,
		Vehicle:    req.VehicleType,
		ETASeconds: etaSeconds,
		DistanceKm: distanceKm,
		Rings:      req.Rings,
	}, m.cfg.Clock, m.cfg.Timeout, Hooks{OnTick: m.cfg.OnTick, OnResolved: m.resolved})
	snap := o.Snapshot()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.offered[key]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyOffered
	}
	m.offered[key] = models.OfferOffered
	m.mu.Unlock()

	if err := m.cfg.Store.SaveOffer(ctx, &snap); err != nil {
		m.mu.Lock()
		delete(m.offered, key)
		m.mu.Unlock()
		if errors.Is(err, ErrAlreadyOffered) {
			return nil, ErrAlreadyOffered
		}
		return nil, models.Persistence("save offer", err)
	}

	m.mu.Lock()
	m.open[snap.ID] = o
	m.byID[snap.ID] = snap
	m.mu.Unlock()

	observability.OffersOpen.Inc()
	m.cfg.Logger.Info("ride offer opened", "offer_id", snap.ID, "request_id", req.RequestID,
		"driver_id", driverID, "expires_at", snap.ExpiresAt)
	o.Start()
	return o, nil
}

// Respond applies a driver's decision. Offers addressed to another driver are
// reported as not found.
func (m *Manager) Respond(_ context.Context, offerID, driverID string, accept bool) (models.RideOffer, error) {
	m.mu.Lock()
	o, open := m.open[offerID]
	snap, known := m.byID[offerID]
	m.mu.Unlock()

	if !known || (driverID != "" && snap.DriverID != driverID) {
		return models.RideOffer{}, models.ErrOfferNotFound
	}
	if !open {
		return snap, models.ErrOfferResolved
	}

	var err error
	if accept {
		err = o.Accept()
	} else {
		err = o.Reject()
	}
	return o.Snapshot(), err
}

// Get returns the latest snapshot of an offer.
func (m *Manager) Get(offerID string) (models.RideOffer, bool) {
	m.prune(context.Background())
	m.mu.Lock()
	o, open := m.open[offerID]
	snap, ok := m.byID[offerID]
	m.mu.Unlock()
	if open {
		return o.Snapshot(), true
	}
	return snap, ok
}

// Offered reports whether req was already offered to driverID.
func (m *Manager) Offered(requestID, driverID string) bool {
	m.prune(context.Background())
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.offered[pairKey{requestID, driverID}]
	return ok
}

// Close expires every open offer and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	pending := make([]*Offer, 0, len(m.open))
	for _, o := range m.open {
		pending = append(pending, o)
	}
	m.mu.Unlock()
	for _, o := range pending {
		o.resolve(models.OfferExpired)
	}
}

// Len reports how many offers, open or resolved, are held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// prune forgets resolved offers older than the retention window. Stores that
// keep offers in process memory drop them too.
func (m *Manager) prune(ctx context.Context) {
	cutoff := m.cfg.Clock.Now().Add(-m.cfg.Retention)
	var dropped []string
	m.mu.Lock()
	n := 0
	for n < len(m.history) && !m.history[n].at.After(cutoff) {
		e := m.history[n]
		delete(m.byID, e.id)
		delete(m.offered, e.key)
		dropped = append(dropped, e.id)
		n++
	}
	if n > 0 {
		m.history = append(m.history[:0:0], m.history[n:]...)
	}
	m.mu.Unlock()

	if p, ok := m.cfg.Store.(storage.OfferPruner); ok {
		for _, id := range dropped {
			if err := p.DeleteOffer(ctx, id); err != nil {
				m.cfg.Logger.Warn("drop pruned offer failed", "offer_id", id, "error", err)
			}
		}
	}
}

func (m *Manager) resolved(snap models.RideOffer) {
	key := pairKey{snap.RequestID, snap.DriverID}
	m.mu.Lock()
	delete(m.open, snap.ID)
	m.byID[snap.ID] = snap
	m.offered[key] = snap.State
	m.history = append(m.history, resolvedEntry{id: snap.ID, key: key, at: m.cfg.Clock.Now()})
	m.mu.Unlock()

	observability.OffersOpen.Dec()
	observability.OffersResolved.WithLabelValues(string(snap.State)).Inc()
	log := m.cfg.Logger.With("offer_id", snap.ID, "request_id", snap.RequestID, "driver_id", snap.DriverID, "state", snap.State)
	log.Info("ride offer resolved")

	// each step has its own deadline
	m.withTimeout(func(ctx context.Context) {
		if err := m.cfg.Store.UpdateOffer(ctx, &snap); err != nil {
			log.Error("persist offer outcome failed", "error", err)
		}
	})
	if snap.State == models.OfferAccepted && m.cfg.OnAccepted != nil {
		m.withTimeout(func(ctx context.Context) { m.cfg.OnAccepted(ctx, snap) })
	}
	if m.cfg.Notifier != nil {
		m.withTimeout(func(ctx context.Context) {
			if err := m.cfg.Notifier.NotifyOutcome(ctx, snap); err != nil {
				log.Warn("offer outcome notification failed", "error", err)
			}
		})
	}
	m.prune(context.Background())
}

func (m *Manager) withTimeout(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	fn(ctx)
}
