// Package offer runs the accept/reject/timeout lifecycle of ride offers.
package offer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/models"
)

const (
	DefaultTimeout = 30 * time.Second
	tickInterval   = time.Second
)

// Hooks observe an offer. OnTick runs on every countdown tick and is not a
// state transition. OnResolved runs exactly once, outside the offer's lock.
type Hooks struct {
	OnTick     func(o models.RideOffer, remaining time.Duration)
	OnResolved func(o models.RideOffer)
}

// Offer is a single offer to one driver: Offered -> Accepted | Rejected |
// Expired. Terminal states are final.
type Offer struct {
	mu    sync.Mutex
	snap  models.RideOffer
	clock clockwork.Clock
	hooks Hooks
	done  chan struct{}

	timer  clockwork.Timer
	ticker clockwork.Ticker
}

// New builds an offer that expires timeout after the clock's current time.
// The countdown does not run until Start.
func New(base models.RideOffer, clock clockwork.Clock, timeout time.Duration, hooks Hooks) *Offer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := clock.Now()
	base.CreatedAt = now
	base.ExpiresAt = now.Add(timeout)
	base.State = models.OfferOffered
	base.ResolvedAt = time.Time{}
	return &Offer{snap: base, clock: clock, hooks: hooks, done: make(chan struct{})}
}

// Start arms the deadline timer and the tick loop.
func (o *Offer) Start() {
	o.mu.Lock()
	if o.snap.State.Terminal() || o.timer != nil {
		o.mu.Unlock()
		return
	}
	o.timer = o.clock.NewTimer(o.snap.ExpiresAt.Sub(o.clock.Now()))
	o.ticker = o.clock.NewTicker(tickInterval)
	o.mu.Unlock()

	go o.run()
}

func (o *Offer) run() {
	defer o.ticker.Stop()
	defer o.timer.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-o.timer.Chan():
			o.resolve(models.OfferExpired)
			return
		case <-o.ticker.Chan():
			snap, remaining, open := o.countdown()
			if !open {
				return
			}
			if remaining <= 0 {
				o.resolve(models.OfferExpired)
				return
			}
			if o.hooks.OnTick != nil {
				o.hooks.OnTick(snap, remaining)
			}
		}
	}
}

func (o *Offer) countdown() (models.RideOffer, time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap, o.snap.ExpiresAt.Sub(o.clock.Now()), !o.snap.State.Terminal()
}

// Accept resolves the offer as accepted. It fails with ErrOfferResolved once
// the offer is terminal or the deadline has passed.
func (o *Offer) Accept() error { return o.respond(models.OfferAccepted) }

// Reject resolves the offer as rejected.
func (o *Offer) Reject() error { return o.respond(models.OfferRejected) }

func (o *Offer) respond(to models.OfferState) error {
	o.mu.Lock()
	if o.snap.State.Terminal() {
		o.mu.Unlock()
		return models.ErrOfferResolved
	}
	if o.expiredLocked() {
		snap := o.resolveLocked(models.OfferExpired)
		o.mu.Unlock()
		o.fireResolved(snap)
		return models.ErrOfferResolved
	}
	snap := o.resolveLocked(to)
	o.mu.Unlock()
	o.fireResolved(snap)
	return nil
}

// resolve moves a still-open offer to state; later calls are no-ops.
func (o *Offer) resolve(to models.OfferState) {
	o.mu.Lock()
	if o.snap.State.Terminal() {
		o.mu.Unlock()
		return
	}
	snap := o.resolveLocked(to)
	o.mu.Unlock()
	o.fireResolved(snap)
}

func (o *Offer) resolveLocked(to models.OfferState) models.RideOffer {
	o.snap.State = to
	o.snap.ResolvedAt = o.clock.Now()
	if to == models.OfferExpired && o.snap.ResolvedAt.After(o.snap.ExpiresAt) {
		o.snap.ResolvedAt = o.snap.ExpiresAt
	}
	close(o.done)
	return o.snap
}

func (o *Offer) expiredLocked() bool {
	return !o.clock.Now().Before(o.snap.ExpiresAt)
}

func (o *Offer) fireResolved(snap models.RideOffer) {
	if o.hooks.OnResolved != nil {
		o.hooks.OnResolved(snap)
	}
}

// Snapshot returns the current offer. The deadline is enforced here too, so
// an offer past ExpiresAt reads as expired even before the timer fires.
func (o *Offer) Snapshot() models.RideOffer {
	o.mu.Lock()
	if !o.snap.State.Terminal() && o.expiredLocked() {
		snap := o.resolveLocked(models.OfferExpired)
		o.mu.Unlock()
		o.fireResolved(snap)
		return snap
	}
	defer o.mu.Unlock()
	return o.snap
}

func (o *Offer) State() models.OfferState { return o.Snapshot().State }

func (o *Offer) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.ID
}

// Remaining is the time left before expiry, never negative.
func (o *Offer) Remaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.State.Terminal() {
		return 0
	}
	if d := o.snap.ExpiresAt.Sub(o.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Done is closed once the offer is resolved.
func (o *Offer) Done() <-chan struct{} { return o.done }
