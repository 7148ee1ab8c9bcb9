// Package tracker keeps a driver's position fresh: one-shot acquisition with a
// low-accuracy fallback, continuous tracking while online, and an opt-in mock
// position after repeated failures.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/locations"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// PositionOptions are passed to a one-shot position request. Implementations
// must give up with models.ErrAcquisitionTimeout after Timeout and may return
// a cached fix no older than MaxAge.
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// WatchOptions configure continuous updates.
type WatchOptions struct {
	HighAccuracy    bool
	DistanceFilterM float64
	Interval        time.Duration
	FastestInterval time.Duration
}

// Reading is one update from a watch. Exactly one of Fix and Err is set.
type Reading struct {
	Fix models.Fix
	Err error
}

// Geolocator is the device's positioning service.
type Geolocator interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (models.Fix, error)
	// Watch delivers readings until ctx is cancelled, then closes the channel.
	Watch(ctx context.Context, opts WatchOptions) (<-chan Reading, error)
}

// LocationWriter persists the driver's position.
type LocationWriter interface {
	Upsert(ctx context.Context, in locations.UpsertInput) (string, error)
	SetOffline(ctx context.Context, driverID string) error
}

// Notifier shows a message to the driver.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseAcquiring     Phase = "acquiring"
	PhaseFresh         Phase = "fresh"
	PhaseStale         Phase = "stale"
	PhaseFailed        Phase = "failed"
)

// State is a point-in-time view of the tracker.
type State struct {
	Phase               Phase
	Tier                models.AccuracyTier
	CurrentFix          *models.Fix
	ConsecutiveFailures int
	Tracking            bool
	Online              bool
	MockEnabled         bool
	MockOffered         bool
	FailureReason       string
}

// MockCoord is the demo position offered after repeated failures.
var MockCoord = models.Coord{Lat: 26.7271, Lng: 85.9274}

type Config struct {
	HighAccuracyTimeout time.Duration
	HighAccuracyMaxAge  time.Duration
	LowAccuracyTimeout  time.Duration
	LowAccuracyMaxAge   time.Duration

	FailureThreshold int
	StaleAfter       time.Duration

	DistanceFilterM float64
	WatchInterval   time.Duration
	WatchFastest    time.Duration

	VehicleType  string
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HighAccuracyTimeout: 15 * time.Second,
		HighAccuracyMaxAge:  time.Second,
		LowAccuracyTimeout:  10 * time.Second,
		LowAccuracyMaxAge:   60 * time.Second,
		FailureThreshold:    3,
		StaleAfter:          30 * time.Second,
		DistanceFilterM:     10,
		WatchInterval:       10 * time.Second,
		WatchFastest:        5 * time.Second,
		WriteTimeout:        5 * time.Second,
	}
}

// Deps are the collaborators of a Tracker. Notifier, Clock and Logger are
// optional.
type Deps struct {
	Geolocator Geolocator
	Writer     LocationWriter
	Auth       auth.Authenticator
	Notifier   Notifier
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Tracker is the location state of one driver session. It is safe for
// concurrent use.
type Tracker struct {
	cfg      Config
	geo      Geolocator
	writer   LocationWriter
	auth     auth.Authenticator
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	phase       Phase
	tier        models.AccuracyTier
	fix         *models.Fix
	failures    int
	reason      string
	online      bool
	mock        bool
	mockOffered bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	// writes counts Upserts started while online; idle is signalled when it
	// drops to zero.
	writes int
	idle   *sync.Cond

	refining     bool
	refineCancel context.CancelFunc
	refineWG     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Tracker {
	def := DefaultConfig()
	if cfg.HighAccuracyTimeout <= 0 {
		cfg.HighAccuracyTimeout = def.HighAccuracyTimeout
	}
	if cfg.HighAccuracyMaxAge <= 0 {
		cfg.HighAccuracyMaxAge = def.HighAccuracyMaxAge
	}
	if cfg.LowAccuracyTimeout <= 0 {
		cfg.LowAccuracyTimeout = def.LowAccuracyTimeout
	}
	if cfg.LowAccuracyMaxAge <= 0 {
		cfg.LowAccuracyMaxAge = def.LowAccuracyMaxAge
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.DistanceFilterM <= 0 {
		cfg.DistanceFilterM = def.DistanceFilterM
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = def.WatchInterval
	}
	if cfg.WatchFastest <= 0 {
		cfg.WatchFastest = def.WatchFastest
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	t := &Tracker{
		cfg:      cfg,
		geo:      deps.Geolocator,
		writer:   deps.Writer,
		auth:     deps.Auth,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger,
		phase:    PhaseUninitialized,
	}
	t.idle = sync.NewCond(&t.mu)
	return t
}

func (t *Tracker) highAccuracy() PositionOptions {
	return PositionOptions{HighAccuracy: true, Timeout: t.cfg.HighAccuracyTimeout, MaxAge: t.cfg.HighAccuracyMaxAge}
}

func (t *Tracker) lowAccuracy() PositionOptions {
	return PositionOptions{HighAccuracy: false, Timeout: t.cfg.LowAccuracyTimeout, MaxAge: t.cfg.LowAccuracyMaxAge}
}

// Acquire obtains a single fix. A high-accuracy request that times out is
// retried once at low accuracy; any other failure is final. With the mock
// enabled the geolocator is not consulted. A fix accepted while online is
// written through; a write failure is returned together with the fix.
func (t *Tracker) Acquire(ctx context.Context) (models.Fix, error) {
	t.mu.Lock()
	if t.mock {
		t.mu.Unlock()
		fix := t.mockFix()
		return fix, t.accept(ctx, fix)
	}
	t.phase, t.tier = PhaseAcquiring, models.TierHigh
	t.mu.Unlock()

	fix, err := t.geo.CurrentPosition(ctx, t.highAccuracy())
	if err == nil {
		observability.AcquisitionAttempts.WithLabelValues(string(models.TierHigh), "ok").Inc()
		fix.Tier = models.TierHigh
		return fix, t.accept(ctx, fix)
	}
	observability.AcquisitionAttempts.WithLabelValues(string(models.TierHigh), resultLabel(err)).Inc()
	if !errors.Is(err, models.ErrAcquisitionTimeout) {
		return models.Fix{}, t.fail(ctx, err)
	}

	t.logger.Info("high accuracy fix timed out, falling back to low accuracy")
	t.mu.Lock()
	t.tier = models.TierLow
	t.mu.Unlock()

	fix, err = t.geo.CurrentPosition(ctx, t.lowAccuracy())
	if err != nil {
		observability.AcquisitionAttempts.WithLabelValues(string(models.TierLow), resultLabel(err)).Inc()
		return models.Fix{}, t.fail(ctx, err)
	}
	observability.AcquisitionAttempts.WithLabelValues(string(models.TierLow), "ok").Inc()
	fix.Tier = models.TierLow
	werr := t.accept(ctx, fix)
	t.refine(ctx)
	return fix, werr
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrAcquisitionTimeout):
		return "timeout"
	case errors.Is(err, models.ErrPermissionDenied):
		return "denied"
	default:
		return "unavailable"
	}
}

func (t *Tracker) fail(ctx context.Context, err error) error {
	t.mu.Lock()
	t.failures++
	t.phase = PhaseFailed
	t.reason = err.Error()
	failures := t.failures
	offer := failures >= t.cfg.FailureThreshold && !t.mockOffered && !t.mock
	if offer {
		t.mockOffered = true
	}
	t.mu.Unlock()

	t.logger.Warn("location acquisition failed", "error", err, "consecutive_failures", failures)
	if offer {
		t.notify(ctx, "Location unavailable",
			fmt.Sprintf("We could not get your location %d times in a row. You can use a demo location instead.", failures))
	}
	return fmt.Errorf("acquire location: %w", err)
}

// accept records fix as current and resets the failure counter. While online
// the fix is also written to the location store.
func (t *Tracker) accept(ctx context.Context, fix models.Fix) error {
	t.mu.Lock()
	if t.mock && fix.Tier != models.TierMock {
		t.mu.Unlock()
		return nil
	}
	if fix.At.IsZero() {
		fix.At = t.clock.Now()
	}
	f := fix
	t.fix = &f
	t.phase = PhaseFresh
	t.failures = 0
	t.reason = ""
	if !t.online {
		t.mu.Unlock()
		return nil
	}
	t.writes++
	t.mu.Unlock()

	defer t.writeDone()
	return t.write(ctx, fix)
}

// writeOnline writes fix if the driver is still online.
func (t *Tracker) writeOnline(ctx context.Context, fix models.Fix) error {
	t.mu.Lock()
	if !t.online {
		t.mu.Unlock()
		return nil
	}
	t.writes++
	t.mu.Unlock()

	defer t.writeDone()
	return t.write(ctx, fix)
}

func (t *Tracker) writeDone() {
	t.mu.Lock()
	t.writes--
	if t.writes == 0 {
		t.idle.Broadcast()
	}
	t.mu.Unlock()
}

// waitWrites blocks until no Upsert is in flight. Callers clear online first
// so none can start afterwards.
func (t *Tracker) waitWrites() {
	t.mu.Lock()
	for t.writes > 0 {
		t.idle.Wait()
	}
	t.mu.Unlock()
}

func (t *Tracker) write(ctx context.Context, fix models.Fix) error {
	u := t.auth.CurrentUser(ctx)
	if u == nil {
		return models.ErrMissingDriverID
	}
	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	_, err := t.writer.Upsert(wctx, locations.UpsertInput{
		DriverID:    u.ID,
		Lat:         fix.Lat,
		Lng:         fix.Lng,
		Phone:       u.Phone,
		VehicleType: t.cfg.VehicleType,
	})
	if err != nil {
		t.logger.Error("location write failed", "driver_id", u.ID, "error", err)
		t.notify(ctx, "Location not saved", "Your location could not be saved. It will be retried with the next update.")
		return fmt.Errorf("write location: %w", err)
	}
	return nil
}

func (t *Tracker) notify(ctx context.Context, title, body string) {
	if t.notifier != nil {
		t.notifier.Notify(ctx, title, body)
	}
}

func (t *Tracker) mockFix() models.Fix {
	return models.Fix{Lat: MockCoord.Lat, Lng: MockCoord.Lng, Tier: models.TierMock, At: t.clock.Now()}
}

// refine runs at most one background high-accuracy request to improve a
// low-accuracy fix. Its failure is logged and otherwise ignored.
func (t *Tracker) refine(ctx context.Context) {
	t.mu.Lock()
	if t.refining || t.mock {
		t.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.refining = true
	t.refineCancel = cancel
	t.refineWG.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.refineWG.Done()
		defer cancel()
		fix, err := t.geo.CurrentPosition(rctx, t.highAccuracy())

		t.mu.Lock()
		t.refining = false
		t.refineCancel = nil
		t.mu.Unlock()

		if err != nil {
			observability.AcquisitionAttempts.WithLabelValues("refine", resultLabel(err)).Inc()
			t.logger.Debug("background refinement failed", "error", err)
			return
		}
		if rctx.Err() != nil {
			return
		}
		observability.AcquisitionAttempts.WithLabelValues("refine", "ok").Inc()
		fix.Tier = models.TierHigh
		if err := t.accept(rctx, fix); err != nil {
			t.logger.Debug("refined fix not written", "error", err)
		}
	}()
}

func (t *Tracker) cancelRefinement() {
	t.mu.Lock()
	cancel := t.refineCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.refineWG.Wait()
}

// EnableMock switches to the fixed demo position. Tracking stops at once.
func (t *Tracker) EnableMock(ctx context.Context) error {
	t.StopTracking()
	t.cancelRefinement()
	t.mu.Lock()
	t.mock = true
	t.mu.Unlock()
	t.logger.Info("mock location enabled", "lat", MockCoord.Lat, "lng", MockCoord.Lng)
	return t.accept(ctx, t.mockFix())
}

// DisableMock returns to real positioning. While online a new fix is
// acquired and tracking restarts so the demo position does not linger in the
// store. A failed acquisition does not prevent tracking from starting.
func (t *Tracker) DisableMock(ctx context.Context) error {
	t.mu.Lock()
	wasMock := t.mock
	t.mock = false
	t.mockOffered = false
	online := t.online
	t.mu.Unlock()

	if !wasMock || !online {
		return nil
	}
	t.logger.Info("mock location disabled, resuming real positioning")
	_, aerr := t.Acquire(ctx)
	return errors.Join(aerr, t.StartTracking(ctx))
}

// StartTracking begins continuous updates. It requires the driver to be
// online and the mock to be off; calling it while tracking is a no-op.
func (t *Tracker) StartTracking(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.online {
		return models.ErrNotOnline
	}
	if t.mock {
		return models.ErrMockEnabled
	}
	if t.watchCancel != nil {
		return nil
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := t.geo.Watch(wctx, WatchOptions{
		HighAccuracy:    false,
		DistanceFilterM: t.cfg.DistanceFilterM,
		Interval:        t.cfg.WatchInterval,
		FastestInterval: t.cfg.WatchFastest,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start tracking: %w", err)
	}
	done := make(chan struct{})
	t.watchCancel = cancel
	t.watchDone = done
	observability.TrackingSessions.Inc()
	t.logger.Info("location tracking started")
	go t.track(wctx, ch, done)
	return nil
}

func (t *Tracker) track(ctx context.Context, ch <-chan Reading, done chan struct{}) {
	defer close(done)
	defer observability.TrackingSessions.Dec()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if r.Err != nil {
				_ = t.fail(ctx, r.Err)
				continue
			}
			fix := r.Fix
			if fix.Tier == "" {
				fix.Tier = models.TierLow
			}
			if err := t.accept(ctx, fix); err != nil {
				t.logger.Warn("tracked fix not written", "error", err)
			}
			if fix.Tier == models.TierLow {
				t.refine(ctx)
			}
		}
	}
}

// StopTracking ends continuous updates and waits for the loop to exit. It is
// safe to call when not tracking.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	cancel, done := t.watchCancel, t.watchDone
	t.watchCancel, t.watchDone = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Info("location tracking stopped")
}

// GoOnline marks the driver online, writes the current fix (acquiring one if
// there is none or it is stale) and starts tracking unless the mock is on.
func (t *Tracker) GoOnline(ctx context.Context) error {
	t.mu.Lock()
	t.online = true
	fix := t.fix
	stale := fix == nil || t.clock.Since(fix.At) > t.cfg.StaleAfter
	mock := t.mock
	t.mu.Unlock()

	var err error
	if stale || mock {
		_, err = t.Acquire(ctx)
	} else {
		err = t.writeOnline(ctx, *fix)
	}
	if err != nil {
		t.mu.Lock()
		t.online = false
		t.mu.Unlock()
		return fmt.Errorf("go online: %w", err)
	}
	if mock {
		return nil
	}
	return t.StartTracking(ctx)
}

// GoOffline stops tracking and waits for in-flight writes before removing the
// driver's record, so no write can land after the removal. A record that is
// already gone is not an error.
func (t *Tracker) GoOffline(ctx context.Context) error {
	t.mu.Lock()
	t.online = false
	t.mu.Unlock()

	t.StopTracking()
	t.cancelRefinement()
	t.waitWrites()

	u := t.auth.CurrentUser(ctx)
	if u == nil {
		return models.ErrMissingDriverID
	}
	err := t.writer.SetOffline(ctx, u.ID)
	if errors.Is(err, models.ErrNotFound) {
		t.logger.Info("driver already offline", "driver_id", u.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("go offline: %w", err)
	}
	return nil
}

// Snapshot reports the current state. A fresh fix older than StaleAfter is
// reported as stale.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := State{
		Phase:               t.phase,
		ConsecutiveFailures: t.failures,
		Tracking:            t.watchCancel != nil,
		Online:              t.online,
		MockEnabled:         t.mock,
		MockOffered:         t.mockOffered,
		FailureReason:       t.reason,
	}
	if t.phase == PhaseAcquiring {
		s.Tier = t.tier
	}
	if t.fix != nil {
		f := *t.fix
		s.CurrentFix = &f
		if s.Phase == PhaseFresh && t.clock.Since(f.At) > t.cfg.StaleAfter {
			s.Phase = PhaseStale
		}
	}
	return s
}

// Close stops every background activity.
func (t *Tracker) Close() {
	t.StopTracking()
	t.cancelRefinement()
}
