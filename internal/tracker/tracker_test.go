package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/locations"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type result struct {
	fix models.Fix
	err error
}

// fakeGeo answers one-shot requests from a queue and forwards feed to the
// active watch.
type fakeGeo struct {
	mu      sync.Mutex
	queue   []result
	def     error
	calls   []PositionOptions
	watches int
	feed    chan Reading
}

func newFakeGeo(def error, queue ...result) *fakeGeo {
	return &fakeGeo{queue: queue, def: def, feed: make(chan Reading)}
}

func (g *fakeGeo) CurrentPosition(_ context.Context, opts PositionOptions) (models.Fix, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, opts)
	if len(g.queue) == 0 {
		return models.Fix{}, g.def
	}
	r := g.queue[0]
	g.queue = g.queue[1:]
	return r.fix, r.err
}

func (g *fakeGeo) Watch(ctx context.Context, _ WatchOptions) (<-chan Reading, error) {
	g.mu.Lock()
	g.watches++
	g.mu.Unlock()
	out := make(chan Reading)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-g.feed:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (g *fakeGeo) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, title)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type harness struct {
	tr       *Tracker
	geo      *fakeGeo
	store    *storage.MemoryLocationStore
	svc      *locations.Service
	notifier *recordingNotifier
	clock    clockwork.FakeClock
}

func newHarness(t *testing.T, g *fakeGeo) *harness {
	t.Helper()
	store := storage.NewMemoryLocationStore()
	svc := locations.NewService(geo.NewIndexer(geo.DefaultPrecision), store, nil)
	fc := clockwork.NewFakeClock()
	n := &recordingNotifier{}
	tr := New(Config{VehicleType: "bike"}, Deps{
		Geolocator: g,
		Writer:     svc,
		Auth:       auth.Static{User: &models.User{ID: "d1", Phone: "+977"}},
		Notifier:   n,
		Clock:      fc,
	})
	t.Cleanup(tr.Close)
	return &harness{tr: tr, geo: g, store: store, svc: svc, notifier: n, clock: fc}
}

func fixAt(lat, lng float64) result {
	return result{fix: models.Fix{Lat: lat, Lng: lng, Accuracy: 5}}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRepeatedTimeoutsOfferMockLocation(t *testing.T) {
	h := newHarness(t, newFakeGeo(models.ErrAcquisitionTimeout))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := h.tr.Acquire(ctx); !errors.Is(err, models.ErrAcquisitionTimeout) {
			t.Fatalf("attempt %d: expected timeout, got %v", i, err)
		}
		if got := h.tr.Snapshot().ConsecutiveFailures; got != i {
			t.Fatalf("attempt %d: expected %d failures, got %d", i, i, got)
		}
	}
	if got := h.geo.callCount(); got != 6 {
		t.Fatalf("expected a high and a low request per attempt, got %d calls", got)
	}
	for i, opts := range h.geo.calls {
		if wantHigh := i%2 == 0; opts.HighAccuracy != wantHigh {
			t.Fatalf("call %d: unexpected accuracy %+v", i, opts)
		}
	}
	st := h.tr.Snapshot()
	if !st.MockOffered || st.Phase != PhaseFailed {
		t.Fatalf("expected mock to be offered after 3 failures, got %+v", st)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}

	if err := h.tr.EnableMock(ctx); err != nil {
		t.Fatal(err)
	}
	fix, err := h.tr.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fix.Lat != 26.7271 || fix.Lng != 85.9274 || fix.Tier != models.TierMock {
		t.Fatalf("unexpected mock fix %+v", fix)
	}
	if got := h.geo.callCount(); got != 6 {
		t.Fatalf("geolocator consulted with mock enabled: %d calls", got)
	}
	st = h.tr.Snapshot()
	if st.ConsecutiveFailures != 0 || st.Phase != PhaseFresh || !st.MockEnabled {
		t.Fatalf("unexpected state after mock %+v", st)
	}
	if st.CurrentFix == nil || st.CurrentFix.Lat != 26.7271 {
		t.Fatalf("mock fix not current: %+v", st.CurrentFix)
	}
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	h := newHarness(t, newFakeGeo(models.ErrPermissionDenied))
	if _, err := h.tr.Acquire(context.Background()); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if got := h.geo.callCount(); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
	if st := h.tr.Snapshot(); st.FailureReason == "" || st.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestLowAccuracyFallbackRefinesInBackground(t *testing.T) {
	g := newFakeGeo(models.ErrPositionUnavailable,
		result{err: models.ErrAcquisitionTimeout},
		fixAt(26.70, 85.90),
	)
	h := newHarness(t, g)

	fix, err := h.tr.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fix.Tier != models.TierLow {
		t.Fatalf("expected low tier fix, got %s", fix.Tier)
	}
	h.tr.Close()

	if got := g.callCount(); got != 3 {
		t.Fatalf("expected high, low and one refinement request, got %d", got)
	}
	if !g.calls[2].HighAccuracy {
		t.Fatalf("refinement should ask for high accuracy: %+v", g.calls[2])
	}
	st := h.tr.Snapshot()
	if st.Phase != PhaseFresh || st.ConsecutiveFailures != 0 || st.CurrentFix.Lat != 26.70 {
		t.Fatalf("refinement failure leaked into state: %+v", st)
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	g := newFakeGeo(models.ErrPermissionDenied,
		result{err: models.ErrPermissionDenied},
		result{err: models.ErrPermissionDenied},
		fixAt(1, 1),
	)
	h := newHarness(t, g)
	ctx := context.Background()

	_, _ = h.tr.Acquire(ctx)
	_, _ = h.tr.Acquire(ctx)
	if _, err := h.tr.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	_, _ = h.tr.Acquire(ctx)
	st := h.tr.Snapshot()
	if st.ConsecutiveFailures != 1 || st.MockOffered {
		t.Fatalf("expected counter reset by the success, got %+v", st)
	}
}

func TestFixGoesStale(t *testing.T) {
	h := newHarness(t, newFakeGeo(nil, fixAt(1, 1)))
	if st := h.tr.Snapshot(); st.Phase != PhaseUninitialized {
		t.Fatalf("expected uninitialized, got %s", st.Phase)
	}
	if _, err := h.tr.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Second)
	if st := h.tr.Snapshot(); st.Phase != PhaseFresh {
		t.Fatalf("expected fresh at 30s, got %s", st.Phase)
	}
	h.clock.Advance(time.Second)
	if st := h.tr.Snapshot(); st.Phase != PhaseStale {
		t.Fatalf("expected stale, got %s", st.Phase)
	}
}

func TestGoingOfflineMidTrackingStopsWrites(t *testing.T) {
	g := newFakeGeo(models.ErrPositionUnavailable, fixAt(26.7271, 85.9274))
	h := newHarness(t, g)
	ctx := context.Background()

	if err := h.tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.tr.Snapshot().Tracking {
		t.Fatal("expected tracking after going online")
	}
	rec, err := h.svc.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.VehicleType != "bike" || rec.Phone != "+977" {
		t.Fatalf("unexpected record %+v", rec)
	}

	g.feed <- Reading{Fix: models.Fix{Lat: 26.7300, Lng: 85.9300, Tier: models.TierHigh}}
	eventually(t, func() bool {
		rec, err := h.svc.Get(ctx, "d1")
		return err == nil && rec.Lat == 26.7300
	}, "tracked fix was not written")

	if err := h.tr.GoOffline(ctx); err != nil {
		t.Fatal(err)
	}
	if st := h.tr.Snapshot(); st.Tracking || st.Online {
		t.Fatalf("expected offline and not tracking, got %+v", st)
	}
	if h.store.Count() != 0 {
		t.Fatal("record still present after going offline")
	}

	select {
	case g.feed <- Reading{Fix: models.Fix{Lat: 26.75, Lng: 85.95}}:
		t.Fatal("watch still consuming after going offline")
	case <-time.After(50 * time.Millisecond):
	}
	if h.store.Count() != 0 {
		t.Fatal("write landed after going offline")
	}
}

func TestGoOfflineToleratesMissingRecord(t *testing.T) {
	h := newHarness(t, newFakeGeo(nil))
	if err := h.tr.GoOffline(context.Background()); err != nil {
		t.Fatalf("expected missing record to be tolerated, got %v", err)
	}
}

func TestStartTrackingPreconditions(t *testing.T) {
	h := newHarness(t, newFakeGeo(nil))
	ctx := context.Background()
	if err := h.tr.StartTracking(ctx); !errors.Is(err, models.ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline, got %v", err)
	}

	if err := h.tr.EnableMock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.StartTracking(ctx); !errors.Is(err, models.ErrMockEnabled) {
		t.Fatalf("expected ErrMockEnabled, got %v", err)
	}
	if rec, err := h.svc.Get(ctx, "d1"); err != nil || rec.Lat != MockCoord.Lat {
		t.Fatalf("mock position not written: %+v %v", rec, err)
	}

	if err := h.tr.DisableMock(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.tr.Snapshot().Tracking {
		t.Fatal("tracking should resume once the mock is off")
	}
	if err := h.tr.StartTracking(ctx); err != nil {
		t.Fatal(err)
	}
	if h.geo.watches != 1 {
		t.Fatalf("expected a single watch, got %d", h.geo.watches)
	}
	h.tr.StopTracking()
	h.tr.StopTracking()
	if h.tr.Snapshot().Tracking {
		t.Fatal("still tracking")
	}
}

type failingWriter struct{}

func (failingWriter) Upsert(context.Context, locations.UpsertInput) (string, error) {
	return "", models.Persistence("upsert driver location", errors.New("down"))
}

func (failingWriter) SetOffline(context.Context, string) error { return nil }

func TestWriteFailureKeepsLocalFix(t *testing.T) {
	h := newHarness(t, newFakeGeo(nil, fixAt(5, 5)))
	h.tr.writer = failingWriter{}
	h.tr.online = true

	fix, err := h.tr.Acquire(context.Background())
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if fix.Lat != 5 {
		t.Fatalf("fix not returned: %+v", fix)
	}
	if st := h.tr.Snapshot(); st.CurrentFix == nil || st.CurrentFix.Lat != 5 || st.Phase != PhaseFresh {
		t.Fatalf("local fix lost: %+v", st)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected the driver to be notified, got %d", h.notifier.count())
	}
}

func TestEnableMockStopsActiveTracking(t *testing.T) {
	g := newFakeGeo(nil, fixAt(26.70, 85.90))
	h := newHarness(t, g)
	ctx := context.Background()

	if err := h.tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.tr.Snapshot().Tracking {
		t.Fatal("expected tracking after going online")
	}
	if err := h.tr.EnableMock(ctx); err != nil {
		t.Fatal(err)
	}
	if st := h.tr.Snapshot(); st.Tracking || !st.MockEnabled {
		t.Fatalf("expected tracking stopped with mock on: %+v", st)
	}

	select {
	case g.feed <- Reading{Fix: models.Fix{Lat: 26.75, Lng: 85.95}}:
		t.Fatal("watch still consuming after the mock was enabled")
	case <-time.After(50 * time.Millisecond):
	}
	rec, err := h.svc.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Lat != MockCoord.Lat || rec.Lng != MockCoord.Lng {
		t.Fatalf("expected the demo position, got %+v", rec)
	}
}

func TestDisableMockWhileOnlineResumesRealPosition(t *testing.T) {
	g := newFakeGeo(nil, fixAt(27.70, 85.32))
	h := newHarness(t, g)
	ctx := context.Background()

	if err := h.tr.EnableMock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	if h.tr.Snapshot().Tracking {
		t.Fatal("no tracking while the mock is on")
	}

	if err := h.tr.DisableMock(ctx); err != nil {
		t.Fatal(err)
	}
	st := h.tr.Snapshot()
	if !st.Online || !st.Tracking || st.MockEnabled {
		t.Fatalf("expected online real tracking: %+v", st)
	}
	rec, err := h.svc.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Lat != 27.70 || rec.Lng != 85.32 {
		t.Fatalf("record still at the demo position: %+v", rec)
	}

	g.feed <- Reading{Fix: models.Fix{Lat: 27.71, Lng: 85.33, Tier: models.TierHigh}}
	eventually(t, func() bool {
		r, err := h.svc.Get(ctx, "d1")
		return err == nil && r.Lat == 27.71
	}, "tracked fix not written")
}

func TestDisableMockWhileOfflineOnlyClearsFlag(t *testing.T) {
	g := newFakeGeo(nil)
	h := newHarness(t, g)
	ctx := context.Background()
	if err := h.tr.EnableMock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.DisableMock(ctx); err != nil {
		t.Fatal(err)
	}
	if st := h.tr.Snapshot(); st.MockEnabled || st.Tracking {
		t.Fatalf("unexpected state %+v", st)
	}
	if g.callCount() != 0 {
		t.Fatalf("no acquisition expected while offline, got %d", g.callCount())
	}
}

// gatedWriter holds every Upsert until release is closed.
type gatedWriter struct {
	LocationWriter
	entered chan struct{}
	release chan struct{}
}

func (w *gatedWriter) Upsert(ctx context.Context, in locations.UpsertInput) (string, error) {
	w.entered <- struct{}{}
	<-w.release
	return w.LocationWriter.Upsert(ctx, in)
}

func TestGoOfflineWaitsForInFlightWrite(t *testing.T) {
	h := newHarness(t, newFakeGeo(nil, fixAt(26.70, 85.90)))
	gw := &gatedWriter{LocationWriter: h.svc, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.tr.writer = gw
	h.tr.mu.Lock()
	h.tr.online = true
	h.tr.mu.Unlock()
	ctx := context.Background()

	acquired := make(chan error, 1)
	go func() {
		_, err := h.tr.Acquire(ctx)
		acquired <- err
	}()
	<-gw.entered

	offline := make(chan error, 1)
	go func() { offline <- h.tr.GoOffline(ctx) }()
	select {
	case err := <-offline:
		t.Fatalf("went offline while a write was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gw.release)
	if err := <-acquired; err != nil {
		t.Fatal(err)
	}
	if err := <-offline; err != nil {
		t.Fatal(err)
	}
	if h.store.Count() != 0 {
		t.Fatal("record written back after going offline")
	}
}
