package locations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type failingStore struct {
	storage.LocationStore
	err error
}

func (f *failingStore) UpsertLocation(context.Context, *models.DriverLocationRecord) (string, error) {
	return "", f.err
}

func (f *failingStore) DeleteLocation(context.Context, string) error { return f.err }

type recordingPublisher struct{ events []ingest.LocationEvent }

func (r *recordingPublisher) PublishLocation(_ context.Context, ev ingest.LocationEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func newService() (*Service, *storage.MemoryLocationStore) {
	store := storage.NewMemoryLocationStore()
	s := NewService(geo.NewIndexer(geo.DefaultPrecision), store, nil)
	s.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return s, store
}

func TestUpsertIsIdempotent(t *testing.T) {
	s, store := newService()
	ctx := context.Background()
	in := UpsertInput{DriverID: "d1", Lat: 26.7271, Lng: 85.9274, Phone: "+977", VehicleType: "car"}

	id1, err := s.Upsert(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Upsert(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected same record id, got %s and %s", id1, id2)
	}
	if store.Count() != 1 {
		t.Fatalf("expected one record, got %d", store.Count())
	}

	rec, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := geo.NewIndexer(geo.DefaultPrecision).CellFor(26.7271, 85.9274)
	if rec.CellID != want || rec.Status != models.StatusOnline || rec.Phone != "+977" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestUpsertValidatesBeforePersisting(t *testing.T) {
	s, store := newService()
	ctx := context.Background()

	if _, err := s.Upsert(ctx, UpsertInput{DriverID: "  ", Lat: 1, Lng: 1}); !errors.Is(err, models.ErrMissingDriverID) {
		t.Fatalf("expected ErrMissingDriverID, got %v", err)
	}
	if _, err := s.Upsert(ctx, UpsertInput{DriverID: "d1", Lat: 91, Lng: 1}); !errors.Is(err, models.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("invalid input reached the store")
	}
}

func TestUpsertWrapsBackendFailure(t *testing.T) {
	s, _ := newService()
	s.Store = &failingStore{err: errors.New("connection refused")}

	_, err := s.Upsert(context.Background(), UpsertInput{DriverID: "d1", Lat: 1, Lng: 1})
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var pe *models.PersistenceError
	if !errors.As(err, &pe) || pe.Op == "" {
		t.Fatalf("expected *PersistenceError with op, got %T", err)
	}
}

func TestSetOffline(t *testing.T) {
	s, store := newService()
	ctx := context.Background()
	pub := &recordingPublisher{}
	s.Events = pub

	if _, err := s.Upsert(ctx, UpsertInput{DriverID: "d1", Lat: 1, Lng: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOffline(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if store.Count() != 0 {
		t.Fatal("record not removed")
	}
	if err := s.SetOffline(ctx, "d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(pub.events) != 2 || pub.events[0].Kind != ingest.EventUpsert || pub.events[1].Kind != ingest.EventOffline {
		t.Fatalf("unexpected events %+v", pub.events)
	}
}

func TestSetOfflineBackendFailure(t *testing.T) {
	s, _ := newService()
	s.Store = &failingStore{err: errors.New("timeout")}
	if err := s.SetOffline(context.Background(), "d1"); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
