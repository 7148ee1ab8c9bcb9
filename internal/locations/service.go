// Package locations is the write path for driver positions: it validates
// input, derives the cell id and delegates to an atomic backend upsert.
package locations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

// EventPublisher receives a copy of every successful write.
type EventPublisher interface {
	PublishLocation(ctx context.Context, ev ingest.LocationEvent) error
}

type UpsertInput struct {
	DriverID    string
	Lat         float64
	Lng         float64
	Phone       string
	VehicleType string
}

type Service struct {
	Index  geo.Indexer
	Store  storage.LocationStore
	Events EventPublisher // optional
	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(ix geo.Indexer, store storage.LocationStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Index: ix, Store: store, Logger: logger, Now: time.Now}
}

// Upsert stores the driver as online at (Lat, Lng) and returns the record id.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (string, error) {
	driverID := strings.TrimSpace(in.DriverID)
	if driverID == "" {
		observability.LocationUpserts.WithLabelValues("invalid").Inc()
		return "", models.ErrMissingDriverID
	}
	cell, err := s.Index.CellFor(in.Lat, in.Lng)
	if err != nil {
		observability.LocationUpserts.WithLabelValues("invalid").Inc()
		return "", err
	}

	rec := &models.DriverLocationRecord{
		DriverID:    driverID,
		CellID:      cell,
		Lat:         in.Lat,
		Lng:         in.Lng,
		Status:      models.StatusOnline,
		VehicleType: in.VehicleType,
		Phone:       in.Phone,
		LastUpdated: s.now(),
	}
	id, err := s.Store.UpsertLocation(ctx, rec)
	if err != nil {
		observability.LocationUpserts.WithLabelValues("error").Inc()
		s.logger().Error("driver location upsert failed", "driver_id", driverID, "cell_id", cell, "error", err)
		return "", models.Persistence("upsert driver location", err)
	}
	observability.LocationUpserts.WithLabelValues("ok").Inc()
	s.logger().Debug("driver location stored", "driver_id", driverID, "cell_id", cell, "record_id", id)

	s.publish(ctx, ingest.LocationEvent{
		Kind:        ingest.EventUpsert,
		DriverID:    driverID,
		CellID:      cell,
		Lat:         in.Lat,
		Lng:         in.Lng,
		VehicleType: in.VehicleType,
		Phone:       in.Phone,
		At:          rec.LastUpdated,
	})
	return id, nil
}

// SetOffline removes the driver's record. It returns models.ErrNotFound when
// there was nothing to remove; callers normally treat that as success.
func (s *Service) SetOffline(ctx context.Context, driverID string) error {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return models.ErrMissingDriverID
	}
	err := s.Store.DeleteLocation(ctx, driverID)
	switch {
	case err == nil:
		observability.DriversOffline.WithLabelValues("ok").Inc()
	case errors.Is(err, models.ErrNotFound):
		observability.DriversOffline.WithLabelValues("not_found").Inc()
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	default:
		observability.DriversOffline.WithLabelValues("error").Inc()
		s.logger().Error("set driver offline failed", "driver_id", driverID, "error", err)
		return models.Persistence("delete driver location", err)
	}

	s.publish(ctx, ingest.LocationEvent{Kind: ingest.EventOffline, DriverID: driverID, At: s.now()})
	return nil
}

func (s *Service) Get(ctx context.Context, driverID string) (*models.DriverLocationRecord, error) {
	rec, err := s.Store.GetLocation(ctx, driverID)
	if err != nil {
		return nil, models.Persistence("get driver location", err)
	}
	return rec, nil
}

func (s *Service) publish(ctx context.Context, ev ingest.LocationEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishLocation(ctx, ev); err != nil {
		s.logger().Warn("location event publish failed", "driver_id", ev.DriverID, "kind", ev.Kind, "error", err)
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
