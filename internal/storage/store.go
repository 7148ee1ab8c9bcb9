// Package storage holds the persistence backends for driver locations and
// ride offers.
package storage

import (
	"context"

	"github.com/example/driver-dispatch/internal/models"
)

// LocationStore persists DriverLocationRecords. Implementations guarantee at
// most one record per driver id and make UpsertLocation atomic per driver.
type LocationStore interface {
	// UpsertLocation creates or replaces the driver's record and returns its
	// record id, which is stable across updates.
	UpsertLocation(ctx context.Context, rec *models.DriverLocationRecord) (string, error)
	// DeleteLocation returns models.ErrNotFound when no record exists.
	DeleteLocation(ctx context.Context, driverID string) error
	GetLocation(ctx context.Context, driverID string) (*models.DriverLocationRecord, error)
	// OnlineInCells returns records with status online whose cell is in cells.
	OnlineInCells(ctx context.Context, cells []string) ([]models.DriverLocationRecord, error)
}

// OfferStore defines persistence operations for ride offers. SaveOffer
// returns models.ErrAlreadyOffered when the backend already holds an offer
// for the same request and driver.
type OfferStore interface {
	SaveOffer(ctx context.Context, o *models.RideOffer) error
	UpdateOffer(ctx context.Context, o *models.RideOffer) error
}

// OfferPruner is implemented by offer stores that live in process memory and
// must be trimmed alongside the offer manager.
type OfferPruner interface {
	DeleteOffer(ctx context.Context, id string) error
}
