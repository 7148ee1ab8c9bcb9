package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type DriverStatus string

const (
	StatusOnline  DriverStatus = "online"
	StatusOffline DriverStatus = "offline"
)

// DriverLocationRecord is the persisted position of a driver. CellID is
// always derived from Lat/Lng by the locations service.
type DriverLocationRecord struct {
	ID          string       `json:"id"`
	DriverID    string       `json:"driver_id"`
	CellID      string       `json:"cell_id"`
	Lat         float64      `json:"lat"`
	Lng         float64      `json:"lng"`
	Status      DriverStatus `json:"status"`
	VehicleType string       `json:"vehicle_type"`
	Phone       string       `json:"phone,omitempty"`
	LastUpdated time.Time    `json:"last_updated"`
}

// Validate checks a record read back from a backend before it is handed to
// the rest of the system.
func (r DriverLocationRecord) Validate() error {
	if strings.TrimSpace(r.DriverID) == "" {
		return ErrMissingDriverID
	}
	if r.CellID == "" {
		return fmt.Errorf("record %s: empty cell id", r.DriverID)
	}
	if !ValidCoord(r.Lat, r.Lng) {
		return fmt.Errorf("record %s: %w", r.DriverID, ErrInvalidCoordinate)
	}
	switch r.Status {
	case StatusOnline, StatusOffline:
	default:
		return fmt.Errorf("record %s: unknown status %q", r.DriverID, r.Status)
	}
	return nil
}

// ValidCoord reports whether lat/lng are finite and inside the WGS84 ranges.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// NearbyDriver is a query hit refined with its great-circle distance.
type NearbyDriver struct {
	DriverLocationRecord
	DistanceKm float64 `json:"distance_km"`
}

type AccuracyTier string

const (
	TierHigh AccuracyTier = "high"
	TierLow  AccuracyTier = "low"
	TierMock AccuracyTier = "mock"
)

// Fix is a single accepted position reading.
type Fix struct {
	Lat      float64      `json:"lat"`
	Lng      float64      `json:"lng"`
	Accuracy float64      `json:"accuracy_m"`
	Tier     AccuracyTier `json:"tier"`
	At       time.Time    `json:"at"`
}

type User struct {
	ID    string `json:"id"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
}

type Place struct {
	Name  string `json:"name,omitempty"`
	Coord Coord  `json:"coord"`
}

type RideRequest struct {
	RequestID   string  `json:"request_id"`
	RiderID     string  `json:"rider_id"`
	Pickup      Place   `json:"pickup"`
	Dropoff     Place   `json:"dropoff"`
	Fare        float64 `json:"fare"`
	VehicleType string  `json:"vehicle_type,omitempty"`
	Rings       int     `json:"rings,omitempty"`
}

type OfferState string

const (
	OfferOffered  OfferState = "offered"
	OfferAccepted OfferState = "accepted"
	OfferRejected OfferState = "rejected"
	OfferExpired  OfferState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s OfferState) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferExpired
}

// RideOffer is a snapshot of a single offer handed to one driver.
type RideOffer struct {
	ID         string     `json:"offer_id"`
	RequestID  string     `json:"request_id"`
	RiderID    string     `json:"rider_id,omitempty"`
	DriverID   string     `json:"driver_id"`
	Pickup     Place      `json:"pickup"`
	Dropoff    Place      `json:"dropoff"`
	Fare       float64    `json:"fare"`
	Vehicle    string     `json:"vehicle_type,omitempty"`
	ETASeconds float64    `json:"eta_seconds"`
	DistanceKm float64    `json:"distance_km"`
	Rings      int        `json:"rings,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	State      OfferState `json:"state"`
	ResolvedAt time.Time  `json:"resolved_at,omitempty"`
}
