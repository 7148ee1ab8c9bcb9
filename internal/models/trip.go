package models

import "time"

// TripStatus is the stage of an accepted ride. A trip starts at TripPickup
// and moves strictly forward; completed and cancelled are final.
type TripStatus string

const (
	TripPickup     TripStatus = "pickup"
	TripInProgress TripStatus = "in_progress"
	TripArriving   TripStatus = "arriving"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

// CanMoveTo reports whether s -> to is a legal step. Arriving may be skipped
// on short rides.
func (s TripStatus) CanMoveTo(to TripStatus) bool {
	switch to {
	case TripInProgress:
		return s == TripPickup
	case TripArriving:
		return s == TripInProgress
	case TripCompleted:
		return s == TripInProgress || s == TripArriving
	case TripCancelled:
		return !s.Terminal()
	default:
		return false
	}
}

// FareBreakdown is the settlement of a completed trip.
type FareBreakdown struct {
	Base           float64 `json:"base"`
	Distance       float64 `json:"distance"`
	Time           float64 `json:"time"`
	Total          float64 `json:"total"`
	PlatformFee    float64 `json:"platform_fee"`
	DriverEarnings float64 `json:"driver_earnings"`
	DistanceKm     float64 `json:"distance_km"`
	DurationMin    float64 `json:"duration_min"`
}

// Trip is the ride that follows an accepted offer. It shares the offer's id.
type Trip struct {
	ID          string         `json:"trip_id"`
	RequestID   string         `json:"request_id"`
	RiderID     string         `json:"rider_id,omitempty"`
	DriverID    string         `json:"driver_id"`
	Pickup      Place          `json:"pickup"`
	Dropoff     Place          `json:"dropoff"`
	QuotedFare  float64        `json:"quoted_fare"`
	Vehicle     string         `json:"vehicle_type,omitempty"`
	Status      TripStatus     `json:"status"`
	AcceptedAt  time.Time      `json:"accepted_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	ArrivingAt  time.Time      `json:"arriving_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	CancelledAt time.Time      `json:"cancelled_at,omitempty"`
	Fare        *FareBreakdown `json:"fare,omitempty"`
}
