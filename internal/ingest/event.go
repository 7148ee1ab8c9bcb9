package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type EventKind string

const (
	EventUpsert  EventKind = "upsert"
	EventOffline EventKind = "offline"
)

// LocationEvent is the Kafka payload for driver location changes.
type LocationEvent struct {
	Kind        EventKind `json:"kind"`
	DriverID    string    `json:"driver_id"`
	CellID      string    `json:"cell_id,omitempty"`
	Lat         float64   `json:"lat,omitempty"`
	Lng         float64   `json:"lng,omitempty"`
	VehicleType string    `json:"vehicle_type,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	At          time.Time `json:"at"`
}

// DecodeLocationEvent parses and validates a message value.
func DecodeLocationEvent(b []byte) (LocationEvent, error) {
	var ev LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode location event: %w", err)
	}
	if strings.TrimSpace(ev.DriverID) == "" {
		return ev, models.ErrMissingDriverID
	}
	switch ev.Kind {
	case EventOffline:
	case EventUpsert:
		if !models.ValidCoord(ev.Lat, ev.Lng) {
			return ev, fmt.Errorf("driver %s: %w", ev.DriverID, models.ErrInvalidCoordinate)
		}
	default:
		return ev, fmt.Errorf("driver %s: unknown event kind %q", ev.DriverID, ev.Kind)
	}
	return ev, nil
}
