package models

import "errors"

var (
	ErrInvalidCoordinate   = errors.New("invalid coordinate")
	ErrInvalidRadius       = errors.New("invalid ring radius")
	ErrMissingDriverID     = errors.New("missing driver id")
	ErrNotFound            = errors.New("not found")
	ErrAcquisitionTimeout  = errors.New("location acquisition timed out")
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrNotOnline           = errors.New("driver is not online")
	ErrMockEnabled         = errors.New("mock location enabled")
	ErrOfferResolved       = errors.New("offer already resolved")
	ErrOfferNotFound       = errors.New("offer not found")
	ErrNoDrivers           = errors.New("no drivers available")
	ErrAlreadyOffered      = errors.New("request already offered to driver")
	ErrTripNotFound        = errors.New("trip not found")
	ErrInvalidTransition   = errors.New("invalid trip status transition")

	// ErrPersistence matches any *PersistenceError via errors.Is.
	ErrPersistence = errors.New("persistence error")
)

// PersistenceError wraps a backend failure. The underlying message is opaque
// to callers; only the operation name is meant for display.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err unless it is nil or already one of the sentinel
// outcomes callers branch on.
func Persistence(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
