package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/locations"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/offer"
	"github.com/example/driver-dispatch/internal/trip"
)

// Deps are the components behind the API. Ready and Trips are optional.
type Deps struct {
	Locations    *locations.Service
	Finder       *matcher.Finder
	Matcher      *matcher.Service
	Offers       *offer.Manager
	Trips        *trip.Service
	WSReg        *dispatch.WSRegistry
	Auth         *auth.JWT
	DefaultRings int
	Ready        func(ctx context.Context) error
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/offline", s.handleDriverOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/offers/{offer_id}", s.handleGetOffer).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offer_id}/{action:accept|reject}", s.handleOfferResponse).Methods(http.MethodPost)
	if s.Trips != nil {
		api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods(http.MethodGet)
		api.HandleFunc("/trips/{trip_id}/status", s.handleTripStatus).Methods(http.MethodPost)
	}

	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationRequest struct {
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	VehicleType string   `json:"vehicle_type"`
	Phone       string   `json:"phone"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var body locationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.Lat == nil || body.Lng == nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	phone := body.Phone
	if phone == "" {
		phone = u.Phone
	}
	id, err := s.Locations.Upsert(r.Context(), locations.UpsertInput{
		DriverID:    u.ID,
		Lat:         *body.Lat,
		Lng:         *body.Lng,
		Phone:       phone,
		VehicleType: body.VehicleType,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"record_id": id, "driver_id": u.ID})
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	err := s.Locations.SetOffline(r.Context(), u.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lng must be numbers")
		return
	}
	query := matcher.Query{Lat: lat, Lng: lng, Rings: s.DefaultRings, VehicleType: strings.TrimSpace(q.Get("vehicle_type"))}
	if v := q.Get("rings"); v != "" {
		if query.Rings, err1 = strconv.Atoi(v); err1 != nil {
			writeError(w, http.StatusBadRequest, "rings must be an integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if query.Limit, err1 = strconv.Atoi(v); err1 != nil || query.Limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	drivers, err := s.Finder.Find(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rings": query.Rings, "count": len(drivers), "drivers": drivers})
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if u := s.Auth.CurrentUser(r.Context()); u != nil {
		rr.RiderID = u.ID
	}
	o, err := s.Matcher.Match(r.Context(), rr)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := s.Offers.Get(mux.Vars(r)["offer_id"])
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrOfferNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	vars := mux.Vars(r)
	o, err := s.Offers.Respond(r.Context(), vars["offer_id"], u.ID, vars["action"] == "accept")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	t, err := s.Trips.Get(r.Context(), mux.Vars(r)["trip_id"], u.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type tripStatusRequest struct {
	Status models.TripStatus `json:"status"`
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	var body tripStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	t, err := s.Trips.Advance(r.Context(), mux.Vars(r)["trip_id"], u.ID, body.Status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", u.ID, "error", err)
		return
	}
	s.WSReg.Serve(r.Context(), u.ID, conn)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *models.User {
	u := s.Auth.CurrentUser(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
	}
	return u
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidCoordinate),
		errors.Is(err, models.ErrInvalidRadius),
		errors.Is(err, models.ErrMissingDriverID):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrOfferNotFound), errors.Is(err, models.ErrTripNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOfferResolved), errors.Is(err, offer.ErrAlreadyOffered), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoDrivers), errors.Is(err, models.ErrPersistence), errors.Is(err, offer.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	var pe *models.PersistenceError
	if errors.As(err, &pe) {
		msg = "storage unavailable: " + pe.Op
	}
	if status >= http.StatusInternalServerError {
		s.log(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": msg})
}
