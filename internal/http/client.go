package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/locations"
	"github.com/example/driver-dispatch/internal/models"
)

// APIError is a non-2xx answer from the dispatch API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch api: %d %s", e.Status, e.Message)
}

// Client talks to the dispatch API on behalf of one driver. It satisfies
// tracker.LocationWriter; the driver id always comes from the bearer token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Upsert(ctx context.Context, in locations.UpsertInput) (string, error) {
	body := map[string]any{"lat": in.Lat, "lng": in.Lng, "vehicle_type": in.VehicleType, "phone": in.Phone}
	var out struct {
		RecordID string `json:"record_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/drivers/location", body, &out); err != nil {
		return "", err
	}
	return out.RecordID, nil
}

func (c *Client) SetOffline(ctx context.Context, _ string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/drivers/offline", nil, nil)
}

// RespondOffer accepts or rejects an offer over HTTP.
func (c *Client) RespondOffer(ctx context.Context, offerID string, accept bool) (models.RideOffer, error) {
	action := "reject"
	if accept {
		action = "accept"
	}
	var o models.RideOffer
	err := c.do(ctx, http.MethodPost, "/api/v1/offers/"+url.PathEscape(offerID)+"/"+action, nil, &o)
	return o, err
}

// Trip fetches a trip the driver takes part in.
func (c *Client) Trip(ctx context.Context, tripID string) (models.Trip, error) {
	var t models.Trip
	err := c.do(ctx, http.MethodGet, "/api/v1/trips/"+url.PathEscape(tripID), nil, &t)
	return t, err
}

// AdvanceTrip moves the driver's trip to status.
func (c *Client) AdvanceTrip(ctx context.Context, tripID string, status models.TripStatus) (models.Trip, error) {
	var t models.Trip
	err := c.do(ctx, http.MethodPost, "/api/v1/trips/"+url.PathEscape(tripID)+"/status",
		map[string]models.TripStatus{"status": status}, &t)
	return t, err
}

// DialOffers opens the driver websocket.
func (c *Client) DialOffers(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), h)
	return conn, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return models.Persistence(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errorForStatus(method+" "+path, &APIError{Status: resp.StatusCode, Message: e.Message})
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errorForStatus maps API errors back onto the domain sentinels.
func errorForStatus(op string, e *APIError) error {
	switch {
	case e.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", models.ErrNotFound, e)
	case e.Status == http.StatusConflict && strings.HasPrefix(e.Message, models.ErrInvalidTransition.Error()):
		return fmt.Errorf("%w: %w", models.ErrInvalidTransition, e)
	case e.Status == http.StatusConflict:
		return fmt.Errorf("%w: %w", models.ErrOfferResolved, e)
	case e.Status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", models.ErrMissingDriverID, e)
	case e.Status >= 500:
		return models.Persistence(op, e)
	default:
		return e
	}
}
