package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/driver-dispatch/internal/models"
)

type answer struct {
	offerID, driverID string
	accept            bool
}

type fakeResponder struct {
	mu      sync.Mutex
	answers []answer
	err     error
}

func (f *fakeResponder) Respond(_ context.Context, offerID, driverID string, accept bool) (models.RideOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer{offerID, driverID, accept})
	return models.RideOffer{ID: offerID, DriverID: driverID}, f.err
}

func (f *fakeResponder) got() []answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]answer(nil), f.answers...)
}

func dialDriver(t *testing.T, reg *WSRegistry, driverID string) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(r.Context(), driverID, conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for !reg.Connected(driverID) {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestOfferDeliveryAndDriverAnswer(t *testing.T) {
	reg := NewWSRegistry(nil)
	resp := &fakeResponder{}
	reg.SetResponder(resp)
	conn := dialDriver(t, reg, "d1")

	o := models.RideOffer{ID: "o1", DriverID: "d1", RequestID: "req-1", Fare: 99}
	if err := reg.SendOffer(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	m := readMessage(t, conn)
	if m.Type != MsgOffer || m.Offer == nil || m.Offer.ID != "o1" || m.Offer.Fare != 99 {
		t.Fatalf("unexpected message %+v", m)
	}

	reg.SendTick(o, 29*time.Second)
	if m := readMessage(t, conn); m.Type != MsgTick || m.RemainingSeconds != 29 {
		t.Fatalf("unexpected tick %+v", m)
	}

	if err := conn.WriteJSON(DriverMessage{OfferID: "o1", Action: "accept"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(resp.got()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := resp.got()
	if len(got) != 1 || got[0] != (answer{"o1", "d1", true}) {
		t.Fatalf("unexpected answers %+v", got)
	}

	o.State = models.OfferAccepted
	if err := reg.NotifyOutcome(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, conn); m.Type != MsgResolved || m.Offer.State != models.OfferAccepted {
		t.Fatalf("unexpected resolution %+v", m)
	}
}

func TestDriverAnswerErrorsAreReported(t *testing.T) {
	reg := NewWSRegistry(nil)
	reg.SetResponder(&fakeResponder{err: models.ErrOfferResolved})
	conn := dialDriver(t, reg, "d1")

	_ = conn.WriteJSON(DriverMessage{OfferID: "o1", Action: "reject"})
	if m := readMessage(t, conn); m.Type != MsgError || m.Error != models.ErrOfferResolved.Error() {
		t.Fatalf("unexpected message %+v", m)
	}
	_ = conn.WriteJSON(DriverMessage{OfferID: "o1", Action: "maybe"})
	if m := readMessage(t, conn); m.Type != MsgError {
		t.Fatalf("expected error for unknown action, got %+v", m)
	}
}

func TestSendWithoutSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	err := reg.SendOffer(context.Background(), models.RideOffer{ID: "o1", DriverID: "ghost"})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := reg.NotifyOutcome(context.Background(), models.RideOffer{DriverID: "ghost"}); err != nil {
		t.Fatalf("outcome for absent driver should be ignored, got %v", err)
	}
}

func TestOutcomePublishing(t *testing.T) {
	o := models.RideOffer{ID: "o1", RequestID: "req-1", DriverID: "d1", State: models.OfferExpired, Fare: 10}
	if key := RoutingKey(o.State); key != "offer.expired" {
		t.Fatalf("unexpected routing key %s", key)
	}
	msg, err := outcomePublishing(o)
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.MessageId != "o1" || msg.CorrelationId != "req-1" {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	var ev OutcomeEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.State != models.OfferExpired || ev.DriverID != "d1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) NotifyOutcome(context.Context, models.RideOffer) error {
	c.n++
	return c.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingNotifier{}, &countingNotifier{err: boom}
	err := Fanout{a, nil, b, LogNotifier{}}.NotifyOutcome(context.Background(), models.RideOffer{State: models.OfferRejected})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Fatalf("every notifier should be called: %d %d", a.n, b.n)
	}
}
