package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/driver-dispatch/internal/models"
)

const DefaultExchange = "ride_topic"

// OutcomeNotifier is told how every offer ended.
type OutcomeNotifier interface {
	NotifyOutcome(ctx context.Context, o models.RideOffer) error
}

// OutcomeEvent is the body published for every resolved offer.
type OutcomeEvent struct {
	OfferID    string            `json:"offer_id"`
	RequestID  string            `json:"request_id"`
	RiderID    string            `json:"rider_id,omitempty"`
	DriverID   string            `json:"driver_id"`
	State      models.OfferState `json:"state"`
	ResolvedAt time.Time         `json:"resolved_at"`
	ETASeconds float64           `json:"eta_seconds"`
	Fare       float64           `json:"fare"`
}

// RoutingKey is offer.<state>, e.g. offer.expired.
func RoutingKey(state models.OfferState) string { return "offer." + string(state) }

func outcomePublishing(o models.RideOffer) (amqp.Publishing, error) {
	body, err := json.Marshal(OutcomeEvent{
		OfferID:    o.ID,
		RequestID:  o.RequestID,
		RiderID:    o.RiderID,
		DriverID:   o.DriverID,
		State:      o.State,
		ResolvedAt: o.ResolvedAt,
		ETASeconds: o.ETASeconds,
		Fare:       o.Fare,
	})
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     o.ID,
		CorrelationId: o.RequestID,
		Timestamp:     time.Now(),
		Body:          body,
	}, nil
}

// RabbitNotifier publishes offer outcomes to a topic exchange.
type RabbitNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func NewRabbitNotifier(url, exchange string, logger *slog.Logger) (*RabbitNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	logger.Info("rabbitmq outcome publisher ready", "exchange", exchange)
	return &RabbitNotifier{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

func (n *RabbitNotifier) NotifyOutcome(ctx context.Context, o models.RideOffer) error {
	msg, err := outcomePublishing(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(o.State), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(o.State), err)
	}
	return nil
}

func (n *RabbitNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
	}
	return n.conn.Close()
}

// LogNotifier writes outcomes to the log. It is used when no broker is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) NotifyOutcome(_ context.Context, o models.RideOffer) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("offer outcome", "routing_key", RoutingKey(o.State), "offer_id", o.ID,
		"request_id", o.RequestID, "driver_id", o.DriverID)
	return nil
}

// Fanout forwards an outcome to every notifier and returns the joined
// errors.
type Fanout []OutcomeNotifier

func (f Fanout) NotifyOutcome(ctx context.Context, o models.RideOffer) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.NotifyOutcome(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
