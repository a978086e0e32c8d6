// Package notify publishes committed reservation transitions to a message broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingKeyActivated = "reservation.activated"
	RoutingKeyCanceled  = "reservation.canceled"

	DefaultExchange = "meeting-credits"

	contentTypeJSON = "application/json"
)

var ErrInvalidPublisherConfig = errors.New("invalid publisher config")

// Publisher delivers applied transitions to subscribers.
type Publisher interface {
	PublishTransition(ctx context.Context, transition credits.Transition) error
	Close() error
}

// TransitionMessage is the JSON body of a transition notification.
type TransitionMessage struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Delta         int64  `json:"delta"`
	Reason        string `json:"reason"`
	Remaining     int64  `json:"remaining"`
	OccurredAt    int64  `json:"occurred_at"`
}

// NewTransitionMessage builds the message and its routing key.
func NewTransitionMessage(transition credits.Transition, occurredAt time.Time) (TransitionMessage, string, error) {
	var routingKey string
	switch transition.To {
	case credits.ReservationStatusActive:
		routingKey = RoutingKeyActivated
	case credits.ReservationStatusCanceled:
		routingKey = RoutingKeyCanceled
	default:
		return TransitionMessage{}, "", fmt.Errorf("no routing key for status %q", transition.To)
	}
	return TransitionMessage{
		ReservationID: transition.ReservationID.String(),
		UserID:        transition.UserID.String(),
		From:          transition.From.String(),
		To:            transition.To.String(),
		Delta:         transition.Delta.Int64(),
		Reason:        transition.Reason,
		Remaining:     transition.Remaining.Int64(),
		OccurredAt:    occurredAt.Unix(),
	}, routingKey, nil
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	mutex    sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	now      func() time.Time
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url string, exchange string) (*AMQPPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidPublisherConfig)
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

// PublishTransition publishes one applied transition.
func (publisher *AMQPPublisher) PublishTransition(ctx context.Context, transition credits.Transition) error {
	occurredAt := publisher.now().UTC()
	message, routingKey, err := NewTransitionMessage(transition, occurredAt)
	if err != nil {
		return err
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	return publisher.ch.PublishWithContext(ctx, publisher.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    occurredAt,
		Body:         body,
	})
}

// Close releases the channel and connection.
func (publisher *AMQPPublisher) Close() error {
	if publisher.ch != nil {
		_ = publisher.ch.Close()
	}
	if publisher.conn != nil {
		return publisher.conn.Close()
	}
	return nil
}

// Nop discards every notification.
type Nop struct{}

// PublishTransition implements Publisher.
func (Nop) PublishTransition(context.Context, credits.Transition) error {
	return nil
}

// Close implements Publisher.
func (Nop) Close() error {
	return nil
}
