// Package notify publishes wallet sync outcomes to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/evetrade/ledger-engine/internal/reconcile"
)

// DefaultExchange is the topic exchange sync events are published to.
const DefaultExchange = "evetrade.sync"

// SyncEvent is the message body. The routing key is "sync.<status>".
type SyncEvent struct {
	EventType          string    `json:"event_type"`
	Timestamp          time.Time `json:"timestamp"`
	PrincipalID        int64     `json:"principal_id"`
	PrincipalName      string    `json:"principal_name"`
	Status             string    `json:"status"`
	Detail             string    `json:"detail"`
	NewTransactions    int       `json:"new_transactions"`
	QueuedBuys         int       `json:"queued_buys"`
	AppliedSales       int       `json:"applied_sales"`
	UnmatchedSaleUnits int64     `json:"unmatched_sale_units"`
	LastTransactionID  *int64    `json:"last_transaction_id,omitempty"`
}

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher implements reconcile.Notifier. Publish failures are
// logged and never reach the sync.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *slog.Logger
}

var _ reconcile.Notifier = (*AMQPPublisher)(nil)

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p, err := NewAMQPPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewAMQPPublisher declares exchange on ch and returns a publisher.
func NewAMQPPublisher(ch Channel, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, logger: logger}, nil
}

// NotifySync publishes o as a persistent JSON message.
func (p *AMQPPublisher) NotifySync(ctx context.Context, o *reconcile.Outcome) {
	key := "sync." + o.Status
	body, err := json.Marshal(SyncEvent{
		EventType:          key,
		Timestamp:          time.Now().UTC(),
		PrincipalID:        o.PrincipalID,
		PrincipalName:      o.PrincipalName,
		Status:             o.Status,
		Detail:             o.Detail,
		NewTransactions:    o.NewTransactions,
		QueuedBuys:         o.QueuedBuys,
		AppliedSales:       o.AppliedSales,
		UnmatchedSaleUnits: o.UnmatchedSaleUnits,
		LastTransactionID:  o.LastTransactionID,
	})
	if err != nil {
		p.logger.Error("marshal sync event", "principal", o.PrincipalID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("publish sync event", "principal", o.PrincipalID, "routing_key", key, "err", err)
	}
}

// Close closes the channel and, when dialled, the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
