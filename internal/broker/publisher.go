package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange carrying mirror change events; routing key is
	// cw.<entity>.<created|updated|deleted> so consumers can bind narrowly
	ExchangeChanges = "cwmirror.topic"

	confirmTimeout = 10 * time.Second
)

// ChangePublisher pushes mirror change events to RabbitMQ with Publisher
// Confirms, so an accepted event is known to be on the broker's disk
type ChangePublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewChangePublisher connects, declares the topic exchange and enables
// Publisher Confirms
func NewChangePublisher(url string, l *slog.Logger) (*ChangePublisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		ExchangeChanges,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ChangePublisher{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)
	metrics.HealthStatus.Set(1)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.healthy.Store(false)
			metrics.HealthStatus.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-p.chanClosed:
			p.healthy.Store(false)
			metrics.HealthStatus.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-p.ctx.Done():
			return
		}
	}()

	l.Info("Connected to RabbitMQ change-event exchange", "exchange", ExchangeChanges)
	return p, nil
}

// Publish sends one change event and blocks until the broker confirms it
func (p *ChangePublisher) Publish(ctx context.Context, event models.ChangeEvent) error {
	if !p.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize change event: %w", err)
	}

	routingKey := fmt.Sprintf("cw.%s.%s", event.EntityType, event.Operation)

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeChanges,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"event_id": event.EventID,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: event not persisted")
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Hook adapts the publisher into a synchronizer post-write hook. Publish
// failures are logged, not propagated: a dropped event never rolls back a
// committed local write
func (p *ChangePublisher) Hook() func(ctx context.Context, event models.ChangeEvent) {
	return func(ctx context.Context, event models.ChangeEvent) {
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Error("Failed to publish change event",
				"event_id", event.EventID,
				"entity", event.EntityType,
				"remote_id", event.RemoteID,
				"error", err,
			)
		}
	}
}

// IsHealthy returns true if the connection and channel are active
func (p *ChangePublisher) IsHealthy() bool {
	return p.healthy.Load()
}

// Close gracefully shuts down the RabbitMQ resources
func (p *ChangePublisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating RabbitMQ change publisher")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}
