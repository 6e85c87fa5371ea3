package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// AMQPPublisher publishes events to a durable topic exchange, using the event
// type as routing key.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *zap.Logger
	dial     func(addr string) (*amqp.Connection, error)

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher dials RabbitMQ and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	p := &AMQPPublisher{url: cleanURL, exchange: exchange, logger: logger, dial: dialAMQP}
	conn, err := p.dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	p.conn = conn
	if err := p.reopenChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func dialAMQP(addr string) (*amqp.Connection, error) {
	return amqp.DialConfig(addr, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
}

// reconnect redials when the broker dropped the connection, then opens a
// fresh channel.
func (p *AMQPPublisher) reconnect() error {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := p.dial(p.url)
		if err != nil {
			return fmt.Errorf("events: redial rabbitmq: %w", err)
		}
		p.conn = conn
		p.logger.Info("events: reconnected to rabbitmq")
	}
	return p.reopenChannel()
}

func (p *AMQPPublisher) publish(ctx context.Context, eventType string, msg amqp.Publishing) error {
	if p.channel == nil {
		return errors.New("events: no open channel")
	}
	return p.channel.PublishWithContext(ctx, p.exchange, eventType, false, false, msg)
}

func (p *AMQPPublisher) reopenChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: declare exchange %s: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

// Publish sends the event. A failed publish reconnects and retries once.
func (p *AMQPPublisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	env, err := NewEnvelope(eventType, data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         eventType,
		Timestamp:    env.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err = p.publish(ctx, eventType, msg); err != nil {
		p.logger.Warn("events: publish failed, reconnecting", zap.String("type", eventType), zap.Error(err))
		if reconnectErr := p.reconnect(); reconnectErr != nil {
			return errors.Join(err, reconnectErr)
		}
		if err = p.publish(ctx, eventType, msg); err != nil {
			return fmt.Errorf("events: publish %s: %w", eventType, err)
		}
	}

	p.logger.Debug("events: published", zap.String("type", eventType), zap.String("event_id", env.ID))
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("events: parse rabbitmq url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("events: AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Connect returns an AMQP publisher when amqpURL is set and reachable, and a
// LogPublisher otherwise, so startup never fails on the broker.
func Connect(amqpURL, exchange string, logger *zap.Logger) Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		logger.Info("events: RABBITMQ_URL not set, logging events only")
		return NewLogPublisher(logger)
	}
	p, err := NewAMQPPublisher(amqpURL, exchange, logger)
	if err != nil {
		logger.Warn("events: rabbitmq unavailable, logging events only", zap.Error(err))
		return NewLogPublisher(logger)
	}
	return p
}
