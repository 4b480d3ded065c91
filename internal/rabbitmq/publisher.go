package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Confirmation is the broker's answer to a confirmed publish
type Confirmation int

const (
	// Acknowledged means the broker took responsibility for the message
	Acknowledged Confirmation = iota + 1
	// Rejected means the broker refused the message (basic.nack)
	Rejected
)

// IsAck reports whether the broker acknowledged the publish
func (c Confirmation) IsAck() bool {
	return c == Acknowledged
}

func (c Confirmation) String() string {
	switch c {
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Publisher publishes envelopes with publisher confirms
type Publisher struct {
	pool   *Pool
	logger *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *Pool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:   pool,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends env to exchange under routingKey on a channel of its own and
// waits for the broker confirmation. A nack is reported as Rejected with a
// nil error; anything preventing a broker decision is a *PublishError.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) (Confirmation, error) {
	if routingKey == "" {
		return 0, p.publishError(exchange, routingKey, ErrEmptyRoutingKey)
	}

	body, err := env.Marshal()
	if err != nil {
		metrics.RecordPublish(exchange, metrics.ResultError)
		return 0, err
	}

	lease, err := p.pool.Acquire(ctx)
	if err != nil {
		metrics.RecordPublish(exchange, metrics.ResultError)
		return 0, err
	}
	defer lease.Release()

	ch := lease.Channel()
	if err := ch.Confirm(false); err != nil {
		metrics.RecordPublish(exchange, metrics.ResultError)
		return 0, p.publishError(exchange, routingKey, err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			AppId:        env.Sender,
			Timestamp:    env.CreationDate,
			Body:         body,
		},
	)
	if err != nil {
		metrics.RecordPublish(exchange, metrics.ResultError)
		return 0, p.publishError(exchange, routingKey, err)
	}

	select {
	case confirm, ok := <-confirms:
		if !ok {
			metrics.RecordPublish(exchange, metrics.ResultError)
			return 0, p.publishError(exchange, routingKey, ErrConfirmStreamClosed)
		}
		if !confirm.Ack {
			metrics.RecordPublish(exchange, metrics.ResultRejected)
			p.logger.Debug("publish rejected by broker",
				"exchange", exchange,
				"routingKey", routingKey,
				"messageId", env.ID,
			)
			return Rejected, nil
		}
		metrics.RecordPublish(exchange, metrics.ResultAcknowledged)
		return Acknowledged, nil

	case <-ctx.Done():
		metrics.RecordPublish(exchange, metrics.ResultError)
		return 0, p.publishError(exchange, routingKey, ctx.Err())
	}
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
