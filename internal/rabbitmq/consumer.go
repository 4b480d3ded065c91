package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPrefetchCount is the QoS prefetch of a subscription
const DefaultPrefetchCount = 10

// EnvelopeHandler processes one decoded delivery. A nil return acknowledges
// the delivery.
type EnvelopeHandler func(ctx context.Context, env *contracts.Envelope) error

// StopCondition is evaluated after every acknowledged delivery with the
// number of deliveries acknowledged so far. Returning true ends the loop.
type StopCondition func(processed int) bool

// ConsumeOption configures a subscription
type ConsumeOption func(*consumeConfig)

type consumeConfig struct {
	prefetch   int
	closeAfter int
	stop       StopCondition
}

// WithCloseAfter ends the loop once n deliveries were acknowledged.
// n <= 0 means run until cancelled.
func WithCloseAfter(n int) ConsumeOption {
	return func(c *consumeConfig) {
		c.closeAfter = n
	}
}

// WithStopWhen ends the loop as soon as stop returns true
func WithStopWhen(stop StopCondition) ConsumeOption {
	return func(c *consumeConfig) {
		c.stop = stop
	}
}

// WithPrefetch sets the QoS prefetch count
func WithPrefetch(count int) ConsumeOption {
	return func(c *consumeConfig) {
		c.prefetch = count
	}
}

func newConsumeConfig(options []ConsumeOption) consumeConfig {
	cfg := consumeConfig{prefetch: DefaultPrefetchCount}
	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.closeAfter > 0 {
		n := cfg.closeAfter
		if cfg.prefetch <= 0 || cfg.prefetch > n {
			cfg.prefetch = n
		}
		stop := cfg.stop
		cfg.stop = func(processed int) bool {
			return processed >= n || (stop != nil && stop(processed))
		}
	}
	if cfg.stop == nil {
		cfg.stop = func(int) bool { return false }
	}
	return cfg
}

// Consumer opens subscriptions on dedicated pooled connections
type Consumer struct {
	pool   *Pool
	logger *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *Pool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:   pool,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe declares the queue of applicationName for routingKey, binds it
// to exchange and starts consuming from it with manual acknowledgment. The
// returned subscription owns its connection until Run returns or Close is
// called.
func (c *Consumer) Subscribe(ctx context.Context, exchange, applicationName, routingKey string, options ...ConsumeOption) (*Subscription, error) {
	cfg := newConsumeConfig(options)

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	ch := lease.Channel()
	queue, err := DeclareQueueAndBindOn(ch, exchange, applicationName, routingKey)
	if err != nil {
		lease.Release()
		return nil, err
	}

	if cfg.prefetch > 0 {
		if err := ch.Qos(cfg.prefetch, 0, false); err != nil {
			lease.Release()
			return nil, c.consumerError(queue, applicationName, "qos", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		applicationName, // consumer tag
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,
	)
	if err != nil {
		lease.Release()
		return nil, c.consumerError(queue, applicationName, "consume", err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"exchange", exchange,
		"routingKey", routingKey,
		"consumerTag", applicationName,
		"prefetchCount", cfg.prefetch,
	)

	return &Subscription{
		Queue:       queue,
		ConsumerTag: applicationName,
		lease:       lease,
		deliveries:  deliveries,
		stop:        cfg.stop,
		logger:      c.logger,
	}, nil
}

func (c *Consumer) consumerError(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Subscription is an active consumer on one queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	lease      *Lease
	deliveries <-chan amqp.Delivery
	stop       StopCondition
	logger     *slog.Logger
	closeOnce  sync.Once
}

// Deliveries exposes the raw delivery stream for callers acknowledging
// deliveries themselves. It must not be mixed with Run.
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Close releases the subscription channel. Unacknowledged deliveries go
// back to the queue.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.lease.Release()
	})
}

// Run drives handler for every delivery until the stop condition holds,
// ctx is cancelled, or a delivery fails. Failed deliveries are never
// acknowledged. Handlers always run to completion; cancellation is only
// observed between deliveries. The subscription is closed when Run returns.
func (s *Subscription) Run(ctx context.Context, handler EnvelopeHandler) error {
	defer s.Close()
	metrics.ConsumerStarted()
	defer metrics.ConsumerStopped()

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case delivery, ok := <-s.deliveries:
			if !ok {
				return &ConsumerError{
					Queue:       s.Queue,
					ConsumerTag: s.ConsumerTag,
					Op:          "receive",
					Err:         ErrConsumerCancelled,
					Timestamp:   time.Now(),
				}
			}

			if err := s.process(ctx, delivery, handler); err != nil {
				return err
			}
			processed++

			if s.stop(processed) {
				s.logger.Debug("consume loop finished",
					"queue", s.Queue,
					"processed", processed,
				)
				return nil
			}
		}
	}
}

// process decodes, dispatches and acknowledges a single delivery
func (s *Subscription) process(ctx context.Context, delivery amqp.Delivery, handler EnvelopeHandler) error {
	env, err := contracts.DecodeEnvelope(delivery.Body)
	if err != nil {
		metrics.RecordConsume(s.Queue, metrics.ResultDecodeError)
		return fmt.Errorf("queue %s delivery %d: %w", s.Queue, delivery.DeliveryTag, err)
	}

	if err := handler(context.WithoutCancel(ctx), env); err != nil {
		metrics.RecordConsume(s.Queue, metrics.ResultHandlerError)
		return &HandlerError{Queue: s.Queue, MessageID: env.ID, Err: err}
	}

	if err := delivery.Ack(false); err != nil {
		metrics.RecordConsume(s.Queue, metrics.ResultAckError)
		return &AckError{Queue: s.Queue, DeliveryTag: delivery.DeliveryTag, Err: err}
	}

	metrics.RecordConsume(s.Queue, metrics.ResultAcked)
	return nil
}
