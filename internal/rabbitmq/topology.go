package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares the exchange of an application domain and the
// per-subscriber queues bound to it. Every declaration is idempotent.
type TopologyManager struct {
	pool   *Pool
	logger *slog.Logger
}

// TopologyOption configures the topology manager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *Pool, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// QueueName derives the private queue of an application for a routing key
func QueueName(applicationName, routingKey string) string {
	return fmt.Sprintf("%s_%s", applicationName, routingKey)
}

// DeclareExchange declares a durable topic exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, name string) error {
	lease, err := tm.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := DeclareExchangeOn(lease.Channel(), name); err != nil {
		return err
	}
	tm.logger.Debug("declared exchange", "exchange", name)
	return nil
}

// DeclareQueueAndBind declares the queue of applicationName for routingKey
// and binds it to exchange. It returns the queue name.
func (tm *TopologyManager) DeclareQueueAndBind(ctx context.Context, exchange, applicationName, routingKey string) (string, error) {
	lease, err := tm.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	queue, err := DeclareQueueAndBindOn(lease.Channel(), exchange, applicationName, routingKey)
	if err != nil {
		return "", err
	}
	tm.logger.Debug("declared queue",
		"queue", queue,
		"exchange", exchange,
		"routingKey", routingKey,
	)
	return queue, nil
}

// InspectQueue returns the broker's view of an existing queue
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	lease, err := tm.pool.Acquire(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	defer lease.Release()

	q, err := lease.Channel().QueueDeclarePassive(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", name, "inspect", err)
	}
	return q, nil
}

// DeclareExchangeOn declares a durable topic exchange on ch
func DeclareExchangeOn(ch Channel, name string) error {
	if name == "" {
		return topologyError("exchange", name, "declare", ErrEmptyName)
	}
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return topologyError("exchange", name, "declare", err)
	}
	return nil
}

// DeclareQueueAndBindOn declares and binds a subscriber queue on ch
func DeclareQueueAndBindOn(ch Channel, exchange, applicationName, routingKey string) (string, error) {
	if applicationName == "" {
		return "", topologyError("queue", "", "declare", fmt.Errorf("%w: application name", ErrEmptyName))
	}
	if routingKey == "" {
		return "", topologyError("binding", exchange, "declare", ErrEmptyRoutingKey)
	}

	queue := QueueName(applicationName, routingKey)
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", topologyError("queue", queue, "declare", err)
	}

	err = ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", topologyError("binding", fmt.Sprintf("%s->%s[%s]", exchange, queue, routingKey), "declare", err)
	}
	return queue, nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
