// Copyright 2024 Messenger Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/config"
	"github.com/nbittich/v3/internal/rabbitmq"
)

// Messenger publishes and consumes envelopes on the exchange of one domain
// on behalf of one application
type Messenger struct {
	exchange        string
	applicationName string
	pool            *rabbitmq.Pool
	topology        *rabbitmq.TopologyManager
	publisher       *rabbitmq.Publisher
	consumer        *rabbitmq.Consumer
	logger          *slog.Logger
}

// New connects applicationName to exchange. The exchange is declared before
// New returns; queues are declared by Subscribe.
func New(ctx context.Context, exchange, applicationName string, options ...Option) (*Messenger, error) {
	if exchange == "" || applicationName == "" {
		return nil, fmt.Errorf("%w: exchange and application name are required", ErrInvalidConfiguration)
	}

	cfg := &messengerConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	poolOpts := []rabbitmq.PoolOption{rabbitmq.WithPoolLogger(cfg.logger)}
	url := cfg.brokerURL
	if url == "" {
		broker, err := config.LoadBroker()
		if err != nil {
			return nil, fmt.Errorf("failed to load broker configuration: %w", err)
		}
		url = broker.URL()
		poolOpts = append(poolOpts, broker.PoolOptions()...)
	}
	if cfg.dialer != nil {
		poolOpts = append(poolOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	poolOpts = append(poolOpts, cfg.poolOptions...)

	pool, err := rabbitmq.NewPool(url, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	m := &Messenger{
		exchange:        exchange,
		applicationName: applicationName,
		pool:            pool,
		topology:        rabbitmq.NewTopologyManager(pool, rabbitmq.WithTopologyLogger(cfg.logger)),
		publisher:       rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(cfg.logger)),
		consumer:        rabbitmq.NewConsumer(pool, rabbitmq.WithConsumerLogger(cfg.logger)),
		logger:          cfg.logger,
	}

	if err := m.topology.DeclareExchange(ctx, exchange); err != nil {
		_ = pool.Close()
		return nil, err
	}

	cfg.logger.Info("messenger ready",
		"exchange", exchange,
		"application", applicationName,
		"broker", pool.URL(),
	)
	return m, nil
}

// Publish wraps payload in an envelope sent by this application and
// publishes it under routingKey. It returns once the broker confirmed or
// rejected the message.
func (m *Messenger) Publish(ctx context.Context, routingKey string, payload any) (Confirmation, error) {
	if routingKey == "" {
		return 0, &PublishError{
			Exchange:   m.exchange,
			RoutingKey: routingKey,
			Err:        ErrEmptyRoutingKey,
			Timestamp:  time.Now(),
		}
	}

	env, err := contracts.NewEnvelope(m.applicationName, payload)
	if err != nil {
		return 0, err
	}

	confirmation, err := m.publisher.Publish(ctx, m.exchange, routingKey, env)
	if err != nil {
		return 0, err
	}

	m.logger.Debug("published envelope",
		"exchange", m.exchange,
		"routingKey", routingKey,
		"messageId", env.ID,
		"confirmation", confirmation.String(),
	)
	return confirmation, nil
}

// Subscribe declares this application's queue for routingKey and starts
// consuming from it. Most callers want ConsumeAndAck instead.
func (m *Messenger) Subscribe(ctx context.Context, routingKey string, options ...ConsumeOption) (*Subscription, error) {
	return m.consumer.Subscribe(ctx, m.exchange, m.applicationName, routingKey, options...)
}

// ConsumeAndAck runs handler over the deliveries of routingKey, acknowledging
// each delivery the handler accepted, until a stop option holds, ctx is
// cancelled or a delivery fails. Reaching a stop condition returns nil.
func (m *Messenger) ConsumeAndAck(ctx context.Context, routingKey string, handler Handler, options ...ConsumeOption) error {
	sub, err := m.Subscribe(ctx, routingKey, options...)
	if err != nil {
		return err
	}
	return sub.Run(ctx, handler)
}

// Exchange returns the exchange this messenger publishes to
func (m *Messenger) Exchange() string {
	return m.exchange
}

// ApplicationName returns the sender name stamped on published envelopes
func (m *Messenger) ApplicationName() string {
	return m.applicationName
}

// Pool returns the underlying connection pool
func (m *Messenger) Pool() *rabbitmq.Pool {
	return m.pool
}

// Topology returns the topology manager
func (m *Messenger) Topology() *rabbitmq.TopologyManager {
	return m.topology
}

// Close closes the connection pool. Running subscriptions keep their
// connection until they return.
func (m *Messenger) Close() error {
	return m.pool.Close()
}

// messengerConfig holds messenger configuration
type messengerConfig struct {
	logger      *slog.Logger
	brokerURL   string
	dialer      rabbitmq.Dialer
	poolOptions []rabbitmq.PoolOption
}

// Option configures the messenger
type Option func(*messengerConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *messengerConfig) {
		cfg.logger = logger
	}
}

// WithBrokerURL connects to url instead of the AMQP_HOST/AMQP_PORT broker
func WithBrokerURL(url string) Option {
	return func(cfg *messengerConfig) {
		cfg.brokerURL = url
	}
}

// WithDialer replaces the amqp dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(cfg *messengerConfig) {
		cfg.dialer = dial
	}
}

// WithPoolOptions tunes the connection pool
func WithPoolOptions(options ...rabbitmq.PoolOption) Option {
	return func(cfg *messengerConfig) {
		cfg.poolOptions = append(cfg.poolOptions, options...)
	}
}
