// Package rabbitmq is the broker-facing half of the messenger.
//
// This package includes:
//   - Pool: bounded pool of lazily dialed connections, one exclusive lease per operation
//   - TopologyManager: durable topic exchange and per-application queue declarations
//   - Publisher: envelope publishing with publisher confirms
//   - Consumer: subscriptions and the acknowledge-on-success consume loop
//
// Every fallible operation returns a typed error (ConnectionError,
// TopologyError, PublishError, ConsumerError, HandlerError, AckError) that
// wraps the underlying cause. Nothing here retries; callers decide whether
// to restart a failed subscription.
package rabbitmq
