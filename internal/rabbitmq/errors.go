package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Pool errors
	ErrPoolClosed      = errors.New("rabbitmq: connection pool is closed")
	ErrCheckoutTimeout = errors.New("rabbitmq: connection checkout timed out")

	// Publisher errors
	ErrEmptyRoutingKey     = errors.New("rabbitmq: routing key must not be empty")
	ErrConfirmStreamClosed = errors.New("rabbitmq: confirmation stream closed before the broker answered")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrEmptyName            = errors.New("rabbitmq: name must not be empty")
)

// ConnectionError represents a failure to obtain a usable broker channel
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError represents a rejected exchange, queue or binding declaration
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish that did not reach a broker decision
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a failure to start or keep a consumer running
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned by a consume handler. The delivery
// it refers to was left unacknowledged.
type HandlerError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: message %s from queue %s: %v", e.MessageID, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// AckError represents a failed acknowledgment of a processed delivery
type AckError struct {
	Queue       string
	DeliveryTag uint64
	Err         error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("rabbitmq ack error: delivery %d on queue %s: %v", e.DeliveryTag, e.Queue, e.Err)
}

func (e *AckError) Unwrap() error {
	return e.Err
}
