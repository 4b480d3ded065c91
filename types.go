package messenger

import (
	"context"
	"fmt"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/rabbitmq"
)

type (
	// Envelope is the unit exchanged on the broker
	Envelope = contracts.Envelope
	// Confirmation is the broker answer to a publish
	Confirmation = rabbitmq.Confirmation
	// Handler processes one delivery; a nil return acknowledges it
	Handler = rabbitmq.EnvelopeHandler
	// Subscription is an active consumer on an application queue
	Subscription = rabbitmq.Subscription
	// ConsumeOption configures a consume loop
	ConsumeOption = rabbitmq.ConsumeOption
	// StopCondition decides when a consume loop ends
	StopCondition = rabbitmq.StopCondition
)

const (
	Acknowledged = rabbitmq.Acknowledged
	Rejected     = rabbitmq.Rejected
)

// Consume options
var (
	WithCloseAfter = rabbitmq.WithCloseAfter
	WithStopWhen   = rabbitmq.WithStopWhen
	WithPrefetch   = rabbitmq.WithPrefetch
)

// Errors
type (
	ConnectionError    = rabbitmq.ConnectionError
	TopologyError      = rabbitmq.TopologyError
	PublishError       = rabbitmq.PublishError
	ConsumerError      = rabbitmq.ConsumerError
	HandlerError       = rabbitmq.HandlerError
	AckError           = rabbitmq.AckError
	SerializationError = contracts.SerializationError
	DecodeError        = contracts.DecodeError
)

var (
	ErrPoolClosed           = rabbitmq.ErrPoolClosed
	ErrCheckoutTimeout      = rabbitmq.ErrCheckoutTimeout
	ErrEmptyRoutingKey      = rabbitmq.ErrEmptyRoutingKey
	ErrConfirmStreamClosed  = rabbitmq.ErrConfirmStreamClosed
	ErrConsumerCancelled    = rabbitmq.ErrConsumerCancelled
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrMissingField         = contracts.ErrMissingField
)

// HandlePayload adapts a function taking a decoded payload of type T to a
// Handler. A payload that does not decode into T fails the delivery with a
// *DecodeError.
func HandlePayload[T any](fn func(ctx context.Context, env *Envelope, payload T) error) Handler {
	return func(ctx context.Context, env *Envelope) error {
		var payload T
		if err := env.DecodePayload(&payload); err != nil {
			return fmt.Errorf("message %s: %w", env.ID, err)
		}
		return fn(ctx, env, payload)
	}
}
