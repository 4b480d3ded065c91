package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/metrics"
	"github.com/nbittich/v3/internal/rabbitmq"
)

// Handler processes one envelope; a nil return acknowledges the delivery
type Handler = rabbitmq.EnvelopeHandler

// Interceptor wraps the processing of an envelope
type Interceptor interface {
	// Intercept processes env and calls next to continue the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.fn(ctx, env, next)
}

func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added
type Chain struct {
	interceptors []Interceptor
}

func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns final wrapped by every interceptor of the chain
func (c *Chain) Then(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		}
	}
	return handler
}

// LoggingInterceptor logs envelope processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	i.logger.Debug("processing envelope", "messageId", env.ID, "sender", env.Sender)

	err := next(ctx, env)
	if err != nil {
		i.logger.Error("envelope processing failed",
			"messageId", env.ID,
			"sender", env.Sender,
			"duration", time.Since(start),
			"error", err,
		)
		return err
	}

	i.logger.Debug("envelope processed",
		"messageId", env.ID,
		"sender", env.Sender,
		"duration", time.Since(start),
	)
	return nil
}

func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsInterceptor records handler durations under a handler label
type MetricsInterceptor struct {
	handler string
}

func NewMetricsInterceptor(handler string) *MetricsInterceptor {
	return &MetricsInterceptor{handler: handler}
}

func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	err := next(ctx, env)

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveHandler(i.handler, result, time.Since(start))
	return err
}

func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// PanicError is returned when a handler panicked
type PanicError struct {
	MessageID string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked on message %s: %v", e.MessageID, e.Value)
}

// RecoveryInterceptor turns handler panics into errors, so the delivery is
// left unacknowledged instead of crashing the process
type RecoveryInterceptor struct{}

func NewRecoveryInterceptor() *RecoveryInterceptor {
	return &RecoveryInterceptor{}
}

func (i *RecoveryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{MessageID: env.ID, Value: r, Stack: debug.Stack()}
		}
	}()
	return next(ctx, env)
}

func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds the time a handler may spend on one envelope
type TimeoutInterceptor struct {
	timeout time.Duration
}

func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next(ctx, env)
}

func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
