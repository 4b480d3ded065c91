package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nbittich/v3/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func newEnvelope(t *testing.T, sender string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(sender, map[string]string{"nickname": "wesh"})
	require.NoError(t, err)
	return env
}

func recording(name string, calls *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, env *contracts.Envelope, next Handler) error {
		*calls = append(*calls, name+":before")
		err := next(ctx, env)
		*calls = append(*calls, name+":after")
		return err
	})
}

func TestChainOrder(t *testing.T) {
	var calls []string
	chain := NewChain(recording("first", &calls)).Add(recording("second", &calls))

	handler := chain.Then(func(context.Context, *contracts.Envelope) error {
		calls = append(calls, "handler")
		return nil
	})

	require.NoError(t, handler(context.Background(), newEnvelope(t, "app")))
	assert.Equal(t, []string{
		"first:before", "second:before", "handler", "second:after", "first:after",
	}, calls)
}

func TestEmptyChainCallsHandler(t *testing.T) {
	env := newEnvelope(t, "app")
	h := &mockHandler{}
	h.On("Handle", mock.Anything, env).Return(nil).Once()

	require.NoError(t, NewChain().Then(h.Handle)(context.Background(), env))
	h.AssertExpectations(t)
}

func TestInterceptorFuncName(t *testing.T) {
	assert.Equal(t, "custom", NewInterceptorFunc("custom", nil).Name())
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	env := newEnvelope(t, "app")
	cause := errors.New("db down")

	handler := NewChain(NewLoggingInterceptor(logger)).Then(func(context.Context, *contracts.Envelope) error {
		return cause
	})

	assert.ErrorIs(t, handler(context.Background(), env), cause)
	assert.Contains(t, buf.String(), "envelope processing failed")
	assert.Contains(t, buf.String(), env.ID)
}

func TestMetricsInterceptorPassesThrough(t *testing.T) {
	cause := errors.New("boom")
	i := NewMetricsInterceptor("test")

	err := i.Intercept(context.Background(), newEnvelope(t, "app"), func(context.Context, *contracts.Envelope) error {
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "MetricsInterceptor", i.Name())
}

func TestRecoveryInterceptor(t *testing.T) {
	env := newEnvelope(t, "app")
	handler := NewChain(NewRecoveryInterceptor()).Then(func(context.Context, *contracts.Envelope) error {
		panic("nil map")
	})

	err := handler(context.Background(), env)

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, env.ID, panicErr.MessageID)
	assert.Equal(t, "nil map", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Contains(t, err.Error(), "handler panicked")
}

func TestTimeoutInterceptor(t *testing.T) {
	handler := NewChain(NewTimeoutInterceptor(10*time.Millisecond)).Then(func(ctx context.Context, _ *contracts.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := handler(context.Background(), newEnvelope(t, "app"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
