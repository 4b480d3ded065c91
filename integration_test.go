//go:build integration
// +build integration

package messenger_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	messenger "github.com/nbittich/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOopsScenarioIntegration runs the wesh/wesh2 exchange against a real
// RabbitMQ located by AMQP_HOST and AMQP_PORT
func TestOopsScenarioIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("AMQP_HOST") == "" {
		t.Setenv("AMQP_HOST", "127.0.0.1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exchange := fmt.Sprintf("it-%d", time.Now().UnixNano())
	sender, err := messenger.New(ctx, exchange, "wesh")
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := messenger.New(ctx, exchange, "wesh2")
	require.NoError(t, err)
	defer receiver.Close()

	sub, err := receiver.Subscribe(ctx, "oops", messenger.WithCloseAfter(1))
	require.NoError(t, err)

	want := person{Nickname: "nickk", Roles: []string{"user", "admin"}}
	confirmation, err := sender.Publish(ctx, "oops", want)
	require.NoError(t, err)
	require.Equal(t, messenger.Acknowledged, confirmation)

	err = sub.Run(ctx, messenger.HandlePayload(func(_ context.Context, env *messenger.Envelope, got person) error {
		assert.Equal(t, "wesh", env.Sender)
		assert.Equal(t, want, got)
		return nil
	}))
	require.NoError(t, err)
}
