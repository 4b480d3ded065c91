package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	messenger "github.com/nbittich/v3"
	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/domain"
	"github.com/nbittich/v3/internal/rabbitmq"
	"github.com/nbittich/v3/internal/rabbitmq/amqptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "amqp://127.0.0.1:5672"

func execute(t *testing.T, broker *amqptest.Broker, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(messenger.WithBrokerURL(testURL), messenger.WithDialer(broker.Dial))

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// bindQueue declares the queue app_key on exchange and returns its name
func bindQueue(t *testing.T, broker *amqptest.Broker, exchange, app, key string) string {
	t.Helper()
	ctx := context.Background()
	pool, err := rabbitmq.NewPool(testURL, rabbitmq.WithDialer(broker.Dial))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	topology := rabbitmq.NewTopologyManager(pool)
	require.NoError(t, topology.DeclareExchange(ctx, exchange))
	queue, err := topology.DeclareQueueAndBind(ctx, exchange, app, key)
	require.NoError(t, err)
	return queue
}

func TestPublishCommand(t *testing.T) {
	t.Run("publishes an envelope", func(t *testing.T) {
		broker := amqptest.NewBroker()
		queue := bindQueue(t, broker, "user", "svc", "user.created")

		out, err := execute(t, broker, "publish", "user.created", `{"nickname":"nordine"}`, "--app", "cli")
		require.NoError(t, err)
		assert.Equal(t, "acknowledged\n", out)

		messages := broker.Messages(queue)
		require.Len(t, messages, 1)
		env, err := contracts.DecodeEnvelope(messages[0])
		require.NoError(t, err)
		assert.Equal(t, "cli", env.Sender)
		assert.JSONEq(t, `{"nickname":"nordine"}`, env.PayloadAsString())
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		broker := amqptest.NewBroker()
		_, err := execute(t, broker, "publish", "user.created", "{nope")
		assert.ErrorContains(t, err, "not valid JSON")
		assert.Zero(t, broker.Dials())
	})

	t.Run("fails when the broker rejects the message", func(t *testing.T) {
		broker := amqptest.NewBroker()
		broker.RejectPublishes(true)

		out, err := execute(t, broker, "publish", "user.created", `{}`)
		assert.ErrorContains(t, err, "did not acknowledge")
		assert.Equal(t, "rejected\n", out)
	})

	t.Run("fails when the broker is unreachable", func(t *testing.T) {
		broker := amqptest.NewBroker()
		broker.SetUnreachable(true)

		_, err := execute(t, broker, "publish", "user.created", `{}`)
		assert.ErrorIs(t, err, amqptest.ErrUnreachable)
	})
}

func TestConsumeCommand(t *testing.T) {
	broker := amqptest.NewBroker()
	queue := bindQueue(t, broker, "user", "cli", "user.created")

	for _, nickname := range []string{"wesh", "wesh2", "wesh3"} {
		env, err := contracts.NewEnvelope("user_ms", map[string]string{"nickname": nickname})
		require.NoError(t, err)
		body, err := env.Marshal()
		require.NoError(t, err)
		require.NoError(t, broker.Publish("user", "user.created", body))
	}

	out, err := execute(t, broker, "consume", "user.created", "--app", "cli", "--close-after", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var first printedEnvelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "user_ms", first.Sender)
	assert.JSONEq(t, `{"nickname":"wesh"}`, string(first.Payload))

	assert.Equal(t, 2, broker.Acked(queue))
	assert.Equal(t, 1, broker.QueueDepth(queue))
}

func TestToPrintedQuotesNonJSONPayloads(t *testing.T) {
	env := &messenger.Envelope{ID: "1", Sender: "x", Payload: []byte("plain text")}
	assert.Equal(t, `"plain text"`, string(toPrinted(env).Payload))
}

func TestCreateUserCommand(t *testing.T) {
	t.Run("sends a create user command", func(t *testing.T) {
		broker := amqptest.NewBroker()
		queue := bindQueue(t, broker, domain.UserExchange, "user_ms", domain.CreateUserCommandKey)

		out, err := execute(t, broker, "create-user",
			"--nickname", "nordine", "--email", "nordine@example.org", "--password", "secret")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(out, " acknowledged\n"), out)

		messages := broker.Messages(queue)
		require.Len(t, messages, 1)
		env, err := contracts.DecodeEnvelope(messages[0])
		require.NoError(t, err)

		var cmd domain.CreateUserCommand
		require.NoError(t, env.DecodePayload(&cmd))
		assert.Equal(t, "nordine", cmd.Nickname)
		assert.Equal(t, "secret", cmd.ConfirmPassword)
		assert.NotEmpty(t, cmd.DomainMetadata.ID)
		assert.True(t, strings.HasPrefix(out, cmd.DomainMetadata.ID.String()))
	})

	t.Run("validates before connecting", func(t *testing.T) {
		broker := amqptest.NewBroker()
		_, err := execute(t, broker, "create-user", "--nickname", "nordine", "--password", "secret")
		assert.ErrorIs(t, err, domain.ErrInvalidCommand)
		assert.Zero(t, broker.Dials())
	})
}
