// Package messenger is a typed messaging layer over RabbitMQ.
//
// Each domain owns one durable topic exchange. An application publishes
// JSON payloads wrapped in an Envelope under a routing key, and subscribes
// through its own durable queue named "{application}_{routingKey}", so every
// subscribing application receives its own copy of each message.
//
// Basic usage:
//
//	m, err := messenger.New(ctx, "user", "user-service")
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	confirmation, err := m.Publish(ctx, "user.created", event)
//
//	err = m.ConsumeAndAck(ctx, "user.create", handler, messenger.WithCloseAfter(10))
//
// A delivery is acknowledged only after its handler returned nil. A delivery
// that fails to decode, or whose handler fails, stops the loop and goes back
// to the queue when the subscription closes. Restarting the loop is left to
// the caller.
package messenger
