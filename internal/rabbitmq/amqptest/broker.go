// Package amqptest provides an in-memory broker implementing the channel
// and connection interfaces of package rabbitmq.
//
// Exchanges route by exact routing-key match; each bound queue receives its
// own copy of a message. Deliveries honour the channel prefetch, stay
// unacknowledged until acked, and go back to the head of their queue when
// the channel that received them closes.
package amqptest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nbittich/v3/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 256

// ErrUnreachable is returned by Dial while the broker is marked unreachable
var ErrUnreachable = errors.New("amqptest: broker unreachable")

// Broker is an in-memory stand-in for a RabbitMQ node
type Broker struct {
	mu          sync.Mutex
	exchanges   map[string]exchange
	queues      map[string]*queue
	bindings    map[string][]binding
	conns       map[*Connection]struct{}
	acked       map[string]int
	dials       int
	generated   int
	unreachable bool
	nack        bool
}

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	ready      []message
	consumers  []*consumer
	next       int
}

type message struct {
	exchange    string
	key         string
	publishing  amqp.Publishing
	redelivered bool
}

type consumer struct {
	channel    *Channel
	queue      *queue
	tag        string
	autoAck    bool
	limit      int
	unacked    int
	deliveries chan amqp.Delivery
}

type pending struct {
	consumer *consumer
	msg      message
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		conns:     make(map[*Connection]struct{}),
		acked:     make(map[string]int),
	}
}

// Dial opens a connection; it satisfies rabbitmq.Dialer
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unreachable {
		return nil, fmt.Errorf("dial %s: %w", url, ErrUnreachable)
	}
	b.dials++
	conn := &Connection{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// SetUnreachable makes subsequent dials fail
func (b *Broker) SetUnreachable(unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = unreachable
}

// RejectPublishes makes the broker nack confirmed publishes
func (b *Broker) RejectPublishes(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nack = reject
}

// Dials returns the number of successful dials
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DropConnections closes every open connection, as a broker restart would
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		b.closeConnectionLocked(conn)
	}
}

// Exchange reports whether an exchange exists and its kind
func (b *Broker) Exchange(name string) (kind string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex.kind, ok
}

// ExchangeCount returns the number of declared exchanges
func (b *Broker) ExchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

// QueueCount returns the number of declared queues
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Bindings returns the routing keys binding queue to exchange
func (b *Broker) Bindings(exchange, queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, bd := range b.bindings[exchange] {
		if bd.queue == queue {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unacknowledged messages of a queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range q.consumers {
		n += c.unacked
	}
	return n
}

// Acked returns the number of acknowledged messages of a queue
func (b *Broker) Acked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[name]
}

// Consumers returns the number of consumers attached to a queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Messages returns a copy of the bodies ready in a queue
func (b *Broker) Messages(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, append([]byte(nil), m.publishing.Body...))
	}
	return out
}

// Publish routes a raw body as if a client had published it
func (b *Broker) Publish(exchange, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchange, key, amqp.Publishing{Body: body})
}

func (b *Broker) routeLocked(exchangeName, key string, msg amqp.Publishing) error {
	var targets []*queue
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		if _, ok := b.exchanges[exchangeName]; !ok {
			return &amqp.Error{
				Code:   amqp.NotFound,
				Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName),
			}
		}
		seen := make(map[string]bool)
		for _, bd := range b.bindings[exchangeName] {
			if bd.key != key || seen[bd.queue] {
				continue
			}
			if q, ok := b.queues[bd.queue]; ok {
				seen[bd.queue] = true
				targets = append(targets, q)
			}
		}
	}

	for _, q := range targets {
		q.ready = append(q.ready, message{exchange: exchangeName, key: key, publishing: msg})
		b.dispatchLocked(q)
	}
	return nil
}

// dispatchLocked hands ready messages to consumers with spare capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.pickLocked()
		if c == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]

		ch := c.channel
		ch.deliveryTag++
		tag := ch.deliveryTag
		d := amqp.Delivery{
			Acknowledger: ch,
			Headers:      m.publishing.Headers,
			ContentType:  m.publishing.ContentType,
			DeliveryMode: m.publishing.DeliveryMode,
			MessageId:    m.publishing.MessageId,
			Timestamp:    m.publishing.Timestamp,
			AppId:        m.publishing.AppId,
			ConsumerTag:  c.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.key,
			Body:         m.publishing.Body,
		}
		if !c.autoAck {
			ch.unacked[tag] = pending{consumer: c, msg: m}
			c.unacked++
		}
		c.deliveries <- d
	}
}

func (q *queue) pickLocked() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		idx := (q.next + i) % len(q.consumers)
		c := q.consumers[idx]
		if c.hasCapacity() {
			q.next = (idx + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (c *consumer) hasCapacity() bool {
	if len(c.deliveries) >= cap(c.deliveries) {
		return false
	}
	if c.autoAck {
		return true
	}
	return c.unacked < c.limit
}

func (b *Broker) closeConnectionLocked(conn *Connection) {
	if conn.closed {
		return
	}
	conn.closed = true
	for ch := range conn.channels {
		b.closeChannelLocked(ch)
	}
	delete(b.conns, conn)
}

func (b *Broker) closeChannelLocked(ch *Channel) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	for _, c := range ch.consumers {
		q := c.queue
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.next >= len(q.consumers) {
			q.next = 0
		}
		close(c.deliveries)
	}
	ch.consumers = nil

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	requeued := make(map[*queue][]message)
	var order []*queue
	for _, tag := range tags {
		p := ch.unacked[tag]
		q := p.consumer.queue
		if _, ok := requeued[q]; !ok {
			order = append(order, q)
		}
		m := p.msg
		m.redelivered = true
		requeued[q] = append(requeued[q], m)
	}
	ch.unacked = make(map[uint64]pending)

	for _, q := range order {
		q.ready = append(requeued[q], q.ready...)
		b.dispatchLocked(q)
	}

	for _, n := range ch.notify {
		close(n)
	}
	ch.notify = nil
}

// Connection is an in-memory broker connection
type Connection struct {
	broker   *Broker
	closed   bool
	channels map[*Channel]struct{}
}

// Channel opens a new channel on the connection
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:  b,
		conn:    c,
		unacked: make(map[uint64]pending),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// IsClosed reports whether the connection was closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.broker.closeConnectionLocked(c)
	return nil
}

// Channel is an in-memory broker channel
type Channel struct {
	broker      *Broker
	conn        *Connection
	closed      bool
	confirm     bool
	publishSeq  uint64
	notify      []chan amqp.Confirmation
	prefetch    int
	deliveryTag uint64
	unacked     map[uint64]pending
	consumers   []*consumer
}

var _ rabbitmq.Channel = (*Channel)(nil)

// failLocked closes the channel with a broker exception, as RabbitMQ does
func (ch *Channel) failLocked(code int, reason string) error {
	ch.broker.closeChannelLocked(ch)
	return &amqp.Error{Code: code, Reason: reason, Server: true}
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable || existing.autoDelete != autoDelete {
			return ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s' in vhost '/'", name))
		}
		return nil
	}
	b.exchanges[name] = exchange{kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s' in vhost '/'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}
	b.queues[name] = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.failLocked(amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	for _, bd := range b.bindings[exchangeName] {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	b.bindings[exchangeName] = append(b.bindings[exchangeName], binding{queue: name, key: key})
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}

	limit := ch.prefetch
	if limit <= 0 || limit > deliveryBuffer {
		limit = deliveryBuffer
	}
	c := &consumer{
		channel:    ch,
		queue:      q,
		tag:        tag,
		autoAck:    autoAck,
		limit:      limit,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked(q)
	return c.deliveries, nil
}

func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.notify = append(ch.notify, confirm)
	return confirm
}

// PublishWithContext routes msg. Publishing to a missing exchange closes
// the channel asynchronously in RabbitMQ, so the error is reported through
// the closed confirmation stream rather than the return value.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.routeLocked(exchangeName, key, msg); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			_ = ch.failLocked(amqpErr.Code, amqpErr.Reason)
			return nil
		}
		return err
	}

	if ch.confirm {
		ch.publishSeq++
		confirmation := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: !b.nack}
		for _, n := range ch.notify {
			select {
			case n <- confirmation:
			default:
			}
		}
	}
	return nil
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.broker.closeChannelLocked(ch)
	return nil
}

// Ack acknowledges a delivery; it implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p pending) {
		b.acked[p.consumer.queue.name]++
	})
}

// Nack negatively acknowledges deliveries; it implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p pending) {
		if requeue {
			m := p.msg
			m.redelivered = true
			q := p.consumer.queue
			q.ready = append([]message{m}, q.ready...)
		}
	})
}

// Reject rejects a single delivery; it implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*Broker, pending)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		}
		tags = []uint64{tag}
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.unacked--
		apply(b, p)
		touched[p.consumer.queue] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	return nil
}
