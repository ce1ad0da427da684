// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel interfaces for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
)

// Published is a message accepted by the fake broker
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Broker routes nothing: published messages are recorded and handed to the
// OnPublish hook, and tests push deliveries to consumers with Deliver.
type Broker struct {
	mu sync.Mutex

	dials      int
	dialErrs   []error
	conns      []*Conn
	published  []Published
	publishErr error
	declareErr error
	onPublish  func(Published)

	queueSeq  int
	consumers map[string]chan amqp.Delivery // queue -> active consumer stream
	owners    map[string]*Chan              // queue -> channel consuming it
	declared  map[string]int                // exchange/queue name -> declare count
	queues    map[string]QueueState         // named queue -> first declaration
	acks      map[uint64]string             // delivery tag -> "ack" | "nack"
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		consumers: make(map[string]chan amqp.Delivery),
		owners:    make(map[string]*Chan),
		declared:  make(map[string]int),
		queues:    make(map[string]QueueState),
		acks:      make(map[uint64]string),
	}
}

// QueueState is how a named queue was first declared
type QueueState struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next n dials fail with err
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns every connection handed out so far
func (b *Broker) Connections() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// Published returns the accepted messages in publish order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// SetPublishError makes every publish fail with err; nil restores success
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// SetDeclareError makes every exchange declaration fail with err
func (b *Broker) SetDeclareError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// OnPublish registers a hook run after each accepted publish
func (b *Broker) OnPublish(fn func(Published)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Declared returns how many times name was declared
func (b *Broker) Declared(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declared[name]
}

// Queue returns how the named queue exists on the broker
func (b *Broker) Queue(name string) (QueueState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

// Channels returns the channels opened on every connection
func (b *Broker) Channels() []*Chan {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Chan
	for _, c := range b.conns {
		out = append(out, c.channels...)
	}
	return out
}

// Acks returns the acknowledgment recorded for a delivery tag
func (b *Broker) Acks(tag uint64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[tag]
}

// Deliver pushes d to the consumer of queue. It reports false when nobody
// consumes the queue. Deliveries without an Acknowledger are acknowledged
// through the consuming channel.
func (b *Broker) Deliver(queue string, d amqp.Delivery) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.consumers[queue]
	if !ok {
		return false
	}
	if d.Acknowledger == nil {
		d.Acknowledger = b.owners[queue]
	}
	select {
	case stream <- d:
		return true
	default:
		return false
	}
}

// Reply delivers body to replyTo with the given correlation id
func (b *Broker) Reply(replyTo, correlationID string, body []byte) bool {
	return b.Deliver(replyTo, amqp.Delivery{
		CorrelationId: correlationID,
		Body:          body,
	})
}

// CancelConsumer ends the consumer of queue from the broker side, as when
// the queue is deleted, leaving its channel open. It reports false when
// nobody consumes the queue.
func (b *Broker) CancelConsumer(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.consumers[queue]
	if !ok {
		return false
	}
	if owner := b.owners[queue]; owner != nil {
		for tag, q := range owner.consumers {
			if q == queue {
				delete(owner.consumers, tag)
			}
		}
	}
	delete(b.consumers, queue)
	delete(b.owners, queue)
	close(stream)
	return true
}

// Consuming reports whether queue has an active consumer
func (b *Broker) Consuming(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.consumers[queue]
	return ok
}

// Conn is a fake connection
type Conn struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp.Error
	channels []*Chan
}

// Channel opens a fake channel
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{conn: c, consumers: make(map[string]string)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a receiver for the connection close
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// Drop simulates the broker closing the connection with cause
func (c *Conn) Drop(cause *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if !c.closed {
		c.shutdownLocked(cause)
	}
}

func (c *Conn) shutdownLocked(cause *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked(cause)
		}
	}
	for _, n := range c.notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	c.notify = nil
}

// Chan is a fake channel
type Chan struct {
	conn      *Conn
	closed    bool
	notify    []chan *amqp.Error
	consumers map[string]string // tag -> queue
	prefetch  int
}

// ExchangeDeclare records the declaration
func (ch *Chan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared[name]++
	return nil
}

// QueueDeclare records the declaration; an empty name gets a generated one
func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}
	want := QueueState{Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive}
	if have, ok := b.queues[name]; ok && have != want {
		// the broker closes the channel an inequivalent declaration arrives on
		cause := &amqp.Error{
			Code:    amqp.PreconditionFailed,
			Reason:  fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
			Server:  true,
			Recover: false,
		}
		ch.shutdownLocked(cause)
		return amqp.Queue{}, cause
	} else if !ok {
		b.queues[name] = want
	}
	b.declared[name]++
	return amqp.Queue{Name: name}, nil
}

// QueueBind accepts every binding
func (ch *Chan) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Qos records the prefetch count
func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// PublishWithContext records msg and runs the OnPublish hook
func (ch *Chan) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	p := Published{Exchange: exchange, Key: key, Msg: msg}
	b.published = append(b.published, p)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

// Consume starts a consumer stream on queue
func (ch *Chan) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, busy := b.consumers[queue]; busy {
		return nil, errors.New("rabbitmqtest: queue already has a consumer")
	}
	stream := make(chan amqp.Delivery, 64)
	b.consumers[queue] = stream
	ch.consumers[consumer] = queue
	b.owners[queue] = ch
	return stream, nil
}

// Cancel stops the consumer with the given tag
func (ch *Chan) Cancel(consumer string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := ch.consumers[consumer]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumer)
	if stream, ok := b.consumers[queue]; ok {
		delete(b.consumers, queue)
		delete(b.owners, queue)
		close(stream)
	}
	return nil
}

// NotifyClose registers a receiver for the channel close
func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Chan) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel gracefully
func (ch *Chan) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// Drop simulates the broker closing the channel with cause
func (ch *Chan) Drop(cause *amqp.Error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ch.closed {
		ch.shutdownLocked(cause)
	}
}

func (ch *Chan) shutdownLocked(cause *amqp.Error) {
	b := ch.conn.broker
	ch.closed = true
	for tag, queue := range ch.consumers {
		if stream, ok := b.consumers[queue]; ok {
			delete(b.consumers, queue)
			delete(b.owners, queue)
			close(stream)
		}
		delete(ch.consumers, tag)
	}
	for _, n := range ch.notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	ch.notify = nil
}

// Ack implements amqp.Acknowledger
func (ch *Chan) Ack(tag uint64, multiple bool) error {
	return ch.record(tag, "ack")
}

// Nack implements amqp.Acknowledger
func (ch *Chan) Nack(tag uint64, multiple, requeue bool) error {
	return ch.record(tag, "nack")
}

// Reject implements amqp.Acknowledger
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.record(tag, "reject")
}

func (ch *Chan) record(tag uint64, outcome string) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[tag] = outcome
	return nil
}

var (
	_ rabbitmq.Connection = (*Conn)(nil)
	_ rabbitmq.Channel    = (*Chan)(nil)
	_ amqp.Acknowledger   = (*Chan)(nil)
)
