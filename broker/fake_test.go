package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/rtstream/core"
)

// fakeBinding one queue binding recorded by fakeBroker
type fakeBinding struct {
	queue    string
	key      string
	exchange string
}

// fakeBroker in-memory BrokerDriver
type fakeBroker struct {
	lock        sync.Mutex
	dials       int
	dialErr     error
	dialGate    chan struct{}
	exchangeErr error
	queueErr    error
	bindErr     error
	consumeErr  error
	exchanges   map[string]string
	queues      map[string]bool
	bindings    []fakeBinding
	consumers   map[string]string
	connections []*fakeConnection
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: map[string]string{},
		queues:    map[string]bool{},
		consumers: map[string]string{},
	}
}

func (b *fakeBroker) Dial(ctx context.Context) (core.BrokerConnection, error) {
	b.lock.Lock()
	gate := b.dialGate
	b.dials++
	b.lock.Unlock()
	if gate != nil {
		<-gate
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConnection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

func (b *fakeBroker) lastConnection() *fakeConnection {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.connections) == 0 {
		return nil
	}
	return b.connections[len(b.connections)-1]
}

// fakeConnection in-memory BrokerConnection
type fakeConnection struct {
	broker     *fakeBroker
	lock       sync.Mutex
	closed     bool
	closeCalls int
	onClose    func(error)
	channel    *fakeChannel
}

func (c *fakeConnection) Channel() (core.BrokerChannel, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}
	c.channel = &fakeChannel{conn: c}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(handler func(err error)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onClose = handler
}

func (c *fakeConnection) Close() error {
	return c.terminate(nil)
}

// terminate close the connection, as requested by the client (nil) or the broker
func (c *fakeConnection) terminate(reason error) error {
	c.lock.Lock()
	c.closeCalls++
	if c.closed {
		c.lock.Unlock()
		return fmt.Errorf("connection already closed")
	}
	c.closed = true
	handler := c.onClose
	channel := c.channel
	c.lock.Unlock()
	if channel != nil {
		_ = channel.terminate(reason)
	}
	if handler != nil {
		handler(reason)
	}
	return nil
}

func (c *fakeConnection) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// fakeChannel in-memory BrokerChannel
type fakeChannel struct {
	conn     *fakeConnection
	lock     sync.Mutex
	closed   bool
	onClose  func(error)
	onCancel func(string)
	deliver  func(core.Delivery)
	acks     []uint64
}

func (ch *fakeChannel) NotifyClose(handler func(err error)) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	ch.onClose = handler
}

func (ch *fakeChannel) NotifyCancel(handler func(consumerTag string)) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	ch.onCancel = handler
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string) error {
	b := ch.conn.broker
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.exchangeErr != nil {
		return b.exchangeErr
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s already declared as %s", name, existing)
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, exclusive bool) (string, error) {
	b := ch.conn.broker
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.queueErr != nil {
		return "", b.queueErr
	}
	b.queues[name] = exclusive
	return name, nil
}

func (ch *fakeChannel) QueueBind(queue, key, exchange string) error {
	b := ch.conn.broker
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.bindErr != nil {
		return b.bindErr
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %s", exchange)
	}
	b.bindings = append(b.bindings, fakeBinding{queue: queue, key: key, exchange: exchange})
	return nil
}

func (ch *fakeChannel) Consume(queue, consumerTag string, handler func(core.Delivery)) error {
	b := ch.conn.broker
	b.lock.Lock()
	if b.consumeErr != nil {
		b.lock.Unlock()
		return b.consumeErr
	}
	b.consumers[consumerTag] = queue
	b.lock.Unlock()
	ch.lock.Lock()
	defer ch.lock.Unlock()
	ch.deliver = handler
	return nil
}

func (ch *fakeChannel) Ack(tag uint64) error {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.closed {
		return fmt.Errorf("channel closed")
	}
	ch.acks = append(ch.acks, tag)
	return nil
}

func (ch *fakeChannel) Close() error {
	return ch.terminate(nil)
}

func (ch *fakeChannel) terminate(reason error) error {
	ch.lock.Lock()
	if ch.closed {
		ch.lock.Unlock()
		return fmt.Errorf("channel already closed")
	}
	ch.closed = true
	handler := ch.onClose
	ch.lock.Unlock()
	if handler != nil {
		handler(reason)
	}
	return nil
}

// push deliver a message as the broker would
func (ch *fakeChannel) push(tag uint64, body []byte) {
	ch.lock.Lock()
	deliver := ch.deliver
	ch.lock.Unlock()
	deliver(core.Delivery{Tag: tag, Body: body})
}

// cancel cancel the consumer as the broker would
func (ch *fakeChannel) cancel(tag string) {
	ch.lock.Lock()
	handler := ch.onCancel
	ch.lock.Unlock()
	handler(tag)
}

func (ch *fakeChannel) ackedTags() []uint64 {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return append([]uint64{}, ch.acks...)
}

// ==============================================================================

// testLoop stands in for the event loop. Broker work runs inline and events queue
// up until drained.
type testLoop struct {
	lock   sync.Mutex
	events []Event
}

func (l *testLoop) binding() LoopBinding {
	return LoopBinding{
		Post: func(evt Event) error {
			l.lock.Lock()
			defer l.lock.Unlock()
			l.events = append(l.events, evt)
			return nil
		},
		Spawn: func(work func()) { work() },
	}
}

func (l *testLoop) pop() (Event, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	evt := l.events[0]
	l.events = l.events[1:]
	return evt, true
}

// drain handle every queued event, returning the states observed after each one
func (l *testLoop) drain() []State {
	observed := []State{}
	for {
		evt, ok := l.pop()
		if !ok {
			return observed
		}
		_ = evt.Consumer.Handle(evt)
		observed = append(observed, evt.Consumer.State())
	}
}

// recordingTarget DeliveryTarget which records every payload
type recordingTarget struct {
	payloads [][]byte
	err      error
}

func (r *recordingTarget) Deliver(payload []byte) error {
	r.payloads = append(r.payloads, payload)
	return r.err
}

// recordingObserver CloseObserver which records every closure
type recordingObserver struct {
	causes []error
}

func (r *recordingObserver) ConsumerClosed(_ *Consumer, cause error) {
	r.causes = append(r.causes, cause)
}
