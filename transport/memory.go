package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process bus with FIFO queues.
//
// It keeps a history of every published message per queue so tests can
// inspect exactly what went over the wire. Publishing to an undeclared queue
// declares it implicitly.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	tag    atomic.Uint64
	acked  atomic.Int64
	once   sync.Once
	done   chan struct{}
}

type memQueue struct {
	exclusive bool
	items     []Delivery
	history   []Message
	unacked   map[uint64]struct{}
	signal    chan struct{} // cap 1, wakes a consumer after Publish
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
}

// Channel opens a new channel on the broker.
func (b *MemoryBroker) Channel() *MemoryChannel {
	return &MemoryChannel{broker: b, done: make(chan struct{})}
}

// Close stops every consumer.
func (b *MemoryBroker) Close() {
	b.once.Do(func() { close(b.done) })
}

// Published returns a copy of every message published to queue, in order.
func (b *MemoryBroker) Published(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, len(q.history))
	copy(out, q.history)
	return out
}

// Depth returns the number of messages waiting in queue.
func (b *MemoryBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

// Acked returns the total number of acknowledged deliveries.
func (b *MemoryBroker) Acked() int64 {
	return b.acked.Load()
}

// queue returns the named queue, creating it if needed. Caller holds b.mu.
func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			unacked: make(map[uint64]struct{}),
			signal:  make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// MemoryChannel is a Channel bound to a MemoryBroker.
type MemoryChannel struct {
	broker *MemoryBroker
	once   sync.Once
	done   chan struct{}
}

var _ Channel = (*MemoryChannel)(nil)

func (c *MemoryChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.broker.closed()
	}
}

func (c *MemoryChannel) DeclareQueue(ctx context.Context, name string, exclusive bool) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	q := c.broker.queue(name)
	q.exclusive = q.exclusive || exclusive
	return name, nil
}

func (c *MemoryChannel) Publish(ctx context.Context, queue string, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy headers so later mutation by the publisher can't leak in
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	msg.Headers = headers

	c.broker.mu.Lock()
	q := c.broker.queue(queue)
	q.history = append(q.history, msg)
	q.items = append(q.items, Delivery{Message: msg, Tag: c.broker.tag.Add(1)})
	c.broker.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (c *MemoryChannel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	c.broker.mu.Lock()
	q := c.broker.queue(queue)
	c.broker.mu.Unlock()

	out := make(chan Delivery)
	go c.deliverLoop(ctx, q, out)
	return out, nil
}

// deliverLoop pops messages from q in FIFO order and hands them to out.
// A message popped but not handed over is put back at the head of the queue.
func (c *MemoryChannel) deliverLoop(ctx context.Context, q *memQueue, out chan<- Delivery) {
	defer close(out)
	b := c.broker
	for {
		b.mu.Lock()
		if len(q.items) == 0 {
			b.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-b.done:
				return
			}
		}
		d := q.items[0]
		q.items = q.items[1:]
		q.unacked[d.Tag] = struct{}{}
		b.mu.Unlock()

		select {
		case out <- d:
		case <-ctx.Done():
			c.requeue(q, d)
			return
		case <-c.done:
			c.requeue(q, d)
			return
		case <-b.done:
			return
		}
	}
}

func (c *MemoryChannel) requeue(q *memQueue, d Delivery) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(q.unacked, d.Tag)
	q.items = append([]Delivery{d}, q.items...)
}

func (c *MemoryChannel) Ack(tag uint64) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if _, ok := q.unacked[tag]; ok {
			delete(q.unacked, tag)
			b.acked.Add(1)
			return nil
		}
	}
	return nil
}

func (c *MemoryChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
