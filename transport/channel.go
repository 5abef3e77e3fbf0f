// Package transport abstracts the message bus the RPC layer runs on.
//
// A Channel publishes messages to named queues and delivers inbound
// messages from a queue as a Go channel. Two implementations are provided:
//
//   - MemoryBroker / MemoryChannel: in-process FIFO queues, used by tests and
//     single-binary setups.
//   - AMQPChannel: RabbitMQ via amqp091-go.
//
// The RPC layer relies on one property of the bus: messages published by one
// publisher to one queue are delivered in publish order.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed channel or broker.
var ErrClosed = errors.New("transport: channel closed")

// ErrConnection matches any *ConnectionError via errors.Is.
var ErrConnection = &ConnectionError{}

// ConnectionError reports that the bus is unreachable or rejected our
// credentials. It is fatal at startup.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	_, ok := target.(*ConnectionError)
	return ok
}

// Message is one bus message. Headers hold the part metadata; CorrelationID
// and ReplyTo map to the broker's message properties.
type Message struct {
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
	Body          []byte
}

// Delivery is an inbound Message plus the tag needed to acknowledge it.
type Delivery struct {
	Message
	Tag uint64
}

// Channel is the bus collaborator consumed by the client and server.
type Channel interface {
	// DeclareQueue creates the queue if needed and returns its name.
	// An empty name asks the broker to generate one.
	DeclareQueue(ctx context.Context, name string, exclusive bool) (string, error)

	// Publish enqueues msg on queue. No delivery confirmation is awaited.
	Publish(ctx context.Context, queue string, msg Message) error

	// Consume starts delivering messages from queue. The returned channel is
	// closed when ctx is done or the Channel is closed. Every delivery must
	// be acknowledged with Ack.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Ack acknowledges one delivery.
	Ack(tag uint64) error

	Close() error
}
