// Package client implements the calling side of the RPC layer.
//
// A Client owns one exclusive reply queue and one correlation id. Many calls
// can be in flight at once: each request gets a fresh req_id, and a
// background goroutine (recvLoop) reassembles reply parts and routes each
// finished transfer to the caller waiting on that req_id.
//
//	goroutine-1 ──Call(req=a)──┐
//	goroutine-2 ──Call(req=b)──┼──→ request queue ──→ Server
//	goroutine-3 ──Call(req=c)──┘
//
//	recvLoop: ←── parts(req=b) → PartStore → finished → pending[b] → goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mq-rpc/codec"
	"mq-rpc/encoder"
	"mq-rpc/loadbalance"
	"mq-rpc/message"
	"mq-rpc/protocol"
	"mq-rpc/registry"
	"mq-rpc/store"
	"mq-rpc/transport"
)

var (
	// ErrTimeout is returned when no reply arrives within the call deadline.
	ErrTimeout = errors.New("client: call timed out")
	// ErrClosed is returned by calls on a closed client, and to every
	// pending call when the reply queue goes away.
	ErrClosed = errors.New("client: closed")
	// ErrNoEndpoint means the registry knows no queue for the procedure.
	ErrNoEndpoint = errors.New("client: no endpoint for procedure")
)

// DefaultRequestQueue is used when neither a request queue nor a registry is
// configured.
const DefaultRequestQueue = "rpc_queue"

type reply struct {
	t   *store.Transfer
	err error
}

func (r reply) result() (message.Params, *message.Files, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	if r.t.Err != nil {
		return nil, nil, r.t.Err
	}
	return r.t.Params, r.t.Files, nil
}

type Client struct {
	ch            transport.Channel
	correlationID string // Stable for the client's lifetime
	replyQueue    string // Exclusive, named by the broker
	requestQueue  string
	registry      registry.Registry
	balancer      loadbalance.Balancer
	timeout       time.Duration
	chunkSize     int
	compressor    codec.Compressor
	logger        *slog.Logger

	store   *store.PartStore
	pending sync.Map // map[string]chan reply, keyed by req_id
	cancel  context.CancelFunc
	closed  atomic.Bool
	done    chan struct{} // Closed when recvLoop exits
}

type Option func(*Client)

// WithRequestQueue sets the fixed queue requests are published to when no
// registry is configured.
func WithRequestQueue(queue string) Option {
	return func(c *Client) { c.requestQueue = queue }
}

// WithRegistry resolves the request queue per procedure. Without a balancer
// the first endpoint is used.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithTimeout bounds every call. Zero waits for ctx only.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithChunkSize splits request files into parts of at most n bytes.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// WithCompressor compresses request file parts.
func WithCompressor(comp codec.Compressor) Option {
	return func(c *Client) { c.compressor = comp }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient declares the client's reply queue and starts the receive loop.
// The loop runs until Close is called or ctx is done.
func NewClient(ctx context.Context, ch transport.Channel, opts ...Option) (*Client, error) {
	c := &Client{
		ch:            ch,
		correlationID: uuid.NewString(),
		requestQueue:  DefaultRequestQueue,
		timeout:       30 * time.Second,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = store.New(c.onComplete, store.WithLogger(c.logger))

	queue, err := ch.DeclareQueue(ctx, "", true)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	c.replyQueue = queue

	ctx, c.cancel = context.WithCancel(ctx)
	deliveries, err := ch.Consume(ctx, queue)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	go c.recvLoop(deliveries)
	return c, nil
}

func (c *Client) CorrelationID() string {
	return c.correlationID
}

func (c *Client) ReplyQueue() string {
	return c.replyQueue
}

// Pending returns the number of partially received replies.
func (c *Client) Pending() int {
	return c.store.Len()
}

// Call invokes procedure and blocks until its reply arrives, ctx is done, or
// the client timeout elapses. A failure reported by the server is returned
// as a *message.RemoteError.
func (c *Client) Call(ctx context.Context, procedure string, params message.Params, files *message.Files) (message.Params, *message.Files, error) {
	if c.closed.Load() {
		return nil, nil, ErrClosed
	}

	queue, err := c.resolve(procedure)
	if err != nil {
		return nil, nil, err
	}

	enc := encoder.NewRequest(c.ch, queue, procedure, c.correlationID, c.replyQueue,
		message.Payload{Params: params, Files: files},
		encoder.WithChunkSize(c.chunkSize),
		encoder.WithCompressor(c.compressor),
	)
	reqID := enc.ReqID()

	// Register BEFORE sending so a fast reply can't be missed
	respChan := make(chan reply, 1)
	c.pending.Store(reqID, respChan)
	defer c.pending.Delete(reqID)

	// recvLoop may have exited after the closed check above; its
	// closeAllPending would then have missed this entry.
	select {
	case <-c.done:
		return nil, nil, ErrClosed
	default:
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := enc.Send(ctx); err != nil {
		return nil, nil, fmt.Errorf("send %s: %w", procedure, err)
	}

	select {
	case r := <-respChan:
		return r.result()
	case <-c.done:
		// Reply queue gone; a reply that raced in still wins
		select {
		case r := <-respChan:
			return r.result()
		default:
		}
		return nil, nil, ErrClosed
	case <-ctx.Done():
		// Drop any half-received reply; late parts start a bucket the
		// store will hold until its finished part, then find no caller.
		c.store.Evict(reqID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %s (req %s)", ErrTimeout, procedure, reqID)
		}
		return nil, nil, ctx.Err()
	}
}

// resolve picks the queue a request for procedure is published to.
func (c *Client) resolve(procedure string) (string, error) {
	if c.registry == nil {
		return c.requestQueue, nil
	}
	endpoints, err := c.registry.Discover(procedure)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", procedure, err)
	}
	if len(endpoints) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoEndpoint, procedure)
	}
	if c.balancer == nil {
		return endpoints[0].Queue, nil
	}
	ep, err := c.balancer.Pick(c.correlationID, endpoints)
	if err != nil {
		return "", err
	}
	return ep.Queue, nil
}

// recvLoop is the only reader of the reply queue.
func (c *Client) recvLoop(deliveries <-chan transport.Delivery) {
	defer close(c.done)
	for d := range deliveries {
		c.handleDelivery(d)
	}
	// Delivery channel closed: nobody will answer the calls still waiting,
	// nor any made from now on
	c.closed.Store(true)
	c.closeAllPending(ErrClosed)
}

func (c *Client) handleDelivery(d transport.Delivery) {
	defer func() {
		if err := c.ch.Ack(d.Tag); err != nil {
			c.logger.Error("ack failed", "tag", d.Tag, "err", err)
		}
	}()

	part, err := protocol.FromMessage(d.Message)
	if err != nil {
		c.logger.Warn("dropping invalid reply part", "err", err)
		return
	}
	if part.CorrelationID != c.correlationID {
		c.logger.Warn("dropping reply for another client",
			"correlation_id", part.CorrelationID, "req_id", part.ReqID)
		return
	}

	err = c.store.Add(part)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrFailed):
		c.logger.Debug("dropping part of failed reply", "req_id", part.ReqID)
	default:
		c.logger.Warn("bad reply part", "req_id", part.ReqID, "err", err)
		c.resolveCall(part.ReqID, reply{err: err})
	}
}

// onComplete runs on recvLoop when a reply transfer is reassembled.
func (c *Client) onComplete(t *store.Transfer) {
	if !c.resolveCall(t.ReqID, reply{t: t}) {
		c.logger.Warn("reply for unknown request", "req_id", t.ReqID)
	}
}

func (c *Client) resolveCall(reqID string, r reply) bool {
	ch, ok := c.pending.LoadAndDelete(reqID)
	if !ok {
		return false
	}
	ch.(chan reply) <- r // Buffered, never blocks
	return true
}

// closeAllPending fails every waiting call so none blocks forever.
func (c *Client) closeAllPending(err error) {
	c.pending.Range(func(key, value any) bool {
		c.resolveCall(key.(string), reply{err: err})
		return true
	})
}

// Close stops the receive loop and fails all pending calls with ErrClosed.
// The channel itself is left open; it belongs to the caller.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.cancel()
	<-c.done
	return nil
}
