// Package server implements the RPC server: it consumes request parts from a
// shared queue, reassembles them, dispatches the named procedure, and
// publishes the result back to the caller's reply queue.
//
// Request processing pipeline:
//
//	Consume (single goroutine, arrival order)
//	  → protocol.FromMessage → PartStore.Add → Ack
//	    → on the finished part: go dispatch
//	      → Middleware Chain → businessHandler (procedure lookup + call)
//	      → PartEncoder (response or error parts) → reply queue
//
// Every delivery is acknowledged right after it has been handed to the
// PartStore, whether or not its transfer is complete.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mq-rpc/codec"
	"mq-rpc/encoder"
	"mq-rpc/message"
	"mq-rpc/middleware"
	"mq-rpc/protocol"
	"mq-rpc/registry"
	"mq-rpc/store"
	"mq-rpc/transport"
)

// Server is the RPC server bound to one shared request queue.
type Server struct {
	ch          transport.Channel
	queue       string                  // Shared request queue
	procedures  map[string]Procedure    // Fixed at construction
	store       *store.PartStore        // Reassembles inbound requests
	storeOpts   []store.Option          // Collected from options, applied in NewServer
	middlewares []middleware.Middleware // Applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	registry    registry.Registry       // nil if not using discovery
	endpoint    registry.Endpoint       // What gets advertised for each procedure
	leaseTTL    int64
	chunkSize   int
	compressor  codec.Compressor
	sweepEvery  time.Duration
	logger      *slog.Logger

	baseCtx  context.Context // Dispatch context; survives consumer cancellation
	cancel   context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup // In-flight dispatches, for graceful shutdown
	shutdown atomic.Bool
}

type Option func(*Server)

// WithRegistry advertises every procedure under the server's queue.
func WithRegistry(reg registry.Registry, weight int, version string) Option {
	return func(s *Server) {
		s.registry = reg
		s.endpoint.Weight = weight
		s.endpoint.Version = version
	}
}

// WithLeaseTTL sets the registry lease TTL in seconds (default 10).
func WithLeaseTTL(seconds int64) Option {
	return func(s *Server) { s.leaseTTL = seconds }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTransferTTL evicts request transfers idle for longer than ttl and
// tells the caller with a Timeout error part.
func WithTransferTTL(ttl, sweepEvery time.Duration) Option {
	return func(s *Server) {
		s.storeOpts = append(s.storeOpts, store.WithTTL(ttl))
		s.sweepEvery = sweepEvery
	}
}

// WithStrictOrdering rejects request parts that arrive out of order.
func WithStrictOrdering() Option {
	return func(s *Server) { s.storeOpts = append(s.storeOpts, store.WithStrictOrdering()) }
}

// WithChunkSize splits response files into parts of at most n bytes.
func WithChunkSize(n int) Option {
	return func(s *Server) { s.chunkSize = n }
}

// WithCompressor compresses response file parts.
func WithCompressor(c codec.Compressor) Option {
	return func(s *Server) { s.compressor = c }
}

// NewServer creates a server for queue. The procedure map is copied; it
// cannot change afterwards.
func NewServer(ch transport.Channel, queue string, procedures map[string]Procedure, opts ...Option) *Server {
	s := &Server{
		ch:         ch,
		queue:      queue,
		procedures: maps.Clone(procedures),
		leaseTTL:   10,
		logger:     slog.Default(),
		baseCtx:    context.Background(),
	}
	if s.procedures == nil {
		s.procedures = make(map[string]Procedure)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoint.Queue = queue
	s.store = store.New(s.onComplete, append([]store.Option{store.WithLogger(s.logger)}, s.storeOpts...)...)
	return s
}

// Use registers a middleware. Must be called before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Procedures returns the registered procedure names, sorted.
func (s *Server) Procedures() []string {
	return slices.Sorted(maps.Keys(s.procedures))
}

// Pending returns the number of partially received requests.
func (s *Server) Pending() int {
	return s.store.Len()
}

// Serve declares the request queue, registers procedures with the registry,
// and consumes until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	// Build the middleware chain once at startup (not per-request).
	// Recover sits innermost so a panicking procedure still yields a response.
	s.handler = middleware.Chain(s.middlewares...)(middleware.RecoverMiddleware()(s.businessHandler))

	s.baseCtx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	queue, err := s.ch.DeclareQueue(ctx, s.queue, false)
	if err != nil {
		return err
	}

	if s.registry != nil {
		for name := range s.procedures {
			if err := s.registry.Register(name, s.endpoint, s.leaseTTL); err != nil {
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}

	deliveries, err := s.ch.Consume(ctx, queue)
	if err != nil {
		return err
	}
	s.logger.Info("serving", "queue", queue, "procedures", len(s.procedures))

	go s.store.RunSweeper(ctx, s.sweepEvery, s.onEvict)

	for d := range deliveries {
		s.handleDelivery(d)
	}

	// Deliveries close on cancel; anything else means the bus went away
	if s.shutdown.Load() || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("consume %s: %w", queue, transport.ErrClosed)
}

// handleDelivery is the Accumulating step: parse, hand to the store, ack.
func (s *Server) handleDelivery(d transport.Delivery) {
	defer func() {
		if err := s.ch.Ack(d.Tag); err != nil {
			s.logger.Error("ack failed", "tag", d.Tag, "err", err)
		}
	}()

	part, err := protocol.FromMessage(d.Message)
	if err != nil {
		s.logger.Warn("dropping invalid part", "err", err)
		return
	}
	if part.Kind != message.KindRequest {
		s.logger.Warn("dropping non-request part", "kind", part.Kind, "req_id", part.ReqID)
		return
	}

	err = s.store.Add(part)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrFailed):
		// The caller already got an error part for this req_id
		s.logger.Debug("dropping part of failed request", "req_id", part.ReqID, "batch", part.BatchName)
	case errors.Is(err, store.ErrOutOfOrder):
		s.logger.Warn("rejecting request part", "req_id", part.ReqID, "batch", part.BatchName, "err", err)
		s.sendError(part.ReplyTo, part.CorrelationID, part.ReqID, message.NewRemoteError(message.ErrTypeOrdering, err))
	default:
		s.logger.Warn("rejecting request part", "req_id", part.ReqID, "batch", part.BatchName, "err", err)
		s.sendError(part.ReplyTo, part.CorrelationID, part.ReqID, message.NewRemoteError(message.ErrTypeDecode, err))
	}
}

// onComplete runs on the consume goroutine when a request is reassembled.
func (s *Server) onComplete(t *store.Transfer) {
	s.wg.Add(1)
	go s.dispatch(t)
}

// onEvict tells the caller its request will never complete.
func (s *Server) onEvict(t *store.Transfer) {
	s.sendError(t.ReplyTo, t.CorrelationID, t.ReqID, &message.RemoteError{
		Type:    message.ErrTypeTimeout,
		Message: fmt.Sprintf("request incomplete after %d parts", t.Parts),
	})
}

// dispatch is the Dispatching and Encoding steps.
func (s *Server) dispatch(t *store.Transfer) {
	defer s.wg.Done()
	ctx := s.baseCtx

	req := &message.Request{
		Procedure:     t.Procedure,
		CorrelationID: t.CorrelationID,
		ReqID:         t.ReqID,
		ReplyTo:       t.ReplyTo,
		Params:        t.Params,
		Files:         t.Files,
	}
	resp := s.handler(ctx, req)

	if t.ReplyTo == "" {
		s.logger.Warn("no reply address, dropping result", "procedure", t.Procedure, "req_id", t.ReqID)
		return
	}
	if resp.Err != nil {
		s.sendError(t.ReplyTo, t.CorrelationID, t.ReqID, message.NewRemoteError(message.ErrTypeProcedure, resp.Err))
		return
	}

	enc := encoder.NewResponse(s.ch, t.ReplyTo, t.CorrelationID,
		message.Payload{Params: resp.Params, Files: resp.Files},
		encoder.WithReqID(t.ReqID),
		encoder.WithChunkSize(s.chunkSize),
		encoder.WithCompressor(s.compressor),
	)
	if err := enc.Send(ctx); err != nil {
		s.logger.Error("failed to send response", "procedure", t.Procedure, "req_id", t.ReqID, "sent", enc.Sent(), "err", err)
		// Nothing went out (unencodable params, bad file name): the caller
		// can still be told. A half-sent response is left to its TTL.
		if enc.Sent() == 0 {
			s.sendError(t.ReplyTo, t.CorrelationID, t.ReqID, message.NewRemoteError(message.ErrTypeProcedure, err))
		}
	}
}

func (s *Server) sendError(replyTo, correlationID, reqID string, remoteErr *message.RemoteError) {
	if replyTo == "" {
		return
	}
	enc := encoder.NewError(s.ch, replyTo, correlationID, remoteErr, encoder.WithReqID(reqID))
	if err := enc.Send(s.baseCtx); err != nil {
		s.logger.Error("failed to send error", "req_id", reqID, "err", err)
	}
}

// businessHandler looks the procedure up and calls it.
// An unknown name is answered with an UnknownProcedure error part.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	proc, ok := s.procedures[req.Procedure]
	if !ok {
		return &message.Response{Err: &message.RemoteError{
			Type:    message.ErrTypeUnknownProcedure,
			Message: fmt.Sprintf("unknown procedure %q", req.Procedure),
		}}
	}

	params, files, err := proc(ctx, req.Params, req.Files)
	if err != nil {
		return &message.Response{Err: err}
	}
	return &message.Response{Params: params, Files: files}
}

// Shutdown performs graceful shutdown:
//  1. Deregister every procedure (clients stop routing here)
//  2. Set the shutdown flag and stop consuming
//  3. Wait for in-flight dispatches (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		for name := range s.procedures {
			if err := s.registry.Deregister(name, s.queue); err != nil {
				s.logger.Warn("deregister failed", "procedure", name, "err", err)
			}
		}
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
