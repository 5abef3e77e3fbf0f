// Package encoder turns one logical payload into an ordered part sequence and
// publishes it.
//
// Emission order for a payload with files a (2 chunks) and b:
//
//	seq 0  params  sending
//	seq 1  a       sending
//	seq 2  a       sending
//	seq 3  b       finished
//
// A payload with no files is a single params part marked finished. All parts
// share one req_id. Routing is fixed at construction: requests go to the
// shared request queue, responses and errors to the caller's reply queue.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/google/uuid"

	"mq-rpc/codec"
	"mq-rpc/message"
	"mq-rpc/protocol"
	"mq-rpc/transport"
)

var (
	// ErrConsumed is yielded when Parts (or Send) is used a second time.
	ErrConsumed = errors.New("encoder: parts already consumed")
	// ErrBadFileName rejects file names that would collide with the params batch.
	ErrBadFileName = errors.New("encoder: invalid file name")
)

type PartEncoder struct {
	ch            transport.Channel
	queue         string // Destination queue
	kind          message.Kind
	correlationID string
	replyTo       string
	procedure     string
	reqID         string
	payload       message.Payload
	remoteErr     *message.RemoteError
	chunkSize     int
	compressor    codec.Compressor
	codec         codec.Codec
	used          atomic.Bool
	sent          atomic.Int64 // Parts published by Send
}

type Option func(*PartEncoder)

// WithReqID reuses an existing req_id instead of generating one. Responses
// carry the request's req_id so the caller can match them.
func WithReqID(id string) Option {
	return func(e *PartEncoder) {
		if id != "" {
			e.reqID = id
		}
	}
}

// WithChunkSize splits each file into parts of at most n bytes.
// Zero sends every file as a single part.
func WithChunkSize(n int) Option {
	return func(e *PartEncoder) { e.chunkSize = n }
}

// WithCompressor compresses every file part body.
func WithCompressor(c codec.Compressor) Option {
	return func(e *PartEncoder) { e.compressor = c }
}

func WithCodec(c codec.Codec) Option {
	return func(e *PartEncoder) { e.codec = c }
}

func newEncoder(ch transport.Channel, queue string, kind message.Kind, opts []Option) *PartEncoder {
	e := &PartEncoder{
		ch:    ch,
		queue: queue,
		kind:  kind,
		reqID: uuid.NewString(),
		codec: codec.GetCodec(codec.CodecTypeJSON),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRequest builds the encoder for a call to procedure, published to the
// shared queue. Every part carries the procedure name and reply address.
func NewRequest(ch transport.Channel, queue, procedure, correlationID, replyTo string, payload message.Payload, opts ...Option) *PartEncoder {
	e := newEncoder(ch, queue, message.KindRequest, opts)
	e.procedure = procedure
	e.correlationID = correlationID
	e.replyTo = replyTo
	e.payload = payload
	return e
}

// NewResponse builds the encoder for a result, published to replyTo.
func NewResponse(ch transport.Channel, replyTo, correlationID string, payload message.Payload, opts ...Option) *PartEncoder {
	e := newEncoder(ch, replyTo, message.KindResponse, opts)
	e.correlationID = correlationID
	e.payload = payload
	return e
}

// NewError builds the encoder for a single error part, published to replyTo.
func NewError(ch transport.Channel, replyTo, correlationID string, remoteErr *message.RemoteError, opts ...Option) *PartEncoder {
	e := newEncoder(ch, replyTo, message.KindError, opts)
	e.correlationID = correlationID
	e.remoteErr = remoteErr
	return e
}

func (e *PartEncoder) ReqID() string {
	return e.reqID
}

// Count returns how many parts Parts will produce.
func (e *PartEncoder) Count() int {
	if e.kind == message.KindError {
		return 1
	}
	n := 1
	for _, data := range e.payload.Files.All() {
		n += e.chunkCount(len(data))
	}
	return n
}

func (e *PartEncoder) chunkCount(size int) int {
	if e.chunkSize <= 0 || size == 0 {
		return 1
	}
	return (size + e.chunkSize - 1) / e.chunkSize
}

// Parts lazily produces the part sequence. It can be ranged over once; a
// second use yields ErrConsumed. A non-nil error ends the sequence.
func (e *PartEncoder) Parts() iter.Seq2[*message.Part, error] {
	return func(yield func(*message.Part, error) bool) {
		if !e.used.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}

		total := e.Count()
		seq := 0
		next := func(batch string, body []byte) *message.Part {
			p := &message.Part{
				CorrelationID: e.correlationID,
				ReqID:         e.reqID,
				BatchName:     batch,
				Status:        message.StatusSending,
				Seq:           seq,
				Kind:          e.kind,
				Procedure:     e.procedure,
				ReplyTo:       e.replyTo,
				Body:          body,
			}
			if seq == total-1 {
				p.Status = message.StatusFinished
			}
			seq++
			return p
		}

		for _, name := range e.payload.Files.Names() {
			if name == "" || name == message.ParamsBatch {
				yield(nil, fmt.Errorf("%w: %q", ErrBadFileName, name))
				return
			}
		}

		body, err := e.encodeParams()
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(next(message.ParamsBatch, body), nil) {
			return
		}
		if e.kind == message.KindError {
			return
		}

		for name, data := range e.payload.Files.All() {
			for chunk := range e.chunks(data) {
				p := next(name, chunk)
				if e.compressor != nil {
					compressed, err := e.compressor.Compress(chunk)
					if err != nil {
						yield(nil, fmt.Errorf("encoder: compress %q: %w", name, err))
						return
					}
					p.Body = compressed
					p.Encoding = e.compressor.Name()
				}
				if !yield(p, nil) {
					return
				}
			}
		}
	}
}

func (e *PartEncoder) encodeParams() ([]byte, error) {
	if e.kind == message.KindError {
		body, err := e.codec.Encode(e.remoteErr)
		if err != nil {
			return nil, fmt.Errorf("encoder: encode error: %w", err)
		}
		return body, nil
	}
	params := e.payload.Params
	if params == nil {
		params = message.Params{}
	}
	body, err := e.codec.Encode(params)
	if err != nil {
		return nil, fmt.Errorf("encoder: encode params: %w", err)
	}
	return body, nil
}

// chunks yields data in chunkSize slices; an empty file is one empty chunk.
func (e *PartEncoder) chunks(data []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if e.chunkSize <= 0 || len(data) == 0 {
			yield(data)
			return
		}
		for start := 0; start < len(data); start += e.chunkSize {
			end := min(start+e.chunkSize, len(data))
			if !yield(data[start:end]) {
				return
			}
		}
	}
}

// Send publishes every part, in order, to the destination queue.
func (e *PartEncoder) Send(ctx context.Context) error {
	for p, err := range e.Parts() {
		if err != nil {
			return err
		}
		if err := e.ch.Publish(ctx, e.queue, protocol.ToMessage(p)); err != nil {
			return fmt.Errorf("encoder: publish part %d of %s: %w", p.Seq, e.reqID, err)
		}
		e.sent.Add(1)
	}
	return nil
}

// Sent returns how many parts Send has published. After a failed Send, zero
// means the peer saw nothing of this transfer.
func (e *PartEncoder) Sent() int {
	return int(e.sent.Load())
}
