// Package store reassembles multi-part transfers.
//
// A PartStore holds one bucket per in-flight req_id. Parts are applied to
// their bucket as they arrive; the part marked finished removes the bucket
// and fires the completion callback exactly once:
//
//	Add(params, sending) → bucket created, params merged
//	Add(a.txt, sending)  → file appended
//	Add(b.txt, finished) → bucket removed → onComplete(transfer)
//
// The store trusts that parts of one req_id arrive in emission order. In the
// default lenient mode it neither reorders nor rejects, so out-of-order input
// yields a wrong reassembly. WithStrictOrdering checks each part's seq and
// reports an *OrderingError instead.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mq-rpc/codec"
	"mq-rpc/message"
)

var (
	// ErrOutOfOrder matches every *OrderingError.
	ErrOutOfOrder = errors.New("store: part out of order")
	// ErrDecode wraps failures decoding a part body.
	ErrDecode = errors.New("store: decode part")
	// ErrFailed is returned for parts of a transfer that already failed.
	// The caller has been told once; these parts are dropped silently.
	ErrFailed = errors.New("store: transfer already failed")
)

// OrderingError reports a part whose seq is not the next one expected for
// its transfer. Only returned in strict mode.
type OrderingError struct {
	ReqID string
	Want  int
	Got   int
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("store: req %s: expected part %d, got %d", e.ReqID, e.Want, e.Got)
}

func (e *OrderingError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// Transfer is one reassembled (or reassembling) request or response.
type Transfer struct {
	CorrelationID string
	ReqID         string
	Kind          message.Kind
	Procedure     string // Request transfers only
	ReplyTo       string // Request transfers only
	Params        message.Params
	Files         *message.Files
	Err           *message.RemoteError // Set by an error part
	Parts         int
	Created       time.Time
	LastSeen      time.Time

	nextSeq int
}

// CompleteFunc receives a finished transfer. It runs on the goroutine that
// called Add, after the bucket has been removed and the store unlocked.
type CompleteFunc func(t *Transfer)

type PartStore struct {
	mu         sync.Mutex
	buckets    map[string]*Transfer
	failed     map[string]time.Time // req_id → when it failed; until its finished part or a sweep
	onComplete CompleteFunc
	codec      codec.Codec
	strict     bool
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*PartStore)

// WithTTL sets how long a bucket may sit idle before Sweep evicts it.
// Zero (the default) keeps buckets until their finished part arrives.
func WithTTL(ttl time.Duration) Option {
	return func(s *PartStore) { s.ttl = ttl }
}

// WithStrictOrdering rejects parts that arrive out of emission order.
func WithStrictOrdering() Option {
	return func(s *PartStore) { s.strict = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *PartStore) { s.logger = l }
}

func WithCodec(c codec.Codec) Option {
	return func(s *PartStore) { s.codec = c }
}

func New(onComplete CompleteFunc, opts ...Option) *PartStore {
	s := &PartStore{
		buckets:    make(map[string]*Transfer),
		failed:     make(map[string]time.Time),
		onComplete: onComplete,
		codec:      codec.GetCodec(codec.CodecTypeJSON),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add applies one part to its transfer's bucket, creating the bucket on the
// first part seen for the req_id. A finished part with no prior parts is a
// complete one-part transfer.
//
// On a decode failure (or an ordering failure in strict mode) the bucket is
// evicted and the error returned; the callback does not fire. The req_id is
// then marked failed: its remaining parts, up to and including the finished
// one, return ErrFailed instead of starting a new bucket.
func (s *PartStore) Add(p *message.Part) error {
	s.mu.Lock()
	now := s.now()

	if _, dead := s.failed[p.ReqID]; dead {
		if p.Finished() {
			delete(s.failed, p.ReqID)
		} else {
			s.failed[p.ReqID] = now
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: req %s", ErrFailed, p.ReqID)
	}

	t, ok := s.buckets[p.ReqID]

	if s.strict {
		want := 0
		if ok {
			want = t.nextSeq
		}
		if p.Seq != want {
			s.fail(p)
			s.mu.Unlock()
			return &OrderingError{ReqID: p.ReqID, Want: want, Got: p.Seq}
		}
	}

	if !ok {
		t = &Transfer{
			CorrelationID: p.CorrelationID,
			ReqID:         p.ReqID,
			Kind:          p.Kind,
			Params:        message.Params{},
			Files:         &message.Files{},
			Created:       now,
		}
		s.buckets[p.ReqID] = t
	}
	t.LastSeen = now
	t.Parts++
	t.nextSeq = p.Seq + 1
	if t.Procedure == "" {
		t.Procedure = p.Procedure
	}
	if t.ReplyTo == "" {
		t.ReplyTo = p.ReplyTo
	}
	if p.Kind == message.KindError {
		t.Kind = message.KindError
	}

	if err := s.apply(t, p); err != nil {
		s.fail(p)
		s.mu.Unlock()
		return err
	}

	if !p.Finished() {
		s.mu.Unlock()
		return nil
	}

	delete(s.buckets, p.ReqID)
	s.mu.Unlock()

	if s.onComplete != nil {
		s.onComplete(t)
	}
	return nil
}

// fail drops p's bucket and, unless p ends the transfer, remembers the
// req_id so its later parts are rejected. Caller holds s.mu.
func (s *PartStore) fail(p *message.Part) {
	delete(s.buckets, p.ReqID)
	if !p.Finished() {
		s.failed[p.ReqID] = s.now()
	}
}

// Failed reports whether reqID is marked failed.
func (s *PartStore) Failed(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[reqID]
	return ok
}

// apply decodes p's body into t. Caller holds s.mu.
func (s *PartStore) apply(t *Transfer, p *message.Part) error {
	switch {
	case p.Kind == message.KindError:
		re := &message.RemoteError{}
		if err := s.codec.Decode(p.Body, re); err != nil {
			return fmt.Errorf("%w: req %s error body: %w", ErrDecode, p.ReqID, err)
		}
		t.Err = re

	case p.IsParams():
		if len(p.Body) == 0 {
			return nil
		}
		var params map[string]any
		if err := s.codec.Decode(p.Body, &params); err != nil {
			return fmt.Errorf("%w: req %s params: %w", ErrDecode, p.ReqID, err)
		}
		for k, v := range params {
			t.Params[k] = v
		}

	default:
		body := p.Body
		if p.Encoding != "" {
			c, err := codec.GetCompressor(p.Encoding)
			if err != nil {
				return fmt.Errorf("%w: req %s file %q: %w", ErrDecode, p.ReqID, p.BatchName, err)
			}
			body, err = c.Decompress(body)
			if err != nil {
				return fmt.Errorf("%w: req %s file %q: %w", ErrDecode, p.ReqID, p.BatchName, err)
			}
		}
		t.Files.Append(p.BatchName, body)
	}
	return nil
}

// Len returns the number of live buckets.
func (s *PartStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Pending reports whether a bucket exists for reqID.
func (s *PartStore) Pending(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[reqID]
	return ok
}

// Evict drops the bucket for reqID without firing the callback.
func (s *PartStore) Evict(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[reqID]
	delete(s.buckets, reqID)
	return ok
}

// Sweep evicts buckets idle for longer than the TTL and returns them. An
// evicted req_id is marked failed; failed markers idle for longer than the
// TTL are forgotten. It does nothing when no TTL is configured.
func (s *PartStore) Sweep(now time.Time) []*Transfer {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range s.failed {
		if now.Sub(at) > s.ttl {
			delete(s.failed, id)
		}
	}
	var evicted []*Transfer
	for id, t := range s.buckets {
		if now.Sub(t.LastSeen) > s.ttl {
			delete(s.buckets, id)
			s.failed[id] = now // Stragglers must not restart it
			evicted = append(evicted, t)
		}
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done. onEvict, if set,
// is called for each evicted transfer.
func (s *PartStore) RunSweeper(ctx context.Context, interval time.Duration, onEvict func(*Transfer)) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.Sweep(s.now()) {
				s.logger.Warn("evicted stale transfer",
					"req_id", t.ReqID, "correlation_id", t.CorrelationID,
					"parts", t.Parts, "idle", s.now().Sub(t.LastSeen))
				if onEvict != nil {
					onEvict(t)
				}
			}
		}
	}
}
