// Package protocol maps message.Part onto bus messages and back.
//
// Part metadata travels in message headers; correlation id and reply address
// use the broker's own message properties:
//
//	properties: correlation_id, reply_to
//	headers:    req_id, batch_name, status, seq, kind, procedure?, encoding?
//	body:       params JSON, file bytes (possibly compressed), or error JSON
//
// FromMessage validates everything it reads so a malformed message is
// rejected at the boundary instead of corrupting a reassembly bucket.
package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"mq-rpc/message"
	"mq-rpc/transport"
)

// Header keys.
const (
	HeaderReqID     = "req_id"
	HeaderBatchName = "batch_name"
	HeaderStatus    = "status"
	HeaderSeq       = "seq"
	HeaderKind      = "kind"
	HeaderProcedure = "procedure"
	HeaderEncoding  = "encoding"
)

// ErrInvalidPart is wrapped by every validation failure in FromMessage.
var ErrInvalidPart = errors.New("protocol: invalid part")

// ToMessage renders a part as a bus message.
func ToMessage(p *message.Part) transport.Message {
	headers := map[string]string{
		HeaderReqID:     p.ReqID,
		HeaderBatchName: p.BatchName,
		HeaderStatus:    string(p.Status),
		HeaderSeq:       strconv.Itoa(p.Seq),
		HeaderKind:      string(p.Kind),
	}
	if p.Procedure != "" {
		headers[HeaderProcedure] = p.Procedure
	}
	if p.Encoding != "" {
		headers[HeaderEncoding] = p.Encoding
	}
	return transport.Message{
		Headers:       headers,
		CorrelationID: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Body:          p.Body,
	}
}

// FromMessage parses and validates a bus message as a part.
func FromMessage(m transport.Message) (*message.Part, error) {
	h := m.Headers

	reqID := h[HeaderReqID]
	if reqID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPart, HeaderReqID)
	}

	batch := h[HeaderBatchName]
	if batch == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPart, HeaderBatchName)
	}

	status := message.Status(h[HeaderStatus])
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unsupported status: %q", ErrInvalidPart, h[HeaderStatus])
	}

	seq := 0
	if s, ok := h[HeaderSeq]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad %s: %q", ErrInvalidPart, HeaderSeq, s)
		}
		seq = n
	}

	// Peers that predate the kind header: requests are recognisable by
	// their procedure name.
	kind := message.Kind(h[HeaderKind])
	if kind == "" {
		kind = message.KindResponse
		if h[HeaderProcedure] != "" {
			kind = message.KindRequest
		}
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unsupported kind: %q", ErrInvalidPart, kind)
	}
	if kind == message.KindRequest && h[HeaderProcedure] == "" {
		return nil, fmt.Errorf("%w: request without %s", ErrInvalidPart, HeaderProcedure)
	}
	if kind == message.KindError && batch != message.ParamsBatch {
		return nil, fmt.Errorf("%w: error part with batch %q", ErrInvalidPart, batch)
	}

	return &message.Part{
		CorrelationID: m.CorrelationID,
		ReqID:         reqID,
		BatchName:     batch,
		Status:        status,
		Seq:           seq,
		Kind:          kind,
		Procedure:     h[HeaderProcedure],
		ReplyTo:       m.ReplyTo,
		Encoding:      h[HeaderEncoding],
		Body:          m.Body,
	}, nil
}
