// Package message defines the data exchanged between client and server.
//
// A logical call (a Transfer) is split into Parts on the wire:
//
//	params (sending) → file-1 (sending) → ... → file-N (finished)
//
// A payload with no files travels as a single "params" part marked finished.
// Request and Response are what the server-side handler chain sees once a
// Transfer has been reassembled.
package message

// ParamsBatch is the batch name of the one part per Transfer that carries the
// structured parameters. Every other batch name is a file name.
const ParamsBatch = "params"

// Status marks a part's position within its Transfer.
type Status string

const (
	StatusSending  Status = "sending"  // More parts follow
	StatusFinished Status = "finished" // Last part of the Transfer
)

// Valid reports whether s is one of the two wire values.
func (s Status) Valid() bool {
	return s == StatusSending || s == StatusFinished
}

// Kind distinguishes request, response, and error transfers.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error" // Single params part whose body is a RemoteError
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindRequest || k == KindResponse || k == KindError
}

// Params is the opaque parameter map of a payload. Values must survive the
// params codec (JSON by default), so numbers decode as float64.
type Params map[string]any

// Payload is one logical request or response body.
type Payload struct {
	Params Params
	Files  *Files
}

// Part is the wire unit: one batch of one Transfer.
//
//   - Request parts carry Procedure and ReplyTo.
//   - Response and error parts carry the request's CorrelationID and ReqID.
type Part struct {
	CorrelationID string // Stable per client; identifies the reply destination
	ReqID         string // Unique per Transfer; multiplexes calls over one CorrelationID
	BatchName     string // ParamsBatch or a file name
	Status        Status
	Seq           int    // 0-based emission index within the Transfer
	Kind          Kind
	Procedure     string // Request only
	ReplyTo       string // Request only
	Encoding      string // "" or a compressor name, file parts only
	Body          []byte
}

// IsParams reports whether p carries the parameters batch.
func (p *Part) IsParams() bool {
	return p.BatchName == ParamsBatch
}

// Finished reports whether p is the last part of its Transfer.
func (p *Part) Finished() bool {
	return p.Status == StatusFinished
}

// Request is a reassembled inbound call as seen by the server handler chain.
type Request struct {
	Procedure     string
	CorrelationID string
	ReqID         string
	ReplyTo       string
	Params        Params
	Files         *Files
}

// Response is the result of a handler. Err is non-nil if the call failed;
// it is sent back to the caller as an error part.
type Response struct {
	Params Params
	Files  *Files
	Err    error
}
