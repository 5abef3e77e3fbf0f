package message

import (
	"errors"
	"fmt"
)

// Remote error types carried in error parts.
const (
	ErrTypeProcedure        = "ProcedureError"
	ErrTypeUnknownProcedure = "UnknownProcedure"
	ErrTypeDecode           = "DecodeError"
	ErrTypeOrdering         = "OrderingError"
	ErrTypeRateLimited      = "RateLimited"
	ErrTypeTimeout          = "Timeout"
)

// ErrRemote is a sentinel for use with errors.Is to check whether any error
// in a chain is a *RemoteError.
var ErrRemote = &RemoteError{}

// RemoteError is a failure reported by the peer in an error part.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches any *RemoteError target.
func (e *RemoteError) Is(target error) bool {
	_, ok := target.(*RemoteError)
	return ok
}

// NewRemoteError wraps err as a RemoteError of the given type. If err already
// is (or wraps) a RemoteError, that one is returned unchanged.
func NewRemoteError(typ string, err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Type: typ, Message: err.Error()}
}
