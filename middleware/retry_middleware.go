package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mq-rpc/message"
)

// ErrTemporary marks a procedure failure worth retrying. Procedures wrap it:
//
//	return nil, nil, fmt.Errorf("backend busy: %w", middleware.ErrTemporary)
var ErrTemporary = errors.New("temporary failure")

func retryable(err error) bool {
	if errors.Is(err, ErrTemporary) {
		return true
	}
	var re *message.RemoteError
	return errors.As(err, &re) && re.Type == message.ErrTypeTimeout
}

// RetryMiddleware re-runs the handler with exponential backoff while it fails
// with a retryable error.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Err == nil || !retryable(resp.Err) {
					return resp
				}
				slog.Warn("retrying procedure", "attempt", i+1, "procedure", req.Procedure, "err", resp.Err)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
