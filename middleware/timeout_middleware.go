package middleware

import (
	"context"
	"fmt"
	"time"

	"mq-rpc/message"
)

// TimeOutMiddleware fails a call with a Timeout error if the handler takes
// longer than timeout. The handler keeps running in the background; it sees
// a cancelled ctx.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{Err: &message.RemoteError{
					Type:    message.ErrTypeTimeout,
					Message: fmt.Sprintf("%s timed out after %s", req.Procedure, timeout),
				}}
			}
		}
	}
}
