package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"mq-rpc/message"
)

// RecoverMiddleware turns a panicking procedure into a ProcedureError so the
// caller gets an error part instead of waiting forever.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("procedure panic", "procedure", req.Procedure, "req_id", req.ReqID,
						"panic", rv, "stack", string(debug.Stack()))
					resp = &message.Response{Err: &message.RemoteError{
						Type:    message.ErrTypeProcedure,
						Message: fmt.Sprintf("panic: %v", rv),
					}}
				}
			}()
			return next(ctx, req)
		}
	}
}
