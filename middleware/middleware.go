// Package middleware wraps procedure dispatch on the server.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))), so A runs first on the
// way in and last on the way out.
package middleware

import (
	"context"

	"mq-rpc/message"
)

// HandlerFunc handles one reassembled request. Failures are reported in
// Response.Err, never by panicking.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
