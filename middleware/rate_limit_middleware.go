package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mq-rpc/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{Err: &message.RemoteError{
					Type:    message.ErrTypeRateLimited,
					Message: "rate limit exceeded",
				}}
			}
			return next(ctx, req)
		}
	}
}
