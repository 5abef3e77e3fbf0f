package middleware

import (
	"context"
	"log/slog"
	"time"

	"mq-rpc/message"
)

// LoggingMiddleware logs procedure, req_id, duration and any error.
// A nil logger uses slog.Default().
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			attrs := []any{
				"procedure", req.Procedure,
				"req_id", req.ReqID,
				"files_in", req.Files.Len(),
				"duration", duration,
			}
			if resp.Err != nil {
				logger.Error("procedure failed", append(attrs, "err", resp.Err)...)
				return resp
			}
			logger.Info("procedure done", append(attrs, "files_out", resp.Files.Len())...)
			return resp
		}
	}
}
