package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mq-rpc/message"
)

const instrumentationName = "mq_rpc"

// OtelConfig configures OpenTelemetry instrumentation of procedure dispatch.
type OtelConfig struct {
	// TracerProvider defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// ServiceName is the rpc.service attribute, usually the request queue.
	ServiceName string
}

// OtelMiddleware starts a server span per dispatched procedure and records
// rpc.server.requests / rpc.server.duration.
func OtelMiddleware(cfg OtelConfig) Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mq_rpc"
	}

	tracer := cfg.TracerProvider.Tracer(instrumentationName)
	meter := cfg.MeterProvider.Meter(instrumentationName)
	requests, _ := meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of RPC requests"),
	)
	durations, _ := meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of RPC requests"),
	)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, span := tracer.Start(ctx, fmt.Sprintf("mq_rpc/%s", req.Procedure),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "mq_rpc"),
					attribute.String("rpc.service", cfg.ServiceName),
					attribute.String("rpc.method", req.Procedure),
					attribute.String("messaging.message.conversation_id", req.CorrelationID),
					attribute.String("mq_rpc.req_id", req.ReqID),
					attribute.Int("mq_rpc.files_in", req.Files.Len()),
				),
			)
			defer span.End()

			start := time.Now()
			resp := next(ctx, req)

			status := "ok"
			if resp.Err != nil {
				status = "error"
				span.SetStatus(codes.Error, resp.Err.Error())
				span.RecordError(resp.Err)
				errType := fmt.Sprintf("%T", resp.Err)
				if re, ok := resp.Err.(*message.RemoteError); ok {
					errType = re.Type
				}
				span.SetAttributes(attribute.String("mq_rpc.error_type", errType))
			} else {
				span.SetStatus(codes.Ok, "")
				span.SetAttributes(attribute.Int("mq_rpc.files_out", resp.Files.Len()))
			}

			attrs := metric.WithAttributes(
				attribute.String("rpc.system", "mq_rpc"),
				attribute.String("rpc.service", cfg.ServiceName),
				attribute.String("rpc.method", req.Procedure),
				attribute.String("status", status),
			)
			if requests != nil {
				requests.Add(ctx, 1, attrs)
			}
			if durations != nil {
				durations.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return resp
		}
	}
}
