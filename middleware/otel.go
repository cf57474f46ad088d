package middleware

import (
	"context"

	"github.com/qvcloud/mqbridge"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelHandler wraps a delivery handler with OpenTelemetry tracing.
func OtelHandler(h mqbridge.Handler, opts ...Option) mqbridge.Handler {
	options := options{
		tracer: otel.Tracer("github.com/qvcloud/mqbridge/middleware"),
		system: "mqbridge",
	}
	for _, o := range opts {
		o(&options)
	}

	return func(ctx context.Context, event mqbridge.Event) error {
		dest := event.Destination()
		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", options.system),
			attribute.String("messaging.destination", dest.Name),
			attribute.String("messaging.destination_kind", dest.Pipeline.String()),
			attribute.String("messaging.operation", "process"),
		}
		if msg := event.Message(); msg != nil {
			if id := msg.Header[mqbridge.HeaderMessageID]; id != "" {
				attrs = append(attrs, attribute.String("messaging.message_id", id))
			}
			attrs = append(attrs, attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)))
		}

		ctx, span := options.tracer.Start(ctx, "broker.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		err := h(ctx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// Tracing returns OtelHandler as runtime middleware.
func Tracing(opts ...Option) mqbridge.HandlerMiddleware {
	return func(h mqbridge.Handler) mqbridge.Handler {
		return OtelHandler(h, opts...)
	}
}

type options struct {
	tracer trace.Tracer
	system string
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSystem sets the messaging.system attribute.
func WithSystem(name string) Option {
	return func(o *options) {
		o.system = name
	}
}
