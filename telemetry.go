package mqbridge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/qvcloud/mqbridge"

type telemetry struct {
	tracer trace.Tracer

	sent     metric.Int64Counter
	received metric.Int64Counter
	dropped  metric.Int64Counter
	live     metric.Int64UpDownCounter
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) *telemetry {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	t := &telemetry{tracer: tracer}
	// Instrument creation only fails on invalid names; the API falls back to
	// no-op instruments in that case.
	t.sent, _ = meter.Int64Counter("mqbridge.messages.sent",
		metric.WithDescription("Messages handed to the broker by producers"))
	t.received, _ = meter.Int64Counter("mqbridge.messages.received",
		metric.WithDescription("Messages delivered to consumers by the broker"))
	t.dropped, _ = meter.Int64Counter("mqbridge.notifications.dropped",
		metric.WithDescription("Notifications dropped before reaching the host"))
	t.live, _ = meter.Int64UpDownCounter("mqbridge.handles.live",
		metric.WithDescription("Clients currently registered"))
	return t
}

func (t *telemetry) addSent(ctx context.Context, scheme string) {
	if t.sent != nil {
		t.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.system", scheme)))
	}
}

func (t *telemetry) addReceived(ctx context.Context, scheme string) {
	if t.received != nil {
		t.received.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.system", scheme)))
	}
}

func (t *telemetry) addDropped(ctx context.Context, reason string) {
	if t.dropped != nil {
		t.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (t *telemetry) addLive(ctx context.Context, n int64) {
	if t.live != nil {
		t.live.Add(ctx, n)
	}
}
