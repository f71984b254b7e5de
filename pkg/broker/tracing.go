package broker

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-contactsync"

func startPublishSpan(ctx context.Context, system, topic string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		semconv.MessagingSystemKey.String(system),
		semconv.MessagingDestinationKindKey.String("topic"),
		semconv.MessagingDestinationKey.String(topic),
	}, attrs...)
	return otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// withTraceHeaders returns a copy of headers carrying the trace context of ctx.
func withTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	maps.Copy(out, headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}

// startConsumeSpan continues the producer trace found in msg headers.
func startConsumeSpan(ctx context.Context, system, group string, msg Message) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	return otel.Tracer(tracerName).Start(ctx, "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String(system),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingOperationProcess,
			attribute.String("messaging.consumer_group", group),
			attribute.Int("messaging.partition", msg.Partition),
			attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)),
		),
	)
}
