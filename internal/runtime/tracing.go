package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/courier/transport"
)

const tracerName = "github.com/drblury/courier"

func newTracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(tracerName)
}

func (c *Client) startSpan(ctx context.Context, name string, kind trace.SpanKind, role transport.Role, addr, messageType string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", c.transport.Name),
			attribute.String("messaging.destination.name", addr),
			attribute.String("courier.role", string(role)),
			attribute.String("courier.message_type", messageType),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
