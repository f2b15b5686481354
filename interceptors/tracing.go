package interceptors

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/internal/tracing"
	"github.com/rentalhub/rentbus-go/messaging"
)

// TracingInterceptor continues the publisher's trace in a consumer span
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a tracing interceptor. A nil provider uses
// the global one.
func NewTracingInterceptor(provider trace.TracerProvider) *TracingInterceptor {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingInterceptor{tracer: provider.Tracer(tracing.InstrumentationName)}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	ctx = tracing.Extract(ctx, msg.Headers())

	ctx, span := i.tracer.Start(ctx, msg.Queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.source.name", msg.Queue),
			attribute.String("messaging.message.id", msg.Delivery.MessageId),
			attribute.String("rentbus.message.type", msg.Type()),
			attribute.Int("rentbus.retry_count", msg.RetryCount()),
		))
	defer span.End()

	err := next.Handle(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("rentbus.error.permanent", reliability.IsPermanent(err)))
	}

	return err
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}
