package chatsync

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/markodavidovic/chatsync"

const (
	spanSend      = "chatsync.send"
	spanStream    = "chatsync.stream"
	spanReconcile = "chatsync.reconcile"
	spanHistory   = "chatsync.history.fetch"
)

func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return noop.NewTracerProvider().Tracer(tracerName)
}

// startSpan opens a span with the common conversation attributes.
func startSpan(ctx context.Context, tracer trace.Tracer, name, userID, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chatsync.user_id", userID),
		attribute.String("chatsync.session_id", sessionID),
	))
}

// endSpan closes a span, recording err as span status when non-nil.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
