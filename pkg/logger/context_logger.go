package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

// PeerIDKey carries the authenticated peer id through a request context.
const PeerIDKey contextKey = "peer_id"

// WithPeerID stores a peer id for later extraction by FromContext.
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, PeerIDKey, peerID)
}

// FromContext returns log with trace correlation fields pulled from
// ctx: the active otel span's trace and span ids, plus the peer id
// when one was attached. Logs emitted through the result can be joined
// against traces in Jaeger.
func FromContext(ctx context.Context, log *zap.SugaredLogger) *zap.SugaredLogger {
	fields := make([]interface{}, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
		)
	}
	if peerID, ok := ctx.Value(PeerIDKey).(string); ok && peerID != "" {
		fields = append(fields, "peer_id", peerID)
	}

	if len(fields) == 0 {
		return log
	}
	return log.With(fields...)
}
