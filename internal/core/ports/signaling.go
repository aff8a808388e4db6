package ports

import (
	"context"

	"meshspace/internal/core/domain"
)

// SignalingHandlers are the callbacks a signaling channel delivers
// into. The channel invokes them from its own read loop; handlers must
// not block.
type SignalingHandlers struct {
	// OnEnvelope delivers every decoded inbound envelope.
	OnEnvelope func(env *domain.Envelope)
	// OnConnected fires on every successful connect, including
	// reconnects. The session re-announces join and full state here.
	OnConnected func(reconnect bool)
	// OnTerminal fires once when reconnect attempts are exhausted.
	OnTerminal func(err error)
}

// SignalingChannel is the reconnecting duplex channel to the relay.
// Implementations own the transport and its backoff; callers only see
// envelopes and connectivity callbacks.
type SignalingChannel interface {
	// SetHandlers must be called before Connect.
	SetHandlers(h SignalingHandlers)
	Connect(ctx context.Context) error
	Send(env *domain.Envelope) error
	Close() error
}
