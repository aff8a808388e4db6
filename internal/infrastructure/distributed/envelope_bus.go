package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshspace/internal/core/domain"
)

const envelopeChannel = "meshspace:envelopes"

// busMessage wraps a relayed envelope with the publishing instance id
// so an instance can skip its own messages.
type busMessage struct {
	InstanceID string           `json:"instance_id"`
	Envelope   *domain.Envelope `json:"envelope"`
}

// EnvelopeBus fans signaling envelopes out across relay instances over
// Redis pub/sub. A peer connected to instance A still reaches peers on
// instance B: A publishes every broadcast to the bus and B replays it
// to its local connections.
type EnvelopeBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEnvelopeBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EnvelopeBus {
	return &EnvelopeBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Publish sends an envelope to every other relay instance.
func (b *EnvelopeBus) Publish(ctx context.Context, env *domain.Envelope) error {
	data, err := json.Marshal(busMessage{
		InstanceID: b.instanceID,
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	if err := b.client.Publish(ctx, envelopeChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	b.logger.Debugw("published envelope to bus",
		"type", env.Type,
		"peer_id", env.PeerID,
	)
	return nil
}

// Subscribe blocks delivering envelopes from other instances to handler
// until ctx is cancelled. Envelopes published by this instance are
// skipped.
func (b *EnvelopeBus) Subscribe(ctx context.Context, handler func(*domain.Envelope)) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, envelopeChannel)
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var bm busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.logger.Warnw("failed to unmarshal bus message", "error", err)
				continue
			}
			if bm.InstanceID == b.instanceID || bm.Envelope == nil {
				continue
			}

			handler(bm.Envelope)
		}
	}
}

func (b *EnvelopeBus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
