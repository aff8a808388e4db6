package ports

import (
	"context"

	"meshspace/internal/core/domain"
)

// RosterRepository stores the relay's view of connected peers and
// their last announced state. Backed by memory or Redis.
type RosterRepository interface {
	Upsert(ctx context.Context, rec *domain.PeerRecord) error
	Get(ctx context.Context, id domain.PeerID) (*domain.PeerRecord, error)
	Remove(ctx context.Context, id domain.PeerID) error
	List(ctx context.Context) ([]*domain.PeerRecord, error)
}
