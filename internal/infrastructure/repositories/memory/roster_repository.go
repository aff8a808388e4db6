package memory

import (
	"context"
	"sort"
	"sync"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"
)

type MemoryRosterRepository struct {
	peers map[domain.PeerID]*domain.PeerRecord
	mu    sync.RWMutex
}

func NewMemoryRosterRepository() ports.RosterRepository {
	return &MemoryRosterRepository{
		peers: make(map[domain.PeerID]*domain.PeerRecord),
	}
}

func (r *MemoryRosterRepository) Upsert(ctx context.Context, rec *domain.PeerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *rec
	r.peers[rec.ID] = &stored
	return nil
}

func (r *MemoryRosterRepository) Get(ctx context.Context, id domain.PeerID) (*domain.PeerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}
	out := *rec
	return &out, nil
}

func (r *MemoryRosterRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	delete(r.peers, id)
	return nil
}

func (r *MemoryRosterRepository) List(ctx context.Context) ([]*domain.PeerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
