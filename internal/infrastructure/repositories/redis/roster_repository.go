package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const rosterSetKey = "meshspace:roster"

// RedisRosterRepository lets several relay instances share one roster.
// Each record lives under its own key; the set key indexes the ids
// for List.
type RedisRosterRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRosterRepository(client *redis.Client) ports.RosterRepository {
	return &RedisRosterRepository{
		client: client,
		prefix: "meshspace:peer:",
	}
}

func (r *RedisRosterRepository) peerKey(id domain.PeerID) string {
	return r.prefix + string(id)
}

func (r *RedisRosterRepository) Upsert(ctx context.Context, rec *domain.PeerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal peer record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.peerKey(rec.ID), data, 0)
	pipe.SAdd(ctx, rosterSetKey, string(rec.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store peer record in Redis: %w", err)
	}
	return nil
}

func (r *RedisRosterRepository) Get(ctx context.Context, id domain.PeerID) (*domain.PeerRecord, error) {
	data, err := r.client.Get(ctx, r.peerKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer record from Redis: %w", err)
	}

	var rec domain.PeerRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRosterRepository) Remove(ctx context.Context, id domain.PeerID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.peerKey(id))
	pipe.SRem(ctx, rosterSetKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove peer record from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *RedisRosterRepository) List(ctx context.Context) ([]*domain.PeerRecord, error) {
	ids, err := r.client.SMembers(ctx, rosterSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list roster ids from Redis: %w", err)
	}
	sort.Strings(ids)

	out := make([]*domain.PeerRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, domain.PeerID(id))
		if err == domain.ErrPeerNotFound {
			// Index entry outlived its record; self-heal.
			r.client.SRem(ctx, rosterSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
