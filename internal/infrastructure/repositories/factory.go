package repositories

import (
	"context"

	"meshspace/internal/core/ports"
	"meshspace/internal/infrastructure/reliability"
	"meshspace/internal/infrastructure/repositories/memory"
	redisrepo "meshspace/internal/infrastructure/repositories/redis"
	"meshspace/pkg/circuitbreaker"
	"meshspace/pkg/config"
	"meshspace/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support: when
// Redis is enabled but unreachable the relay degrades to memory-backed
// storage instead of refusing to start.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateRosterRepository returns the Redis roster when available,
// otherwise the memory one. The Redis roster is wrapped with retries
// and a circuit breaker since it crosses the network.
func (f *RepositoryFactory) CreateRosterRepository() ports.RosterRepository {
	if f.useRedis && f.redisClient != nil {
		inner := redisrepo.NewRedisRosterRepository(f.redisClient)
		return reliability.NewRosterWrapper(inner, circuitbreaker.DefaultConfig(), retry.DefaultConfig(), f.logger)
	}
	return memory.NewMemoryRosterRepository()
}

// RedisClient returns the shared client, or nil when the factory has
// fallen back to memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes the Redis connection if one is in use.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it is the active backend.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
