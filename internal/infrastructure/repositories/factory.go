package repositories

import (
	"context"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/reliability"
	"camrelay/internal/infrastructure/repositories/memory"
	redisrepo "camrelay/internal/infrastructure/repositories/redis"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/config"
	"camrelay/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "camrelay:lock:"

// RepositoryFactory creates repositories with fallback support. Grants and
// their locks live in Redis when it is enabled and reachable; everything
// else is configuration-backed and held in memory.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	memStore *memory.MemoryGrantStore
	store    ports.GrantStore
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis grant store")
		}
	}

	if factory.useRedis {
		factory.store = reliability.NewGuardedGrantStore(
			redisrepo.NewRedisGrantStore(factory.redisClient),
			circuitbreaker.DefaultConfig(),
			logger,
		)
	} else {
		logger.Info("using memory grant store")
		factory.memStore = memory.NewMemoryGrantStore()
		factory.store = factory.memStore
	}

	return factory, nil
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the shared client, or nil in memory mode.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) GrantStore() ports.GrantStore {
	return f.store
}

// SnapshotStore returns the in-process grant store, which is the only one
// that needs file snapshots. It is nil when grants live in Redis.
func (f *RepositoryFactory) SnapshotStore() *memory.MemoryGrantStore {
	return f.memStore
}

func (f *RepositoryFactory) GrantLocker() ports.GrantLocker {
	if f.UsingRedis() {
		return distributed.NewLockManager(f.redisClient, lockPrefix, f.cfg.Redis.LockTTL)
	}
	return memory.NewKeyedMutex()
}

// LeaderLock returns the lock used to elect the sweeping instance. A single
// in-memory instance always sweeps, so it gets nil.
func (f *RepositoryFactory) LeaderLock() services.LeaderLock {
	if f.UsingRedis() {
		return distributed.NewLockManager(f.redisClient, lockPrefix, f.cfg.Grants.SweepInterval)
	}
	return nil
}

func (f *RepositoryFactory) SourceRegistry() *memory.MemorySourceRegistry {
	sources := make([]*domain.Source, 0, len(f.cfg.Sources))
	for _, s := range f.cfg.Sources {
		quality := domain.QualityTier(s.Quality)
		if quality == "" {
			quality = domain.QualityTier(f.cfg.Relay.DefaultQuality)
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		sources = append(sources, &domain.Source{
			ID:       domain.SourceID(s.ID),
			Name:     name,
			Location: s.Location,
			Locator:  s.Locator,
			Quality:  quality,
		})
	}
	return memory.NewMemorySourceRegistry(sources)
}

func (f *RepositoryFactory) UserDirectory() *memory.MemoryUserDirectory {
	now := time.Now()
	users := make([]*domain.User, 0, len(f.cfg.Users))
	for _, u := range f.cfg.Users {
		users = append(users, &domain.User{
			ID:           domain.UserID(u.ID),
			Username:     u.Username,
			DisplayName:  u.DisplayName,
			Role:         domain.UserRole(u.Role),
			PasswordHash: u.PasswordHash,
			CreatedAt:    now,
		})
	}
	return memory.NewMemoryUserDirectory(users)
}

func (f *RepositoryFactory) ChatRepository() ports.ChatRepository {
	return memory.NewMemoryChatRepository(f.cfg.Chat.HistorySize)
}

func (f *RepositoryFactory) RecordingRequestRepository() ports.RecordingRequestRepository {
	return memory.NewMemoryRecordingRequestRepository()
}

// RegisterHealthChecks adds the storage checks to checker. Both are critical:
// without the grant store nobody can be admitted.
func (f *RepositoryFactory) RegisterHealthChecks(checker *monitoring.HealthChecker) {
	if f.UsingRedis() {
		checker.AddRedisCheck(f.redisClient, 2*time.Second)
	}
	checker.AddStoreCheck(f.store, 2*time.Second)
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
