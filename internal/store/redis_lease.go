package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if this holder still owns it
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLeaseManager implements service.LeaseManager across processes with
// Redis keys that expire unless renewed
type RedisLeaseManager struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
	prefix        string
	logger        *zap.Logger
}

// NewRedisLeaseManager creates a lease manager on an existing client
func NewRedisLeaseManager(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLeaseManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLeaseManager{
		client:        client,
		ttl:           ttl,
		retryInterval: 100 * time.Millisecond,
		prefix:        "pairdb:merge:lease:",
		logger:        logger,
	}
}

// ConnectRedisLeaseManager dials Redis and verifies the connection
func ConnectRedisLeaseManager(host string, port int, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisLeaseManager, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLeaseManager(client, ttl, logger), nil
}

// Acquire implements service.LeaseManager. It polls until the key is free.
func (m *RedisLeaseManager) Acquire(ctx context.Context, structureID string) (service.Lease, error) {
	if structureID == "" {
		return nil, mergeerrors.InvalidArgument("structure ID is required", nil)
	}
	key := m.prefix + structureID
	token := uuid.NewString()

	for {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, mergeerrors.Cancelled(ctx.Err()).WithDetail("structure_id", structureID)
			}
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			return m.newLease(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, mergeerrors.Cancelled(ctx.Err()).WithDetail("structure_id", structureID)
		case <-time.After(m.retryInterval):
		}
	}
}

func (m *RedisLeaseManager) newLease(key, token string) *redisLease {
	l := &redisLease{
		manager: m,
		key:     key,
		token:   token,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.renew()
	return l
}

// Close closes the Redis client
func (m *RedisLeaseManager) Close() error {
	return m.client.Close()
}

type redisLease struct {
	manager *RedisLeaseManager
	key     string
	token   string
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

// renew keeps the key alive while the merge runs
func (l *redisLease) renew() {
	defer close(l.done)
	ticker := time.NewTicker(l.manager.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.manager.ttl/3)
			n, err := renewScript.Run(ctx, l.manager.client, []string{l.key}, l.token, l.manager.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.manager.logger.Warn("Failed to renew structure lease", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.manager.logger.Error("Structure lease lost", zap.String("key", l.key))
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Err()
		if err != nil {
			err = fmt.Errorf("failed to release lease %s: %w", l.key, err)
		}
	})
	return err
}
