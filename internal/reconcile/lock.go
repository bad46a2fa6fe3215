package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSyncInProgress is returned when another pass holds the principal.
var ErrSyncInProgress = errors.New("reconcile: sync already running for this principal")

// Locker grants at most one concurrent sync pass per key. Acquire never
// waits: a held key fails with ErrSyncInProgress.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is the in-process Locker.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*KeyedMutex)(nil)

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

func (k *KeyedMutex) Acquire(_ context.Context, key string) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return nil, ErrSyncInProgress
	}
	k.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}, nil
}

var releaseIfOwner = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker is a lease shared by every process using the same Redis.
// A lease that outlives ttl expires on its own.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{rdb: rdb, prefix: "evetrade:sync-lease:", ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	leaseKey := l.prefix + key
	var once sync.Once
	return func() {
		once.Do(func() {
			// Released on a fresh context so a cancelled sync still frees it.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseIfOwner.Run(ctx, l.rdb, []string{leaseKey}, token).Err(); err != nil {
				l.logger.Warn("sync lease release failed, held until ttl", "key", leaseKey, "ttl", l.ttl, "err", err)
			}
		})
	}, nil
}
