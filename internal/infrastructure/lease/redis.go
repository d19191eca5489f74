// Package lease provides sequence lease lockers that live outside the sequence store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
	"consecutive/pkg/logger"
)

const defaultKeyPrefix = "consecutive:lease:"

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string // host:port
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLocker implements sequence.Locker with SET NX PX. Tokens carry an empty
// Fence, so store writes are not fenced against the persisted lease.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info(ctx, "connected to redis lease store", "addr", cfg.Addr, "db", cfg.DB)
	return NewRedisLockerFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLocker{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLocker) key(sequenceID id.ID) string {
	return l.prefix + sequenceID.String()
}

// Acquire implements sequence.Locker.
func (l *RedisLocker) Acquire(ctx context.Context, sequenceID id.ID, holder string, ttl time.Duration) (sequence.LeaseToken, error) {
	key := l.key(sequenceID)
	now := l.now()

	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return sequence.LeaseToken{}, fmt.Errorf("acquire lease %s: %w", sequenceID, err)
	}
	if !ok {
		current, err := l.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return sequence.LeaseToken{}, fmt.Errorf("%w: %w", sequence.ErrLeaseHeld, err)
		}
		return sequence.LeaseToken{}, fmt.Errorf("%w by %s", sequence.ErrLeaseHeld, current)
	}

	return sequence.LeaseToken{
		SequenceID: sequenceID,
		Holder:     holder,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Release implements sequence.Locker.
func (l *RedisLocker) Release(ctx context.Context, token sequence.LeaseToken) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(token.SequenceID)}, token.Holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", token.SequenceID, err)
	}
	return nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var _ sequence.Locker = (*RedisLocker)(nil)

// Ping reports whether Redis is reachable.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
