package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consecutive/internal/core/id"
	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/storage/memory"
	"consecutive/pkg/logger"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisLockerFromClient(client, "")
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, locker := setupMiniRedis(t)
	ctx := context.Background()
	seqID := id.New()

	token, err := locker.Acquire(ctx, seqID, "a", 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, token.Fence)
	assert.Equal(t, "a", token.Holder)

	got, err := mr.Get(defaultKeyPrefix + seqID.String())
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	_, err = locker.Acquire(ctx, seqID, "b", 5*time.Second)
	assert.ErrorIs(t, err, sequence.ErrLeaseHeld)

	require.NoError(t, locker.Release(ctx, token))
	assert.False(t, mr.Exists(defaultKeyPrefix+seqID.String()))

	_, err = locker.Acquire(ctx, seqID, "b", 5*time.Second)
	assert.NoError(t, err)
}

func TestRedisLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	mr, locker := setupMiniRedis(t)
	ctx := context.Background()
	seqID := id.New()

	stale, err := locker.Acquire(ctx, seqID, "a", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = locker.Acquire(ctx, seqID, "b", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, stale))

	got, err := mr.Get(defaultKeyPrefix + seqID.String())
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestRedisLocker_ServesSequenceService(t *testing.T) {
	_, locker := setupMiniRedis(t)
	ctx := context.Background()

	svc := sequence.NewService(sequence.Config{
		Store:  memory.New(),
		Locker: locker,
		Policy: sequence.LeasePolicy{
			TTL:         5 * time.Second,
			Attempts:    10_000,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  2 * time.Millisecond,
			Deadline:    30 * time.Second,
		},
		Logger: logger.Nop(),
	})

	actor := sequence.Actor{ID: "worker", Admin: true}
	def, err := svc.CreateSequence(ctx, &sequence.Definition{Name: "loads", InitialValue: 1}, actor)
	require.NoError(t, err)

	const workers, perWorker = 8, 10
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r, err := svc.Allocate(ctx, def.ID, 1, sequence.AllocateOptions{}, actor)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[r.Start], "duplicate value %d", r.Start)
				seen[r.Start] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	for v := int64(1); v <= workers*perWorker; v++ {
		assert.True(t, seen[v], "missing value %d", v)
	}
}
