package cachesvc

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/academia/core"
)

// openRedis connects to TEST_REDIS_ADDR; tests are skipped when it is not set.
func openRedis(t *testing.T) *RedisGuard {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	conf := core.NewTestConfig()
	conf.Redis.Addr = addr

	rdb, err := NewRedisClient(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisGuard(rdb, time.Second, "test:"+uuid.NewString()+":")
}

func TestRedisGuard(t *testing.T) {
	guard := openRedis(t)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "txn-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.Acquire(ctx, "txn-1")
	require.NoError(t, err)
	assert.False(t, ok, "held key")

	ok, err = guard.Acquire(ctx, "txn-2")
	require.NoError(t, err)
	assert.True(t, ok, "other key")

	require.NoError(t, guard.Release(ctx, "txn-1"))
	ok, err = guard.Acquire(ctx, "txn-1")
	require.NoError(t, err)
	assert.True(t, ok, "released key")

	// releasing a key that is not held is a no-op
	assert.NoError(t, guard.Release(ctx, "unknown"))
}

func TestRedisGuard_expiry(t *testing.T) {
	guard := openRedis(t)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "txn")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := guard.Acquire(ctx, "txn")
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRedisGuard_concurrent(t *testing.T) {
	guard := openRedis(t)
	ctx := context.Background()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := guard.Acquire(ctx, "txn"); err == nil && ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired)
}

func TestNewRedisClient_unreachable(t *testing.T) {
	conf := core.NewTestConfig()
	conf.Redis.Addr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisClient(ctx, conf)
	assert.Error(t, err)
}
