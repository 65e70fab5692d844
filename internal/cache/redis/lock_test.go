package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/AMekss/assert"
	"github.com/redis/go-redis/v9"
)

// unreachableLockManager points at a port nobody listens on, so every
// extension fails with a connection error.
func unreachableLockManager(t *testing.T) *LockManager {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := lis.Addr().String()
	assert.NoError(t, lis.Close())

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return &LockManager{rdb: rdb, unlockSc: redis.NewScript(unlockLua), extendSc: redis.NewScript(extendLua)}
}

func TestKeepAliveGivesUpAfterTTLWithoutExtension(t *testing.T) {
	lm := unreachableLockManager(t)

	start := time.Now()
	held := lm.keepAlive(context.Background(), lockKey("k"), "token", 300*time.Millisecond)

	assert.False(t, held)
	assert.True(t, time.Since(start) >= 300*time.Millisecond)
}

func TestKeepAliveReportsHeldWhenStopped(t *testing.T) {
	lm := unreachableLockManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	held := lm.keepAlive(ctx, lockKey("k"), "token", 10*time.Second)

	assert.True(t, held)
}
