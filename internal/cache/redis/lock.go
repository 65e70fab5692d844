package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Both scripts act only when the key still holds the caller's token, so a
// holder whose lock expired can never release or extend someone else's.
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// LockManager implements domain.LockManager with SET NX plus a TTL that is
// refreshed in the background while the lock is held. The recorder uses it
// to guarantee a single poller per upstream account.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock or returns domain.ErrLockHeld. The TTL is extended
// every ttl/3 until unlock is called or ctx ends; after that the key simply
// expires. lost is closed when an extension finds another token under the
// key, or when no extension has succeeded for a full ttl. unlock is safe to
// call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), <-chan struct{}, error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	keepCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	lost := make(chan struct{})
	go func() {
		defer close(done)
		if !lm.keepAlive(keepCtx, lk, token, ttl) {
			close(lost)
		}
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			stop()
			<-done

			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, lost, nil
}

// keepAlive extends the key until ctx ends and reports false once the lock
// can no longer be considered held.
func (lm *LockManager) keepAlive(ctx context.Context, lk, token string, ttl time.Duration) bool {
	interval := ttl / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	extended := time.Now()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			switch {
			case ctx.Err() != nil:
				return true
			case err == nil && n == 0:
				return false
			case err == nil:
				extended = time.Now()
			case time.Since(extended) >= ttl:
				// The key has expired server-side by now.
				return false
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
