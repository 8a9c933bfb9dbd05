// Redis-backed per-session execution locks.
//
// A lock guards one session against overlapping executions when a previous
// run overruns the tick period, and against a second scheduler instance
// picking up the same session. When Redis is unavailable the locker falls
// back to an in-process lock table so a single instance keeps trading.
package database

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionLockKeyPrefix is the prefix for session lock keys.
// Format: digit-bot:session-lock:{sessionKey}
const SessionLockKeyPrefix = "digit-bot:session-lock"

// redisReprobeInterval limits how often an unavailable Redis is pinged again
const redisReprobeInterval = 30 * time.Second

// releaseScript deletes the key only when it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisSessionLocker hands out per-session locks with an in-memory fallback
type RedisSessionLocker struct {
	client         *redis.Client
	ttl            time.Duration
	redisAvailable atomic.Bool
	lastProbe      atomic.Int64

	mu    sync.Mutex
	local map[string]string // sessionKey -> token, used while Redis is down
}

// NewRedisSessionLocker creates a locker. If client is nil it operates in memory-only mode.
func NewRedisSessionLocker(client *redis.Client, ttl time.Duration) *RedisSessionLocker {
	l := &RedisSessionLocker{
		client: client,
		ttl:    ttl,
		local:  make(map[string]string),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[SESSION-LOCK] Redis unavailable at startup: %v, using in-memory locks", err)
		} else {
			l.redisAvailable.Store(true)
		}
	}
	return l
}

func (l *RedisSessionLocker) lockKey(sessionKey string) string {
	return fmt.Sprintf("%s:%s", SessionLockKeyPrefix, sessionKey)
}

// IsRedisAvailable returns whether Redis is currently used for locking
func (l *RedisSessionLocker) IsRedisAvailable() bool {
	return l.redisAvailable.Load()
}

// TryAcquire attempts to take the lock for sessionKey without blocking.
// On success the returned release func must be called exactly once.
func (l *RedisSessionLocker) TryAcquire(ctx context.Context, sessionKey string) (func(), bool) {
	token := uuid.NewString()

	if l.useRedis(ctx) {
		key := l.lockKey(sessionKey)
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err == nil {
			if !ok {
				return nil, false
			}
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
					log.Printf("[SESSION-LOCK] Failed to release %s: %v (expires in %s)", key, err, l.ttl)
				}
			}, true
		}
		log.Printf("[SESSION-LOCK] Redis SETNX failed: %v, falling back to in-memory locks", err)
		l.redisAvailable.Store(false)
		l.lastProbe.Store(time.Now().UnixNano())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.local[sessionKey]; held {
		return nil, false
	}
	l.local[sessionKey] = token
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.local[sessionKey] == token {
			delete(l.local, sessionKey)
		}
	}, true
}

// useRedis reports whether Redis should be tried, re-probing a failed
// connection at most every redisReprobeInterval.
func (l *RedisSessionLocker) useRedis(ctx context.Context) bool {
	if l.client == nil {
		return false
	}
	if l.redisAvailable.Load() {
		return true
	}

	last := l.lastProbe.Load()
	if time.Since(time.Unix(0, last)) < redisReprobeInterval {
		return false
	}
	l.lastProbe.Store(time.Now().UnixNano())

	if err := l.client.Ping(ctx).Err(); err != nil {
		return false
	}
	log.Printf("[SESSION-LOCK] Redis connection recovered")
	l.redisAvailable.Store(true)
	return true
}

// HeldLocally returns the number of in-memory locks currently held
func (l *RedisSessionLocker) HeldLocally() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.local)
}
