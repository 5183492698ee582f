// Package lock serializes work on a single key across workers.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Release gives up a held lock. It is safe to call more than once.
type Release func(ctx context.Context) error

type Locker interface {
	// TryLock acquires key for at most ttl without blocking. ok is false when
	// another holder owns the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release Release, ok bool, err error)
}

const releaseLuaScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// RedisLocker uses SET NX with a random ownership value so a holder whose
// TTL expired cannot release a lock someone else has since taken.
type RedisLocker struct {
	client  *redis.Client
	release *redis.Script
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, release: redis.NewScript(releaseLuaScript)}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, err
	}
	value := hex.EncodeToString(b)
	redisKey := fmt.Sprintf("lock:%s", key)

	ok, err := l.client.SetNX(ctx, redisKey, value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", redisKey, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		_, err := l.release.Run(ctx, l.client, []string{redisKey}, value).Result()
		return err
	}, true, nil
}

// MemoryLocker is the in-process equivalent for single-process runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memHold
	now   func() time.Time
	token uint64
}

type memHold struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memHold{}, now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	l.token++
	token := l.token
	l.held[key] = memHold{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
		return nil
	}, true, nil
}
