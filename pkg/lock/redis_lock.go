package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 100 * time.Millisecond
	defaultPrefix    = "askdocs:lock"
)

// RedisLocker is a Locker shared across processes. A held lock is refreshed in
// the background until released, so long embedding passes keep it.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// RedisLockerOptions configures NewRedisLocker. Zero values take defaults.
type RedisLockerOptions struct {
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

// NewRedisLocker creates a RedisLocker over client.
func NewRedisLocker(client *redis.Client, opts RedisLockerOptions) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker requires a client")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	retry := opts.Retry
	if retry <= 0 {
		retry = defaultLockRetry
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: retry}, nil
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(redisKey, token, stop)
	}()

	return sync.OnceFunc(func() {
		close(stop)
		wg.Wait()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			slog.Warn("lock: release failed", "key", key, "err", err)
		}
	}), nil
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			res, err := refreshScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				slog.Warn("lock: refresh failed", "key", redisKey, "err", err)
				continue
			}
			if res == 0 {
				slog.Warn("lock: lost before release", "key", redisKey)
				return
			}
		}
	}
}
