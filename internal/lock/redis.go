package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "lock:"

// Redis coordinates entity locks across instances with SET NX PX. Each lock
// carries a random token and a TTL so a crashed holder cannot wedge the key.
// While held, the lease is extended every third of the TTL.
type Redis struct {
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	retry   time.Duration
	release *redis.Script
	extend  *redis.Script
}

// RedisConfig tunes lease length and polling interval.
type RedisConfig struct {
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

// NewRedis constructs the lock helper.
func NewRedis(client redis.Cmdable, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultLockPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 25 * time.Millisecond
	}
	return &Redis{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, retry: cfg.Retry, release: redis.NewScript(releaseLua), extend: redis.NewScript(extendLua)}
}

// Lock polls until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()
	start := startWait()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			observeWait("redis", start, "error")
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			observeWait("redis", start, "acquired")
			return r.hold(full, token), nil
		}
		select {
		case <-ctx.Done():
			observeWait("redis", start, "cancelled")
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// hold keeps the lease alive until the returned func releases it.
func (r *Redis) hold(key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			r.unlock(key, token)
		})
	}
}

func (r *Redis) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := r.extend.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				continue
			}
			if n == 0 {
				leaseLost.WithLabelValues("redis").Inc()
				return
			}
		}
	}
}

func (r *Redis) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.release.Run(ctx, r.client, []string{key}, token).Err()
}

const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
