package timer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/parkwise/internal/booking/domain"
)

const defaultTimerKey = "booking:timers"

// RedisStore keeps jobs in a sorted set scored by due time in milliseconds.
// Claiming bumps a member's score to the end of its lease in the same script,
// so a crashed poller's jobs reappear once the lease expires.
type RedisStore struct {
	client redis.Cmdable
	key    string
	claim  *redis.Script
}

func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = defaultTimerKey
	}
	return &RedisStore{client: client, key: key, claim: redis.NewScript(claimDueLua)}
}

func (r *RedisStore) Add(ctx context.Context, job domain.TimerJob) error {
	err := r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(job.At.UnixMilli()), Member: encodeJob(job)}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

func (r *RedisStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.TimerJob, error) {
	res, err := r.claim.Run(ctx, r.client, []string{r.key}, now.UnixMilli(), now.Add(lease).UnixMilli(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("redis claim timers: %w", err)
	}
	members, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("redis claim timers: unexpected reply %T", res)
	}
	jobs := make([]domain.TimerJob, 0, len(members))
	for _, m := range members {
		s, ok := m.(string)
		if !ok {
			continue
		}
		job, err := decodeJob(s)
		if err != nil {
			// unreadable members would be claimed forever
			_ = r.client.ZRem(ctx, r.key, s).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisStore) Ack(ctx context.Context, job domain.TimerJob) error {
	if err := r.client.ZRem(ctx, r.key, encodeJob(job)).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

const claimDueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
  redis.call('ZADD', KEYS[1], ARGV[2], member)
end
return due
`
