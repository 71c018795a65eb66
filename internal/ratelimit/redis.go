package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindow prunes entries at or before the cutoff, then records the
// request only when fewer than the limit remain. Returns 1 when admitted.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis is a limiter shared by every process pointing at the same server.
type Redis struct {
	rdb      *redis.Client
	prefix   string
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRedis returns a sorted-set backed limiter.
func NewRedis(rdb *redis.Client, requests int, window time.Duration) *Redis {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, prefix: "codelense:ratelimit:", requests: requests, window: window, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.rdb,
		[]string{r.prefix + key},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(r.window.Milliseconds(), 10),
		r.requests,
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return res == 1, nil
}
