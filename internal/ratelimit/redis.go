package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// slidingWindow keeps one sorted-set member per admitted request, scored by
// its timestamp in milliseconds. Returns {allowed, remaining, retry_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisOptions configures the Redis limiter.
type RedisOptions struct {
	URL    string
	Prefix string
	Limit  int
	Window time.Duration
}

// Redis is a Limiter shared by every node pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedis connects to opts.URL (redis://host:port/db).
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = time.Second
	ropts.WriteTimeout = time.Second
	return &Redis{
		client: redis.NewClient(ropts),
		prefix: opts.Prefix,
		limit:  opts.Limit,
		window: opts.Window,
	}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	res, err := slidingWindow.Run(ctx, r.client,
		[]string{r.prefix + "ratelimit:" + key},
		now.UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrap(err, "redis sliding window")
	}
	if len(res) != 3 {
		return Decision{}, errors.Errorf("unexpected sliding window reply %v", res)
	}
	d := Decision{
		Allowed:   res[0] == 1,
		Limit:     r.limit,
		Remaining: int(res[1]),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
