package ratelimit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
)

const keyPrefix = "resemblance:ratelimit:"

// incrScript counts an attempt and starts the window on the first one.
// Returns {count, remaining window in ms}.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}`)

// Redis is a fixed-window limiter shared by every instance using the same
// Redis.
type Redis struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

var _ Limiter = (*Redis)(nil)

// NewRedis creates a fixed-window limiter.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := incrScript.Run(ctx, r.client, []string{keyPrefix + key}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrapf(err, "rate limit %s", key)
	}
	if len(res) != 2 {
		return Decision{}, errors.Newf("rate limit %s: unexpected reply %v", key, res)
	}
	if res[0] <= int64(r.limit) {
		return Decision{Allowed: true}, nil
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry <= 0 {
		retry = r.window
	}
	return Decision{RetryAfter: retry}, nil
}
