package gate

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "resemblance:inflight:"

// DefaultTTL bounds how long a lock survives a crashed holder. It must exceed
// the analysis timeout.
const DefaultTTL = 5 * time.Minute

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Redis is a Gate backed by a Redis SET NX lock, shared by every instance
// pointing at the same Redis. The lock value is the acquisition token and
// release only deletes the key while it still holds that token, so an
// expired and re-acquired lock is never released by its previous holder.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Gate = (*Redis)(nil)

// NewRedis returns a distributed gate. A non-positive ttl uses DefaultTTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context, code string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+code, token, r.ttl).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire in-flight lock for %s", code)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Release(ctx context.Context, code, token string) error {
	if token == "" {
		return nil
	}
	n, err := unlockScript.Run(ctx, r.client, []string{keyPrefix + code}, token).Int()
	if err != nil {
		return errors.Wrapf(err, "release in-flight lock for %s", code)
	}
	if n == 0 {
		log.Warn().Str("code", code).Msg("In-flight lock expired before release")
	}
	return nil
}
