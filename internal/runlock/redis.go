package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis guards runs across hosts with SET NX and a TTL.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisClient builds a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedis constructs a Redis locker. The TTL bounds how long a crashed
// holder can block other passes.
func NewRedis(client redis.Cmdable, key string, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger.With().Str("component", "runlock").Logger(),
	}
}

// Acquire sets the lock key with a fresh token or returns ErrHeld.
func (r *Redis) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	release := func() {
		ctxRelease, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctxRelease, r.client, []string{r.key}, token).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", r.key).Msg("release redis lock")
		}
	}
	return release, nil
}
