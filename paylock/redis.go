package paylock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/agreement"
)

const (
	DefaultRedisTTL   = 2 * time.Minute
	DefaultRedisRetry = 100 * time.Millisecond
)

// compare-and-delete so that an expired holder never frees a lock that
// someone else took over
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Redis is a Locker shared by every wallet process using the same store.
// A lock expires after ttl if its holder dies.
type Redis struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	retry    time.Duration
	newToken func() string
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		retry:    DefaultRedisRetry,
		newToken: uuid.NewString,
	}
}

// TryLock makes one attempt and returns ErrLockHeld if the hash is taken.
func (r *Redis) TryLock(ctx context.Context, hash agreement.PaymentHash) (func(), error) {
	fullKey := r.prefix + hash.String()
	token := r.newToken()

	ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release even if the caller's context is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.Eval(releaseCtx, releaseScript, []string{fullKey}, token).Err(); err != nil {
				logger.WithField("key", fullKey).Warnf("failed to release redis lock: %v", err)
			}
		})
	}, nil
}

func (r *Redis) Lock(ctx context.Context, hash agreement.PaymentHash) (func(), error) {
	for {
		unlock, err := r.TryLock(ctx, hash)
		if err != ErrLockHeld {
			return unlock, err
		}

		select {
		case <-time.After(r.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
