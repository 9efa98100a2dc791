package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisLockTTL = 30 * time.Minute

// releaseScript deletes the key only if it still carries our token, so an
// instance whose lock expired cannot release a successor's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker issues process locks as SET NX keys so instances on different
// hosts sharing one store exclude each other.
type RedisLocker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker. TTL bounds how long a crashed holder can
// keep the lock; it must exceed the longest expected run.
func NewRedisLocker(client goredis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	if prefix == "" {
		prefix = "curator:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks the backend is reachable.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// TryAcquire sets the lock key if absent.
func (r *RedisLocker) TryAcquire(ctx context.Context, name string) (Releaser, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLock{client: r.client, key: key, token: token}, nil
}

type redisLock struct {
	client goredis.UniversalClient
	key    string
	token  string
}

func (l *redisLock) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release redis lock %s: %w", l.key, err)
	}
	return nil
}
