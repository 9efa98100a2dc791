package locks

import (
	"context"
	"fmt"
	"strings"

	"curator/pkg/config"
	"curator/pkg/redis"
)

// FromEnv returns the process locker LOCK_BACKEND selects. "file", the
// default, locks files in dir. "redis" takes SET NX keys on REDIS_ADDR with
// LOCK_TTL as the expiry. The close func releases the connection.
func FromEnv(ctx context.Context, dir string) (ProcessLocker, func(), error) {
	switch backend := strings.ToLower(config.GetEnv("LOCK_BACKEND", "file")); backend {
	case "", "file":
		return FileLocker{Dir: dir}, func() {}, nil
	case "redis":
		client, err := redis.NewUniversalClient(ctx, redis.ConfigFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("lock backend: %w", err)
		}
		ttl := config.GetEnvDuration("LOCK_TTL", defaultRedisLockTTL)
		return NewRedisLocker(client, config.GetEnv("LOCK_PREFIX", ""), ttl), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown LOCK_BACKEND %q (want file or redis)", backend)
	}
}
