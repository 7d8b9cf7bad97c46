package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLocked is returned when another owner holds the lock.
var ErrLocked = errors.New("lock held by another owner")

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker hands out expiring single-owner locks.
type Locker struct {
	client  *Client
	logger  *zap.Logger
	release *redis.Script
}

func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger, release: redis.NewScript(releaseScript)}
}

// Lock is a held lock. It expires on its own if the owner dies.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lock for name or returns ErrLocked.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release frees the lock only if this owner still holds it.
func (k *Lock) Release(ctx context.Context) error {
	n, err := k.locker.release.Run(ctx, k.locker.client.rdb, []string{k.key}, k.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", k.key, err)
	}
	if n == 0 {
		k.locker.logger.Warn("lock expired before release", zap.String("key", k.key))
	}
	return nil
}
