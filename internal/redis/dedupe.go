package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrDuplicate is returned when a dedupe key has already been claimed.
var ErrDuplicate = errors.New("duplicate: key already claimed")

// Deduper records one-shot claims with SET NX. The backing database keeps a
// unique constraint for the same identity, so a claim lost to eviction is
// still caught there.
type Deduper struct {
	client *Client
	logger *zap.Logger
	prefix string
	ttl    time.Duration
}

// NewDeduper namespaces claims under prefix. A zero ttl keeps claims for 24h.
func NewDeduper(client *Client, logger *zap.Logger, prefix string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, logger: logger, prefix: prefix, ttl: ttl}
}

func (d *Deduper) buildKey(key string) string {
	return fmt.Sprintf("dedupe:%s:%s", d.prefix, key)
}

// Claim returns nil for the first caller of key and ErrDuplicate for the rest.
func (d *Deduper) Claim(ctx context.Context, key string) error {
	set, err := d.client.rdb.SetNX(ctx, d.buildKey(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		d.logger.Debug("duplicate claim", zap.String("prefix", d.prefix), zap.String("key", key))
		return ErrDuplicate
	}
	return nil
}

// Forget drops a claim whose work could not be recorded, so a redelivery can
// try again.
func (d *Deduper) Forget(ctx context.Context, key string) error {
	if err := d.client.rdb.Del(ctx, d.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
