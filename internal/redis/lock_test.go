package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLocker_SingleOwner(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, zap.NewNop())
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "pair:c1:l1", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "pair:c1:l1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "pair:c1:l2", time.Minute); err != nil {
		t.Fatalf("other pair should be free: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "pair:c1:l1", time.Minute); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestLocker_StaleReleaseKeepsNewOwner(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, zap.NewNop())
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "pair", time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := locker.Acquire(ctx, "pair", time.Minute); err != nil {
		t.Fatalf("expired lock should be free: %v", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release should not error: %v", err)
	}
	if _, err := locker.Acquire(ctx, "pair", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale release must not free the new owner's lock, got %v", err)
	}
}
