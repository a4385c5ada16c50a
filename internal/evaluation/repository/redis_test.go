package repository

import (
	"context"
	"testing"
	"time"

	"codalab/internal/common/cache"
	appErr "codalab/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := cache.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	c, err := cache.NewRedisCacheWithConfig(cfg)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSubmissionLockerExcludesSecondWriter(t *testing.T) {
	c, mr := newTestCache(t)
	locker := NewSubmissionLocker(c, LockConfig{
		TTL:           time.Minute,
		WaitTimeout:   100 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, 7)
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	if !mr.Exists("eval:lock:submission:7") {
		t.Fatalf("expected lock key in redis")
	}

	if _, err := locker.Lock(ctx, 7); !appErr.Is(err, appErr.LockFailed) {
		t.Fatalf("expected LockFailed, got %v", err)
	}

	other, err := locker.Lock(ctx, 8)
	if err != nil {
		t.Fatalf("lock on another submission failed: %v", err)
	}
	other()

	unlock()
	if mr.Exists("eval:lock:submission:7") {
		t.Fatalf("expected lock key released")
	}
	again, err := locker.Lock(ctx, 7)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	again()
}

func TestSubmissionLockerWaitsForRelease(t *testing.T) {
	c, _ := newTestCache(t)
	locker := NewSubmissionLocker(c, LockConfig{
		TTL:           time.Minute,
		WaitTimeout:   2 * time.Second,
		RetryInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, 1)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		unlock()
	}()

	second, err := locker.Lock(ctx, 1)
	if err != nil {
		t.Fatalf("expected waiter to acquire after release: %v", err)
	}
	second()
}

func TestSubmissionLockerRenewsWhileHeld(t *testing.T) {
	c, mr := newTestCache(t)
	locker := NewSubmissionLocker(c, LockConfig{
		TTL:           300 * time.Millisecond,
		WaitTimeout:   100 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		RenewInterval: 10 * time.Millisecond,
	})
	key := "eval:lock:submission:4"

	unlock, err := locker.Lock(context.Background(), 4)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	mr.FastForward(250 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL(key) <= 50*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("lock was not renewed, ttl=%s", mr.TTL(key))
		}
		time.Sleep(5 * time.Millisecond)
	}
	mr.FastForward(250 * time.Millisecond)
	if !mr.Exists(key) {
		t.Fatalf("held lock expired past its original ttl")
	}

	unlock()
	unlock()
	if mr.Exists(key) {
		t.Fatalf("expected lock key released")
	}
	time.Sleep(50 * time.Millisecond)
	if mr.Exists(key) {
		t.Fatalf("released lock must not be renewed")
	}
}

func TestLeaderboardOneEntryPerParticipant(t *testing.T) {
	c, _ := newTestCache(t)
	board := NewLeaderboardRepository(c)
	ctx := context.Background()

	if _, ok, err := board.Entry(ctx, 3, 11); err != nil || ok {
		t.Fatalf("expected no entry, ok=%v err=%v", ok, err)
	}
	if err := board.Add(ctx, 3, 11, 100); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := board.Add(ctx, 3, 11, 101); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	id, ok, err := board.Entry(ctx, 3, 11)
	if err != nil || !ok || id != 101 {
		t.Fatalf("unexpected entry id=%d ok=%v err=%v", id, ok, err)
	}
	all, err := c.HGetAll(ctx, "leaderboard:phase:3")
	if err != nil {
		t.Fatalf("hgetall failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one entry, got %v", all)
	}
}
