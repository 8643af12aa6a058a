package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, zerolog.Nop()), mr
}

func TestAcquire_SecondHolderIsBlockedUntilReleased(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	l1, err := locker.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l1 == nil {
		t.Fatalf("expected first acquire to succeed")
	}

	l2, err := locker.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire (second): %v", err)
	}
	if l2 != nil {
		t.Fatalf("expected second acquire to be blocked while first holds the lock")
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l3, err := locker.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire (after release): %v", err)
	}
	if l3 == nil {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestRelease_TokenMismatchNeverDeletesAnotherHoldersLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	l1, err := locker.Acquire(ctx, time.Minute)
	if err != nil || l1 == nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate l1's lock expiring and being re-acquired by someone else.
	mr.SetTTL(Key, 0)
	mr.Del(Key)
	l2, err := locker.Acquire(ctx, time.Minute)
	if err != nil || l2 == nil {
		t.Fatalf("Acquire (new holder): %v", err)
	}

	if err := l1.Release(ctx); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld releasing a stale token, got %v", err)
	}

	// The new holder's lock must still be intact.
	val, err := mr.Get(Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != l2.token {
		t.Fatalf("expected new holder's token to survive, got %q", val)
	}
}

func TestNextTickID_Increments(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	first, err := locker.NextTickID(ctx)
	if err != nil {
		t.Fatalf("NextTickID: %v", err)
	}
	second, err := locker.NextTickID(ctx)
	if err != nil {
		t.Fatalf("NextTickID: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected monotonic increment, got %d then %d", first, second)
	}
}

func TestHold_StopReleasesTheLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	l, err := locker.Acquire(ctx, time.Minute)
	if err != nil || l == nil {
		t.Fatalf("Acquire: %v", err)
	}

	stop := l.Hold(ctx)
	if !mr.Exists(Key) {
		t.Fatalf("expected lock to exist while held")
	}

	stop()

	if mr.Exists(Key) {
		t.Fatalf("expected lock to be released after stop")
	}
}

func TestRefresh_TokenMatchedCompareAndExpire(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	l, err := locker.Acquire(ctx, 10*time.Second)
	if err != nil || l == nil {
		t.Fatalf("Acquire: %v", err)
	}

	mr.FastForward(8 * time.Second)
	remaining := mr.TTL(Key)
	if remaining > 3*time.Second {
		t.Fatalf("test setup invariant broken: expected ttl to have decayed, got %s", remaining)
	}

	if err := l.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := mr.TTL(Key); got <= remaining {
		t.Fatalf("expected refresh to reset the ttl back up, got %s (was %s)", got, remaining)
	}
}
