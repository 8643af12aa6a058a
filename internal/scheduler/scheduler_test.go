package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/health"
	"github.com/local/tgparser/internal/join"
	"github.com/local/tgparser/internal/lock"
	"github.com/local/tgparser/internal/membership"
	"github.com/local/tgparser/internal/parser"
	"github.com/local/tgparser/internal/pool"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
	"github.com/local/tgparser/internal/upstream/fakeclient"
)

type fakeNotifier struct{}

func (fakeNotifier) NotifyAdmin(ctx context.Context, text string) {}
func (fakeNotifier) NotifyTeam(ctx context.Context, text string)  {}

func newTestScheduler(t *testing.T, cl *fakeclient.Client) (*Scheduler, *store.SQLiteStore, *lock.RedisLocker) {
	t.Helper()

	st, err := store.NewSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := lock.NewRedisLocker(client, zerolog.Nop())

	factory := &fakeclient.Factory{Shared: cl}
	p := pool.New(factory, zerolog.Nop())
	healthChecker := health.NewChecker(p, zerolog.Nop())
	joinSvc := join.New()
	parserEngine := parser.New(st, p, joinSvc, fakeNotifier{}, zerolog.Nop())
	membershipSvc := membership.New(st, p, joinSvc, zerolog.Nop())

	sched := New(st, locker, healthChecker, parserEngine, membershipSvc, p, time.Minute, time.Hour, zerolog.Nop())
	return sched, st, locker
}

func TestRunOnce_ForceCompletesTickAndInsertsPosts(t *testing.T) {
	cl := fakeclient.New()
	cl.Authorized = true
	cl.Me = upstream.Identity{ID: 1, Username: "a1"}
	cl.Entities["@demo"] = upstream.Entity{ID: 1, Username: "demo"}
	cl.Messages[1] = []upstream.Message{{ID: 100, Text: "hello", PublishedAt: time.Now()}}

	sched, st, _ := newTestScheduler(t, cl)
	ctx := context.Background()

	if _, err := st.CreateAccount(ctx, store.Account{Label: "a1", IsActive: true, Status: store.AccountActive, SessionString: "s"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	chID, err := st.CreateChannel(ctx, store.Channel{Type: store.ChannelPublic, Identifier: "demo", IsActive: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	ok, err := sched.RunOnce(ctx, true)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !ok {
		t.Fatalf("expected forced tick to run")
	}

	count, err := st.CountPosts(ctx, chID)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 post inserted, got %d err=%v", count, err)
	}
}

func TestRunOnce_SkipsWhenLockAlreadyHeld(t *testing.T) {
	cl := fakeclient.New()
	sched, _, locker := newTestScheduler(t, cl)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, time.Minute)
	if err != nil || held == nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer held.Release(ctx)

	ok, err := sched.RunOnce(ctx, false)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if ok {
		t.Fatalf("expected tick to be skipped while lock is held")
	}
}

func TestRunOnce_NonForcedAcquiresAndReleasesLock(t *testing.T) {
	cl := fakeclient.New()
	cl.Authorized = true
	sched, _, locker := newTestScheduler(t, cl)
	ctx := context.Background()

	ok, err := sched.RunOnce(ctx, false)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !ok {
		t.Fatalf("expected tick to run")
	}

	// The lock must be released once the tick completes, so a follow-up
	// acquisition attempt succeeds immediately.
	held, err := locker.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire after tick: %v", err)
	}
	if held == nil {
		t.Fatalf("expected lock to be free after the tick released it")
	}
}
