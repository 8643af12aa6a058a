// Package lock implements the singleton tick lock: a Redis-backed
// mutual-exclusion lock with a randomly generated per-holder token, so
// release and refresh are always compare-and-swap rather than
// unconditional, and a background refresher keeps the lock alive for the
// duration of a long-running tick.
package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/store"
)

const (
	// Key is the singleton lock key; the harvester only ever runs one tick
	// at a time across the whole deployment.
	Key = "tgparser:tick:lock"
	// SeqKey backs the per-tick monotonic id allocated via INCR.
	SeqKey = "tgparser:tick:seq"
	// TickMetaKey is the ephemeral tick-summary hash, refreshed on every
	// tick completion alongside the durable SQLite copy (store.WriteTickMeta).
	TickMetaKey = "tgparser:tick:last"

	// RefreshInterval is how often the held lock's TTL is renewed while a
	// tick is running.
	RefreshInterval = 30 * time.Second
)

// releaseScript deletes the lock only if its value still matches the
// holder's own token, so a holder whose lock already expired (and was
// possibly re-acquired by someone else) can never delete another holder's
// lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript re-expires the lock only if its value still matches the
// holder's own token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrNotHeld is returned by Release/Refresh when the lock's token no longer
// matches this holder (it expired and was possibly re-acquired elsewhere).
var ErrNotHeld = errors.New("lock: token mismatch, lock not held by this holder")

// Lock wraps a single acquired tick lock. It is not safe for concurrent use
// by more than one goroutine beyond the refresher Hold spawns internally.
type Lock struct {
	client *redis.Client
	token  string
	ttl    time.Duration
	log    zerolog.Logger
}

// Locker is the distributed-lock contract the scheduler depends on.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (*Lock, error)
	NextTickID(ctx context.Context) (int64, error)
	WriteTickMeta(ctx context.Context, meta store.TickMeta) error
}

// RedisLocker is the go-redis-backed Locker implementation.
type RedisLocker struct {
	Client *redis.Client
	Log    zerolog.Logger
}

func NewRedisLocker(client *redis.Client, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{Client: client, Log: log}
}

// Acquire attempts a single non-blocking SET NX EX; it returns (nil, nil),
// not an error, when the lock is already held by someone else, so callers
// can distinguish "skip this tick" from a genuine transport failure.
func (rl *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := rl.Client.SetNX(ctx, Key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: rl.Client, token: token, ttl: ttl, log: rl.Log}, nil
}

// NextTickID allocates the monotonic tick sequence number via INCR.
func (rl *RedisLocker) NextTickID(ctx context.Context) (int64, error) {
	return rl.Client.Incr(ctx, SeqKey).Result()
}

// WriteTickMeta refreshes the ephemeral tick-summary hash. This is a
// best-effort mirror for operator tooling that reads Redis directly; the
// SQLite copy (store.WriteTickMeta) is the durable record.
func (rl *RedisLocker) WriteTickMeta(ctx context.Context, m store.TickMeta) error {
	fields := map[string]interface{}{
		"tick_id":                strconv.FormatInt(m.TickID, 10),
		"started_at":             strconv.FormatInt(m.StartedAt.Unix(), 10),
		"finished_at":            strconv.FormatInt(m.FinishedAt.Unix(), 10),
		"duration_s":             strconv.FormatFloat(m.DurationS, 'f', -1, 64),
		"accounts_checked":       strconv.Itoa(m.AccountsChecked),
		"accounts_auth_required": strconv.Itoa(m.AccountsAuthRequired),
		"accounts_cooldown":      strconv.Itoa(m.AccountsCooldown),
		"accounts_banned":        strconv.Itoa(m.AccountsBanned),
		"accounts_error":         strconv.Itoa(m.AccountsError),
		"channels_total":         strconv.Itoa(m.ChannelsTotal),
		"channels_checked":       strconv.Itoa(m.ChannelsChecked),
		"posts_inserted":         strconv.Itoa(m.PostsInserted),
	}
	return rl.Client.HSet(ctx, TickMetaKey, fields).Err()
}

// Release performs the token-matched compare-and-delete. It is idempotent:
// calling it after the lock already expired (and possibly got re-acquired by
// another holder) is safe and reports ErrNotHeld rather than deleting
// someone else's lock.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{Key}, l.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// refresh performs one token-matched compare-and-expire.
func (l *Lock) refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{Key}, l.token, int64(l.ttl.Seconds())).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Hold spawns a background refresher: it re-expires the lock every
// RefreshInterval until ctx is canceled or a refresh fails (lock lost). The
// returned stop func must be called when the tick completes, successfully or
// not, to release the lock and stop the refresher; it blocks until the
// refresher goroutine has exited.
func (l *Lock) Hold(ctx context.Context) (stop func()) {
	refreshCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if err := l.refresh(refreshCtx); err != nil {
					l.log.Error().Err(err).Msg("lock: refresh failed, abandoning hold")
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		if err := l.Release(context.Background()); err != nil && !errors.Is(err, ErrNotHeld) {
			l.log.Error().Err(err).Msg("lock: release failed")
		}
	}
}
