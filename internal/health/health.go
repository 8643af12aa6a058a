// Package health runs the per-tick account health pass: connect, check
// authorization, record the outcome.
package health

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/classify"
	"github.com/local/tgparser/internal/pool"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
)

// Result reports one account's health check outcome.
type Result struct {
	Status        store.AccountStatus
	LastError     string
	CooldownUntil *time.Time
	// Quarantine is set alongside Status == AccountBanned: the caller must
	// also flip Account.IsActive to false.
	Quarantine bool
	// Abort signals a global ConfigError: the caller must stop the health
	// pass entirely rather than keep marking every remaining account in
	// error.
	Abort bool
}

// PassSummary tallies the outcomes of one RunAll health pass.
type PassSummary struct {
	Checked      int
	AuthRequired int
	Cooldown     int
	Banned       int
	Errored      int
}

// Checker runs health checks through a pool so the per-account client it
// uses is the same one later stages of the tick (join, parse) get for that
// account. The pool disconnects when each Connected call returns, so the
// connection itself is not kept open between stages.
type Checker struct {
	Pool *pool.Pool
	Log  zerolog.Logger
}

func NewChecker(p *pool.Pool, log zerolog.Logger) *Checker {
	return &Checker{Pool: p, Log: log}
}

// Check applies these rules in order:
//   - missing session_string => auth_required
//   - unauthorized session => auth_required
//   - FloodWait => cooldown, cooldown_until = now + seconds
//   - frozen/banned upstream identity => banned, with Quarantine set
//   - ConfigError => error, with Abort set
//   - anything else => error
//   - success => active
func (c *Checker) Check(ctx context.Context, acc store.Account) Result {
	if acc.SessionString == "" {
		return Result{Status: store.AccountAuthRequired, LastError: "Missing session_string"}
	}

	capability := upstream.AccountCapability{
		AccountID:     acc.ID,
		SessionString: acc.SessionString,
		APIID:         acc.APIID,
		APIHash:       acc.APIHash,
		ProxyURL:      acc.ProxyURL,
	}

	var result Result
	err := c.Pool.Connected(ctx, capability, func(client upstream.Client) error {
		authorized, err := client.IsAuthorized(ctx)
		if err != nil {
			return err
		}
		if !authorized {
			result = Result{Status: store.AccountAuthRequired, LastError: "Session is not authorized"}
			return nil
		}

		me, err := client.GetMe(ctx)
		if err != nil {
			return err
		}
		ident := me.Username
		if ident == "" {
			ident = strconv.FormatInt(me.ID, 10)
		}
		result = Result{Status: store.AccountActive, LastError: "OK: " + ident}
		return nil
	})

	if err == nil {
		return result
	}

	var cerr *classify.ConfigError
	if isConfigError(err, &cerr) {
		// Configuration errors (missing api_id/api_hash) are not an account
		// problem; surface them unclassified so the caller can abort the
		// pass rather than quarantine every account.
		return Result{Status: store.AccountError, LastError: "config: " + cerr.Note, Abort: true}
	}

	ce := classify.Classify(err)
	if ce.Kind == classify.KindFloodWait {
		until := time.Now().UTC().Add(ce.RetryAfter)
		return Result{Status: store.AccountCooldown, LastError: "FloodWait: " + ce.RetryAfter.String(), CooldownUntil: &until}
	}
	if ce.Kind == classify.KindFrozen {
		return Result{Status: store.AccountBanned, LastError: store.TruncateNote(ce.Note), Quarantine: true}
	}
	return Result{Status: store.AccountError, LastError: store.TruncateNote(ce.Error())}
}

// RunAll runs Check sequentially over accounts (no parallelism, to limit
// upstream pressure) and persists each outcome. It stops early on a global
// ConfigError rather than marking every remaining account in error.
func (c *Checker) RunAll(ctx context.Context, st store.Store, accounts []store.Account) (PassSummary, error) {
	var summary PassSummary
	for _, acc := range accounts {
		res := c.Check(ctx, acc)
		summary.Checked++

		if res.Abort {
			c.Log.Warn().Int64("account_id", acc.ID).Str("note", res.LastError).Msg("health: config error, aborting pass")
			return summary, nil
		}

		switch res.Status {
		case store.AccountAuthRequired:
			summary.AuthRequired++
		case store.AccountCooldown:
			summary.Cooldown++
		case store.AccountBanned:
			summary.Banned++
		case store.AccountError:
			summary.Errored++
		}

		var err error
		if res.Quarantine {
			err = st.QuarantineAccount(ctx, acc.ID, res.Status, res.LastError)
		} else {
			err = st.UpdateAccountHealth(ctx, acc.ID, res.Status, res.LastError, res.CooldownUntil)
		}
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func isConfigError(err error, out **classify.ConfigError) bool {
	ce, ok := err.(*classify.ConfigError)
	if ok {
		*out = ce
	}
	return ok
}
