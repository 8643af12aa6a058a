// Package selector picks the best ready account for a channel, a thin
// wrapper over store.Store.ReadyAccountsForChannel plus the
// mark-used/upsert-membership helpers grouped alongside it.
package selector

import (
	"context"
	"time"

	"github.com/local/tgparser/internal/store"
)

// PickResult reports the account a Pick chose and why.
type PickResult struct {
	Account *store.Account
	Reason  string
}

// Pick returns the first ready, non-excluded account for ch per the
// ordering store.ReadyAccountsForChannel already applies (private-joined
// first, then LRU, then id tiebreak).
func Pick(ctx context.Context, st store.Store, ch store.Channel, excluded map[int64]bool, now time.Time) (PickResult, error) {
	ready, err := st.ReadyAccountsForChannel(ctx, ch, excluded, now)
	if err != nil {
		return PickResult{}, err
	}
	if len(ready) == 0 {
		return PickResult{Reason: "no_ready_accounts"}, nil
	}
	acc := ready[0]
	return PickResult{Account: &acc, Reason: "picked"}, nil
}

// MarkUsed stamps an account's last_used_at, used once a parse attempt
// through that account succeeds.
func MarkUsed(ctx context.Context, st store.Store, accountID int64, now time.Time) error {
	return st.MarkAccountUsed(ctx, accountID, now)
}

// UpsertMembership records the per-(account,channel) relation observed
// during a join or parse attempt.
func UpsertMembership(ctx context.Context, st store.Store, accountID, channelID int64, status store.MembershipStatus, note string, now time.Time) error {
	return st.UpsertMembership(ctx, accountID, channelID, status, note, now)
}
