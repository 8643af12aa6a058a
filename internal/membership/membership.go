// Package membership runs the bounded per-tick membership maintenance pass.
// It keeps account/channel membership in sync outside of the parse hot path
// so parsing doesn't waste attempts on stale join state.
package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/classify"
	"github.com/local/tgparser/internal/dialog"
	"github.com/local/tgparser/internal/join"
	"github.com/local/tgparser/internal/pool"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
)

// Backoff policy: keep it simple and safe.
const (
	joinRequestDialogsRecheckEvery = 6 * time.Hour
	errorRetryEvery                = 30 * time.Minute
	joinedRefreshEvery             = 24 * time.Hour

	defaultMaxChannels = 50
)

// Summary reports what a maintenance pass touched.
type Summary struct {
	ChannelsTotal          int
	ChannelsTouched        int
	MembershipsUpdated     int
	AccountsCooldownMarked int
}

// Service runs the maintenance pass. It shares the Pool and Join service with
// the parser engine since both operate on the same connected-client and
// ensure-joined machinery.
type Service struct {
	Store store.Store
	Pool  *pool.Pool
	Join  *join.Service
	Log   zerolog.Logger

	// MaxChannels bounds how many active channels are considered per pass.
	// Zero means defaultMaxChannels.
	MaxChannels int
}

func New(st store.Store, p *pool.Pool, js *join.Service, log zerolog.Logger) *Service {
	return &Service{Store: st, Pool: p, Join: js, Log: log}
}

// Run executes one bounded maintenance pass.
func (s *Service) Run(ctx context.Context, now time.Time) (Summary, error) {
	maxChannels := s.MaxChannels
	if maxChannels <= 0 {
		maxChannels = defaultMaxChannels
	}

	channels, err := s.Store.ListActiveChannels(ctx)
	if err != nil {
		return Summary{}, err
	}
	if len(channels) > maxChannels {
		channels = channels[:maxChannels]
	}

	accounts, err := s.Store.ListActiveAccounts(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{ChannelsTotal: len(channels)}
	if len(channels) == 0 || len(accounts) == 0 {
		return summary, nil
	}

	for _, ch := range channels {
		acc := firstReady(accounts, now)
		if acc == nil {
			continue
		}
		summary.ChannelsTouched++
		s.touchChannel(ctx, *acc, ch, now, &summary)
	}

	return summary, nil
}

// firstReady deterministically picks the first ready account for
// maintenance (the parser's selector already does the smarter LRU
// rotation during actual parsing).
func firstReady(accounts []store.Account, now time.Time) *store.Account {
	for i := range accounts {
		if accounts[i].Ready(now) {
			return &accounts[i]
		}
	}
	return nil
}

func (s *Service) touchChannel(ctx context.Context, acc store.Account, ch store.Channel, now time.Time, summary *Summary) {
	mem, err := s.Store.GetMembership(ctx, acc.ID, ch.ID)
	if err != nil {
		s.Log.Error().Err(err).Int64("account_id", acc.ID).Int64("channel_id", ch.ID).Msg("membership: load failed")
		return
	}

	status := store.MembershipUnknown
	var lastChecked *time.Time
	if mem != nil {
		status = mem.Status
		lastChecked = mem.LastCheckedAt
	}

	switch status {
	case store.MembershipJoinRequested, store.MembershipPendingApprove:
		s.recheckDialogsOnly(ctx, acc, ch, lastChecked, now, joinRequestDialogsRecheckEvery, "entity found in dialogs (approved)", summary)
		return
	case store.MembershipJoined:
		s.refreshJoined(ctx, acc, ch, lastChecked, now, summary)
		return
	case store.MembershipForbidden:
		return
	case store.MembershipError:
		if !shouldRecheck(lastChecked, errorRetryEvery, now) {
			return
		}
	}

	// unknown/error past its retry window: attempt to (re-)join, subject to
	// the global one-pending-per-channel guardrail.
	pending, err := s.Store.AnyMembershipPending(ctx, ch.ID)
	if err != nil {
		s.Log.Error().Err(err).Int64("channel_id", ch.ID).Msg("membership: pending check failed")
		return
	}
	if pending {
		return
	}

	s.ensureJoined(ctx, acc, ch, now, summary)
}

func (s *Service) recheckDialogsOnly(ctx context.Context, acc store.Account, ch store.Channel, lastChecked *time.Time, now time.Time, every time.Duration, upgradeNote string, summary *Summary) {
	if !shouldRecheck(lastChecked, every, now) {
		return
	}

	capability := capabilityOf(acc)
	var entity *upstream.Entity
	var resolveErr error
	err := s.Pool.Connected(ctx, capability, func(client upstream.Client) error {
		entity, resolveErr = dialog.Resolve(ctx, client, ch)
		return resolveErr
	})
	if err != nil {
		s.handleTransportError(ctx, acc, err, "dialogs recheck", now, summary)
		return
	}

	if entity != nil {
		if uerr := s.Store.UpsertMembership(ctx, acc.ID, ch.ID, store.MembershipJoined, upgradeNote, now); uerr != nil {
			s.Log.Error().Err(uerr).Msg("membership: upsert failed")
			return
		}
		summary.MembershipsUpdated++
	}
}

func (s *Service) refreshJoined(ctx context.Context, acc store.Account, ch store.Channel, lastChecked *time.Time, now time.Time, summary *Summary) {
	if !shouldRecheck(lastChecked, joinedRefreshEvery, now) {
		return
	}

	capability := capabilityOf(acc)
	var entity *upstream.Entity
	err := s.Pool.Connected(ctx, capability, func(client upstream.Client) error {
		var rerr error
		entity, rerr = dialog.Resolve(ctx, client, ch)
		return rerr
	})
	if err != nil {
		s.Log.Error().Err(err).Int64("account_id", acc.ID).Int64("channel_id", ch.ID).Msg("membership: joined refresh failed")
		return
	}

	if entity == nil {
		// Drift: keep investigating via status, but don't silently downgrade
		// a membership that may still be valid.
		if uerr := s.Store.UpsertMembership(ctx, acc.ID, ch.ID, store.MembershipError, "joined previously but missing from dialogs", now); uerr != nil {
			s.Log.Error().Err(uerr).Msg("membership: upsert failed")
			return
		}
		summary.MembershipsUpdated++
	}
}

func (s *Service) ensureJoined(ctx context.Context, acc store.Account, ch store.Channel, now time.Time, summary *Summary) {
	capability := capabilityOf(acc)

	var result join.Result
	var authFailed bool
	err := s.Pool.Connected(ctx, capability, func(client upstream.Client) error {
		authorized, aerr := client.IsAuthorized(ctx)
		if aerr != nil {
			return aerr
		}
		if !authorized {
			authFailed = true
			return nil
		}
		result = s.Join.EnsureJoined(ctx, client, ch, false)
		return nil
	})
	if err != nil {
		s.handleTransportError(ctx, acc, err, "ensure_joined", now, summary)
		return
	}

	if authFailed {
		if uerr := s.Store.UpdateAccountHealth(ctx, acc.ID, store.AccountAuthRequired, "session is not authorized", nil); uerr != nil {
			s.Log.Error().Err(uerr).Msg("membership: account health update failed")
		}
		return
	}

	status, ok := membershipStatusFor(result.AccessStatus)
	if ok {
		if uerr := s.Store.UpsertMembership(ctx, acc.ID, ch.ID, status, result.Note, now); uerr != nil {
			s.Log.Error().Err(uerr).Msg("membership: upsert failed")
		} else {
			summary.MembershipsUpdated++
		}
	}

	if result.RetryAfter > 0 {
		s.markCooldown(ctx, acc.ID, result.RetryAfter, result.Note, now, summary)
	}
}

func (s *Service) handleTransportError(ctx context.Context, acc store.Account, err error, stage string, now time.Time, summary *Summary) {
	ce := classify.Classify(err)
	if ce.Kind == classify.KindFloodWait {
		s.markCooldown(ctx, acc.ID, ce.RetryAfter, stage+": "+ce.Note, now, summary)
		return
	}
	s.Log.Error().Err(err).Int64("account_id", acc.ID).Str("stage", stage).Msg("membership: transport error")
}

func (s *Service) markCooldown(ctx context.Context, accountID int64, retryAfter time.Duration, note string, now time.Time, summary *Summary) {
	until := now.Add(retryAfter)
	if uerr := s.Store.UpdateAccountHealth(ctx, accountID, store.AccountCooldown, store.TruncateNote(note), &until); uerr != nil {
		s.Log.Error().Err(uerr).Int64("account_id", accountID).Msg("membership: cooldown update failed")
		return
	}
	summary.AccountsCooldownMarked++
}

func capabilityOf(acc store.Account) upstream.AccountCapability {
	return upstream.AccountCapability{
		AccountID:     acc.ID,
		SessionString: acc.SessionString,
		APIID:         acc.APIID,
		APIHash:       acc.APIHash,
		ProxyURL:      acc.ProxyURL,
	}
}

func membershipStatusFor(access store.AccessStatus) (store.MembershipStatus, bool) {
	switch access {
	case store.AccessJoined:
		return store.MembershipJoined, true
	case store.AccessJoinRequested:
		return store.MembershipJoinRequested, true
	case store.AccessPendingApproval:
		return store.MembershipPendingApprove, true
	case store.AccessForbidden:
		return store.MembershipForbidden, true
	case store.AccessError, store.AccessActive:
		return store.MembershipError, access == store.AccessError
	default:
		return store.MembershipError, true
	}
}

func shouldRecheck(lastChecked *time.Time, every time.Duration, now time.Time) bool {
	if lastChecked == nil {
		return true
	}
	return lastChecked.Add(every).Before(now) || lastChecked.Add(every).Equal(now)
}
