// Package parser implements the per-channel incremental message harvest.
// Each channel is processed fully sequentially; channels are independent of
// one another but are walked in id order within a single tick for
// predictable upstream load.
package parser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/classify"
	"github.com/local/tgparser/internal/dialog"
	"github.com/local/tgparser/internal/join"
	"github.com/local/tgparser/internal/pool"
	"github.com/local/tgparser/internal/selector"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
)

const (
	maxAttemptsPerChannel = 8
	firstParseTailLimit   = 20
	backfillIterationCap  = 2000
)

// Notifier is the subset of internal/notify.Notifier the parser needs.
type Notifier interface {
	NotifyAdmin(ctx context.Context, text string)
	NotifyTeam(ctx context.Context, text string)
}

// Summary tallies what a parse pass did across all channels.
type Summary struct {
	ChannelsTotal   int
	ChannelsChecked int
	PostsInserted   int
}

// Engine runs one incremental parse pass over every actionable channel.
type Engine struct {
	Store    store.Store
	Pool     *pool.Pool
	Join     *join.Service
	Notifier Notifier
	Log      zerolog.Logger
}

func New(st store.Store, p *pool.Pool, js *join.Service, notifier Notifier, log zerolog.Logger) *Engine {
	return &Engine{Store: st, Pool: p, Join: js, Notifier: notifier, Log: log}
}

// abortTick is returned internally when a ConfigError is hit, signaling the
// whole parse pass (not just the current channel) should stop, per spec
// §4.H.3: "ConfigError: abort the entire tick's parsing pass."
type abortTick struct{ cause error }

func (a *abortTick) Error() string { return a.cause.Error() }
func (a *abortTick) Unwrap() error { return a.cause }

// Run parses new posts for every active, non-forbidden channel.
func (e *Engine) Run(ctx context.Context, now time.Time) (Summary, error) {
	channels, err := e.Store.ListActiveChannels(ctx)
	if err != nil {
		return Summary{}, err
	}

	actionable := make([]store.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Actionable() {
			actionable = append(actionable, ch)
		}
	}

	summary := Summary{ChannelsTotal: len(actionable)}
	if len(actionable) == 0 {
		e.Log.Info().Msg("parser: no actionable channels")
		return summary, nil
	}

	for _, ch := range actionable {
		summary.ChannelsChecked++

		inserted, err := e.parseOneChannel(ctx, ch, now)
		if err != nil {
			var abort *abortTick
			if ok := asAbort(err, &abort); ok {
				e.Log.Warn().Err(abort.cause).Msg("parser: config error, aborting parse pass")
				return summary, nil
			}
			e.Log.Warn().Err(err).Int64("channel_id", ch.ID).Msg("parser: channel failed")
			continue
		}
		summary.PostsInserted += inserted
	}

	return summary, nil
}

func asAbort(err error, out **abortTick) bool {
	a, ok := err.(*abortTick)
	if ok {
		*out = a
	}
	return ok
}

func (e *Engine) parseOneChannel(ctx context.Context, ch store.Channel, now time.Time) (int, error) {
	excluded := map[int64]bool{}
	var lastErr error
	insertedTotal := 0
	parsed := false

	for attempts := 0; attempts < maxAttemptsPerChannel; attempts++ {
		pick, err := selector.Pick(ctx, e.Store, ch, excluded, now)
		if err != nil {
			return insertedTotal, err
		}
		if pick.Account == nil {
			break
		}
		acc := *pick.Account

		capability := upstream.AccountCapability{
			AccountID:     acc.ID,
			SessionString: acc.SessionString,
			APIID:         acc.APIID,
			APIHash:       acc.APIHash,
			ProxyURL:      acc.ProxyURL,
		}

		attemptErr := e.Pool.Connected(ctx, capability, func(client upstream.Client) error {
			authorized, err := client.IsAuthorized(ctx)
			if err != nil {
				return err
			}
			if !authorized {
				excluded[acc.ID] = true
				return nil
			}

			inserted, err := e.attemptChannel(ctx, client, acc, ch, now, excluded)
			if err != nil {
				return err
			}
			if inserted >= 0 {
				insertedTotal += inserted
				parsed = true
			}
			return nil
		})

		if attemptErr != nil {
			lastErr = attemptErr
			excluded[acc.ID] = true

			if e.handleAttemptError(ctx, acc, ch, attemptErr, now) {
				return insertedTotal, &abortTick{cause: attemptErr}
			}
			if parsed {
				break
			}
			continue
		}

		if parsed {
			break
		}
	}

	if !parsed {
		note := "Resolve/access failed"
		if lastErr != nil {
			note = fmt.Sprintf("Resolve/access failed: %v", lastErr)
		}
		update := store.ChannelParseUpdate{
			ChannelID:     ch.ID,
			Cursor:        ch.CursorMessageID,
			LastCheckedAt: now,
			LastError:     store.TruncateNote(note),
		}
		if lastErr != nil && classify.Classify(lastErr).Kind == classify.KindForbidden {
			forbidden := store.AccessForbidden
			update.AccessStatus = &forbidden
		}
		if err := e.Store.UpdateChannelAfterParse(ctx, update); err != nil {
			return insertedTotal, err
		}
		e.Log.Warn().Int64("channel_id", ch.ID).Err(lastErr).Msg("parser: no eligible account for channel")
	}

	return insertedTotal, nil
}

// attemptChannel resolves the entity (dialogs/direct/join), then parses and
// stores new posts. It returns insertedCount >= 0 on a successful parse, or
// (-1, nil) when the channel couldn't be resolved with this account (caller
// should exclude and retry with another).
func (e *Engine) attemptChannel(ctx context.Context, client upstream.Client, acc store.Account, ch store.Channel, now time.Time, excluded map[int64]bool) (int, error) {
	entity, err := e.resolveEntity(ctx, client, acc, ch, now, excluded)
	if err != nil {
		return -1, err
	}
	if entity == nil {
		excluded[acc.ID] = true
		return -1, nil
	}

	cursor := ch.CursorMessageID
	if cursor > 0 {
		count, err := e.Store.CountPosts(ctx, ch.ID)
		if err != nil {
			return -1, err
		}
		if count == 0 {
			// Cursor resync: a prior failed advance left a stale cursor with
			// nothing ingested; treat as first parse.
			cursor = 0
		}
	}

	opts := upstream.IterOptions{}
	switch {
	case cursor == 0 && ch.BackfillDays > 0:
		// Newest-first so we can stop early once messages fall before the
		// backfill floor, instead of walking the whole channel history.
		opts = upstream.IterOptions{Limit: backfillIterationCap}
	case cursor == 0:
		opts = upstream.IterOptions{Limit: firstParseTailLimit}
	default:
		opts = upstream.IterOptions{MinID: cursor, Reverse: true}
	}

	backfillFloor := now.AddDate(0, 0, -ch.BackfillDays)
	maxSeenID := cursor
	var rows []store.Post

	iterErr := client.IterMessages(ctx, *entity, opts, func(m upstream.Message) bool {
		if cursor == 0 && ch.BackfillDays > 0 && m.PublishedAt.Before(backfillFloor) {
			return false
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return true
		}
		if m.ID <= cursor {
			return true
		}
		if m.ID > maxSeenID {
			maxSeenID = m.ID
		}
		published := m.PublishedAt
		if published.IsZero() {
			published = now
		}
		rows = append(rows, store.Post{
			ChannelID:   ch.ID,
			MessageID:   m.ID,
			OriginalURL: buildMessageURL(ch, *entity, m.ID),
			PublishedAt: published.UTC(),
			Text:        text,
			CreatedAt:   now,
		})
		return true
	})
	if iterErr != nil {
		return -1, iterErr
	}

	inserted := 0
	if len(rows) > 0 {
		inserted, err = e.Store.BulkInsertPostsIgnoreConflict(ctx, rows)
		if err != nil {
			return -1, err
		}
	}

	newCursor := cursor
	if maxSeenID > cursor {
		newCursor = maxSeenID
	}
	// A successful parse is itself proof of access; always land on "joined"
	// rather than leaving a channel stuck at its initial "active" default
	// (the source had this bug: active never advanced to joined).
	accessStatus := store.AccessJoined
	update := store.ChannelParseUpdate{
		ChannelID:      ch.ID,
		Cursor:         newCursor,
		LastCheckedAt:  now,
		ClearLastError: true,
		AccessStatus:   &accessStatus,
	}
	if err := e.Store.UpdateChannelAfterParse(ctx, update); err != nil {
		return -1, err
	}

	if err := selector.UpsertMembership(ctx, e.Store, acc.ID, ch.ID, store.MembershipJoined, "parsed_ok", now); err != nil {
		return -1, err
	}
	if err := selector.MarkUsed(ctx, e.Store, acc.ID, now); err != nil {
		return -1, err
	}

	e.Log.Info().
		Int64("channel_id", ch.ID).
		Str("identifier", ch.Identifier).
		Int64("cursor_from", cursor).
		Int64("cursor_to", newCursor).
		Int("fetched", len(rows)).
		Int("inserted", inserted).
		Int64("account_id", acc.ID).
		Msg("parser: channel parsed")

	return inserted, nil
}

func (e *Engine) resolveEntity(ctx context.Context, client upstream.Client, acc store.Account, ch store.Channel, now time.Time, excluded map[int64]bool) (*upstream.Entity, error) {
	var entity *upstream.Entity

	if ch.Type == store.ChannelPrivate {
		found, err := dialog.Resolve(ctx, client, ch)
		if err != nil {
			return nil, err
		}
		if found != nil {
			entity = found
			if err := selector.UpsertMembership(ctx, e.Store, acc.ID, ch.ID, store.MembershipJoined, "entity found in dialogs", now); err != nil {
				return nil, err
			}
		}
	} else {
		ref := ch.Identifier
		if !strings.HasPrefix(ref, "@") && !strings.Contains(ref, "t.me/") {
			ref = "@" + strings.TrimPrefix(ref, "@")
		}
		found, err := client.GetEntity(ctx, ref)
		switch {
		case err == nil:
			entity = &found
		case classify.Classify(err).Kind == classify.KindNotFound:
			// Not resolvable under this account's view; fall through to the
			// unresolved path below rather than failing the whole attempt.
		default:
			return nil, err
		}
	}

	if entity != nil {
		return entity, nil
	}

	if ch.Type != store.ChannelPrivate {
		return nil, nil
	}

	membership, err := e.Store.GetMembership(ctx, acc.ID, ch.ID)
	if err != nil {
		return nil, err
	}
	if membership != nil && (membership.Status == store.MembershipJoinRequested || membership.Status == store.MembershipPendingApprove) {
		return nil, nil
	}

	pending, err := e.Store.AnyMembershipPending(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, nil
	}

	joinResult := e.Join.EnsureJoined(ctx, client, ch, false)
	if err := e.persistJoinResult(ctx, acc, ch, joinResult, now); err != nil {
		return nil, err
	}

	if !joinResult.OK {
		return nil, nil
	}

	if joinResult.Entity != nil {
		return joinResult.Entity, nil
	}
	return dialog.Resolve(ctx, client, ch)
}

func (e *Engine) persistJoinResult(ctx context.Context, acc store.Account, ch store.Channel, res join.Result, now time.Time) error {
	var membershipStatus store.MembershipStatus
	switch res.AccessStatus {
	case store.AccessJoined:
		membershipStatus = store.MembershipJoined
	case store.AccessPendingApproval, store.AccessJoinRequested:
		membershipStatus = store.MembershipPendingApprove
	case store.AccessForbidden:
		membershipStatus = store.MembershipForbidden
	case store.AccessError:
		membershipStatus = store.MembershipError
	}
	if membershipStatus != "" {
		if err := selector.UpsertMembership(ctx, e.Store, acc.ID, ch.ID, membershipStatus, res.Note, now); err != nil {
			return err
		}
	}

	update := store.ChannelParseUpdate{
		ChannelID:     ch.ID,
		Cursor:        ch.CursorMessageID,
		LastCheckedAt: now,
	}
	if res.AccessStatus != "" {
		status := res.AccessStatus
		update.AccessStatus = &status
	}
	if res.OK {
		update.ClearLastError = true
	} else {
		update.LastError = store.TruncateNote(res.Note)
	}
	if res.Entity != nil {
		if res.Entity.ID != 0 {
			id := res.Entity.ID
			update.PeerID = &id
		}
		if strings.TrimSpace(res.Entity.Title) != "" {
			title := strings.TrimSpace(res.Entity.Title)
			update.Title = &title
		}
	}
	return e.Store.UpdateChannelAfterParse(ctx, update)
}

// handleAttemptError classifies an error raised mid-attempt, applies the
// appropriate quarantine/cooldown/forbidden side effect, and reports
// whether the whole parse pass must abort (ConfigError).
func (e *Engine) handleAttemptError(ctx context.Context, acc store.Account, ch store.Channel, err error, now time.Time) bool {
	if _, ok := err.(*classify.ConfigError); ok {
		return true
	}

	ce := classify.Classify(err)
	switch ce.Kind {
	case classify.KindConfigError:
		return true
	case classify.KindFloodWait:
		until := now.Add(ce.RetryAfter)
		if uerr := e.Store.UpdateAccountHealth(ctx, acc.ID, store.AccountCooldown, "FloodWait: "+ce.RetryAfter.String(), &until); uerr != nil {
			e.Log.Error().Err(uerr).Int64("account_id", acc.ID).Msg("parser: update account cooldown failed")
		}
	case classify.KindFrozen:
		note := store.TruncateNote("Frozen: " + ce.Error())
		if uerr := e.Store.QuarantineAccount(ctx, acc.ID, store.AccountBanned, note); uerr != nil {
			e.Log.Error().Err(uerr).Int64("account_id", acc.ID).Msg("parser: quarantine failed")
		}
		msg := fmt.Sprintf("tgparser: account frozen (FROZEN_METHOD_INVALID). id=%d phone=%s", acc.ID, acc.PhoneNumber)
		e.Notifier.NotifyAdmin(ctx, msg)
		e.Notifier.NotifyTeam(ctx, msg)
	case classify.KindDeactivated:
		note := store.TruncateNote("Deactivated: " + ce.Error())
		if uerr := e.Store.QuarantineAccount(ctx, acc.ID, store.AccountForbidden, note); uerr != nil {
			e.Log.Error().Err(uerr).Int64("account_id", acc.ID).Msg("parser: quarantine failed")
		}
		msg := fmt.Sprintf("tgparser: account deactivated. id=%d phone=%s", acc.ID, acc.PhoneNumber)
		e.Notifier.NotifyAdmin(ctx, msg)
		e.Notifier.NotifyTeam(ctx, msg)
	case classify.KindForbidden:
		// Channel-level forbidden: record it on this account's membership;
		// the caller excludes the account and moves on.
		if uerr := selector.UpsertMembership(ctx, e.Store, acc.ID, ch.ID, store.MembershipForbidden, store.TruncateNote(ce.Note), now); uerr != nil {
			e.Log.Error().Err(uerr).Int64("account_id", acc.ID).Int64("channel_id", ch.ID).Msg("parser: forbidden membership upsert failed")
		}
	}
	return false
}

func buildMessageURL(ch store.Channel, entity upstream.Entity, messageID int64) string {
	username := strings.TrimSpace(strings.TrimPrefix(entity.Username, "@"))
	if username == "" {
		username = strings.TrimSpace(strings.TrimPrefix(ch.Identifier, "@"))
	}
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, messageID)
	}
	if entity.ID > 0 {
		return fmt.Sprintf("https://t.me/c/%d/%d", entity.ID, messageID)
	}
	return ""
}
