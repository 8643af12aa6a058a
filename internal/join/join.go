// Package join ensures channel membership before a parse attempt. The
// service is pure: it never mutates the store directly, returning a Result
// the caller commits.
package join

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/local/tgparser/internal/classify"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
)

var inviteRe = regexp.MustCompile(`(?:https?://)?t\.me/(?:\+|joinchat/)([A-Za-z0-9_-]+)`)

var bareHashRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Result is the outcome of an EnsureJoined attempt.
type Result struct {
	OK           bool
	Entity       *upstream.Entity
	AccessStatus store.AccessStatus
	Note         string
	// RetryAfter is set only when the failure was a FloodWait, so callers
	// (membership maintenance) can mark account cooldown without having to
	// re-parse it back out of Note.
	RetryAfter time.Duration
}

// Service wraps an upstream.Client factory-free join attempt; it operates on
// an already-connected client, handed in by the caller via the pool.
type Service struct{}

func New() *Service { return &Service{} }

// EnsureJoined: public channels short-circuit on a channel-global
// joined/active access_status (reduces expensive resolve calls); private
// channels NEVER short-circuit, since access_status is global but
// membership is per-account and another account's success doesn't mean
// THIS account has joined.
func (s *Service) EnsureJoined(ctx context.Context, client upstream.Client, ch store.Channel, force bool) Result {
	if !force && ch.Type == store.ChannelPublic &&
		(ch.AccessStatus == store.AccessJoined || ch.AccessStatus == store.AccessActive) {
		return Result{OK: true, AccessStatus: ch.AccessStatus}
	}

	if ch.Type == store.ChannelPublic {
		return s.ensureJoinedPublic(ctx, client, ch)
	}
	return s.ensureJoinedPrivate(ctx, client, ch)
}

func (s *Service) ensureJoinedPublic(ctx context.Context, client upstream.Client, ch store.Channel) Result {
	ref := strings.TrimSpace(ch.Identifier)
	if ref == "" {
		return Result{OK: false, AccessStatus: store.AccessError, Note: "empty public channel identifier"}
	}
	if !strings.HasPrefix(ref, "@") && !strings.Contains(ref, "t.me/") {
		ref = "@" + strings.TrimPrefix(ref, "@")
	}

	entity, err := client.GetEntity(ctx, ref)
	if err != nil {
		return errResult(err)
	}

	outcome, _, err := client.Join(ctx, entity, "")
	if err != nil && outcome != upstream.JoinAlreadyParticipant {
		return errResult(err)
	}

	return Result{OK: true, Entity: &entity, AccessStatus: store.AccessJoined, Note: "joined public channel"}
}

func (s *Service) ensureJoinedPrivate(ctx context.Context, client upstream.Client, ch store.Channel) Result {
	hash := extractInviteHash(ch.Identifier)
	if hash == "" {
		return Result{OK: false, AccessStatus: store.AccessError, Note: "invalid invite link/hash"}
	}

	// The entity passed to Join for a private channel is an empty
	// placeholder; the invite hash argument is what gotd/td imports via
	// MessagesImportChatInvite, resolving the real peer from the invite.
	outcome, entity, err := client.Join(ctx, upstream.Entity{}, hash)
	switch outcome {
	case upstream.JoinAlreadyParticipant:
		return Result{OK: true, AccessStatus: store.AccessJoined, Note: "already participant"}
	case upstream.JoinInviteRequestSent:
		return Result{OK: false, AccessStatus: store.AccessJoinRequested, Note: "join request sent (pending approval)"}
	}
	if err != nil {
		return errResult(err)
	}
	return Result{OK: true, Entity: &entity, AccessStatus: store.AccessJoined, Note: "imported private invite"}
}

func errResult(err error) Result {
	ce := classify.Classify(err)
	switch ce.Kind {
	case classify.KindForbidden:
		return Result{OK: false, AccessStatus: store.AccessForbidden, Note: "forbidden"}
	case classify.KindFloodWait:
		return Result{OK: false, AccessStatus: store.AccessError, Note: "FloodWait " + ce.RetryAfter.String(), RetryAfter: ce.RetryAfter}
	default:
		return Result{OK: false, AccessStatus: store.AccessError, Note: ce.Error()}
	}
}

// extractInviteHash pulls the invite hash out of a t.me/+HASH link, the
// legacy t.me/joinchat/HASH link, a bare "+HASH", or an already-bare hash,
// tolerating whatever form an operator pastes into the channel identifier
// field.
func extractInviteHash(inviteLinkOrHash string) string {
	raw := strings.TrimSpace(inviteLinkOrHash)
	if raw == "" {
		return ""
	}

	if !strings.Contains(raw, "/") && !strings.Contains(raw, "t.me") {
		bare := strings.TrimPrefix(raw, "+")
		if bareHashRe.MatchString(bare) {
			return bare
		}
		return ""
	}

	if m := inviteRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}

	raw = strings.ReplaceAll(raw, "https://", "")
	raw = strings.ReplaceAll(raw, "http://", "")
	raw = strings.TrimPrefix(raw, "/")
	switch {
	case strings.HasPrefix(raw, "t.me/+"):
		rest := strings.TrimPrefix(raw, "t.me/+")
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	case strings.HasPrefix(raw, "t.me/joinchat/"):
		rest := strings.TrimPrefix(raw, "t.me/joinchat/")
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}

	return ""
}
