package membership

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/join"
	"github.com/local/tgparser/internal/pool"
	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
	"github.com/local/tgparser/internal/upstream/fakeclient"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(st store.Store, cl *fakeclient.Client) *Service {
	factory := &fakeclient.Factory{Shared: cl}
	p := pool.New(factory, zerolog.Nop())
	return New(st, p, join.New(), zerolog.Nop())
}

// join_requested/pending_approval past its 6h backoff, and the entity now
// shows up in dialogs: upgrade straight to joined without re-sending an
// invite.
func TestRun_JoinRequestedRecheckUpgradesToJoined(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	accID, err := st.CreateAccount(ctx, store.Account{Label: "a1", IsActive: true, Status: store.AccountActive, SessionString: "s"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	chID, err := st.CreateChannel(ctx, store.Channel{Type: store.ChannelPrivate, Identifier: "https://t.me/+abc123", IsActive: true, PeerID: 7})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	old := time.Now().UTC().Add(-7 * time.Hour)
	if err := st.UpsertMembership(ctx, accID, chID, store.MembershipJoinRequested, "join request sent", old); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	cl := fakeclient.New()
	cl.Authorized = true
	cl.Dialogs = []upstream.Dialog{{Entity: upstream.Entity{ID: 7}}}

	svc := newService(st, cl)
	now := time.Now().UTC()
	summary, err := svc.Run(ctx, now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ChannelsTouched != 1 || summary.MembershipsUpdated != 1 {
		t.Fatalf("expected one touched/updated channel, got %+v", summary)
	}

	mem, err := st.GetMembership(ctx, accID, chID)
	if err != nil || mem == nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if mem.Status != store.MembershipJoined {
		t.Fatalf("expected upgrade to joined, got %s", mem.Status)
	}
}

// join_requested within its 6h backoff window must not be touched at all.
func TestRun_JoinRequestedRecheckSkippedWithinBackoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	accID, err := st.CreateAccount(ctx, store.Account{Label: "a1", IsActive: true, Status: store.AccountActive, SessionString: "s"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	chID, err := st.CreateChannel(ctx, store.Channel{Type: store.ChannelPrivate, Identifier: "https://t.me/+abc123", IsActive: true, PeerID: 7})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	recent := time.Now().UTC().Add(-1 * time.Hour)
	if err := st.UpsertMembership(ctx, accID, chID, store.MembershipJoinRequested, "join request sent", recent); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	cl := fakeclient.New()
	cl.Authorized = true
	cl.DialogsErr = context.DeadlineExceeded // would fail loudly if ever called

	svc := newService(st, cl)
	summary, err := svc.Run(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MembershipsUpdated != 0 {
		t.Fatalf("expected no updates within backoff window, got %+v", summary)
	}

	mem, err := st.GetMembership(ctx, accID, chID)
	if err != nil || mem == nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if mem.Status != store.MembershipJoinRequested {
		t.Fatalf("expected status unchanged, got %s", mem.Status)
	}
	if cl.ConnectCalls != 0 {
		t.Fatalf("expected no client connection within backoff window, got %d connects", cl.ConnectCalls)
	}
}

// A stale "joined" membership whose entity has dropped out of dialogs is
// flagged error, never silently downgraded or deleted.
func TestRun_JoinedDriftFlagsErrorWithoutDowngrading(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	accID, err := st.CreateAccount(ctx, store.Account{Label: "a1", IsActive: true, Status: store.AccountActive, SessionString: "s"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	chID, err := st.CreateChannel(ctx, store.Channel{Type: store.ChannelPrivate, Identifier: "https://t.me/+abc123", IsActive: true, PeerID: 7})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	old := time.Now().UTC().Add(-25 * time.Hour)
	if err := st.UpsertMembership(ctx, accID, chID, store.MembershipJoined, "parsed_ok", old); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	cl := fakeclient.New()
	cl.Authorized = true
	cl.Dialogs = nil // entity no longer present

	svc := newService(st, cl)
	summary, err := svc.Run(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MembershipsUpdated != 1 {
		t.Fatalf("expected one drift flag, got %+v", summary)
	}

	mem, err := st.GetMembership(ctx, accID, chID)
	if err != nil || mem == nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if mem.Status != store.MembershipError {
		t.Fatalf("expected error status on drift, got %s", mem.Status)
	}
}

// No membership row yet: the service calls ensure_joined and persists
// whatever outcome results (here, a join request sent for a private
// channel), subject to the global one-pending-per-channel guardrail.
func TestRun_UnknownMembershipEnsuresJoinedAndRespectsGuardrail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acc1, err := st.CreateAccount(ctx, store.Account{Label: "a1", IsActive: true, Status: store.AccountActive, SessionString: "s1"})
	if err != nil {
		t.Fatalf("CreateAccount a1: %v", err)
	}
	acc2, err := st.CreateAccount(ctx, store.Account{Label: "a2", IsActive: true, Status: store.AccountActive, SessionString: "s2"})
	if err != nil {
		t.Fatalf("CreateAccount a2: %v", err)
	}
	chID, err := st.CreateChannel(ctx, store.Channel{Type: store.ChannelPrivate, Identifier: "https://t.me/+abc123", IsActive: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	cl := fakeclient.New()
	cl.Authorized = true
	cl.JoinOutcomes[0] = upstream.JoinInviteRequestSent

	svc := newService(st, cl)
	summary, err := svc.Run(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MembershipsUpdated != 1 {
		t.Fatalf("expected one membership created, got %+v", summary)
	}

	mem1, err := st.GetMembership(ctx, acc1, chID)
	if err != nil || mem1 == nil {
		t.Fatalf("GetMembership acc1: %v", err)
	}
	if mem1.Status != store.MembershipJoinRequested {
		t.Fatalf("expected join_requested, got %s", mem1.Status)
	}

	// acc1 was the only ready account picked (deterministic first-ready
	// selection), so acc2 never even attempted — but re-run to also confirm
	// the guardrail would hold if it had.
	if _, err := svc.Run(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("Run 2: %v", err)
	}
	mem2, err := st.GetMembership(ctx, acc2, chID)
	if err != nil {
		t.Fatalf("GetMembership acc2: %v", err)
	}
	if mem2 != nil {
		t.Fatalf("guardrail should have prevented acc2 from gaining a membership row, got %+v", mem2)
	}
}
