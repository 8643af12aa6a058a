package selector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/store"
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

func TestPick_NoneWhenNoReadyAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chID, err := s.CreateChannel(ctx, store.Channel{Type: store.ChannelPublic, Identifier: "demo", IsActive: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	ch, err := s.GetChannel(ctx, chID)
	if err != nil || ch == nil {
		t.Fatalf("GetChannel: %v", err)
	}

	res, err := Pick(ctx, s, *ch, map[int64]bool{}, time.Now().UTC())
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if res.Account != nil {
		t.Fatalf("expected no ready account, got %+v", res.Account)
	}
	if res.Reason != "no_ready_accounts" {
		t.Fatalf("expected no_ready_accounts reason, got %q", res.Reason)
	}
}

func TestPick_ReturnsReadyAccountAndHonorsExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chID, err := s.CreateChannel(ctx, store.Channel{Type: store.ChannelPublic, Identifier: "demo", IsActive: true})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	accID, err := s.CreateAccount(ctx, store.Account{Label: "a1", IsActive: true, Status: store.AccountActive, SessionString: "s"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	ch, err := s.GetChannel(ctx, chID)
	if err != nil || ch == nil {
		t.Fatalf("GetChannel: %v", err)
	}

	now := time.Now().UTC()
	res, err := Pick(ctx, s, *ch, map[int64]bool{}, now)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if res.Account == nil || res.Account.ID != accID {
		t.Fatalf("expected account %d picked, got %+v", accID, res.Account)
	}

	excluded := map[int64]bool{accID: true}
	res2, err := Pick(ctx, s, *ch, excluded, now)
	if err != nil {
		t.Fatalf("Pick excluded: %v", err)
	}
	if res2.Account != nil {
		t.Fatalf("expected excluded account to be skipped, got %+v", res2.Account)
	}
}
