package join

import (
	"context"
	"testing"

	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
	"github.com/local/tgparser/internal/upstream/fakeclient"
)

func TestEnsureJoined_PublicShortCircuitsOnJoinedAccessStatus(t *testing.T) {
	s := New()
	cl := fakeclient.New()
	ch := store.Channel{Type: store.ChannelPublic, Identifier: "demo", AccessStatus: store.AccessJoined}

	res := s.EnsureJoined(context.Background(), cl, ch, false)
	if !res.OK || res.AccessStatus != store.AccessJoined {
		t.Fatalf("expected short-circuit ok/joined, got %+v", res)
	}
	if cl.ConnectCalls != 0 {
		t.Fatalf("short-circuit must not touch the client")
	}
}

func TestEnsureJoined_PublicJoinsWhenNotYetJoined(t *testing.T) {
	s := New()
	cl := fakeclient.New()
	entity := upstream.Entity{ID: 42, Username: "demo", Title: "Demo"}
	cl.Entities["@demo"] = entity
	cl.JoinOutcomes[42] = upstream.JoinJoined

	ch := store.Channel{Type: store.ChannelPublic, Identifier: "demo"}
	res := s.EnsureJoined(context.Background(), cl, ch, false)
	if !res.OK || res.AccessStatus != store.AccessJoined {
		t.Fatalf("expected joined, got %+v", res)
	}
	if res.Entity == nil || res.Entity.ID != 42 {
		t.Fatalf("expected resolved entity echoed back, got %+v", res.Entity)
	}
}

func TestEnsureJoined_PrivateNeverShortCircuitsOnGlobalAccessStatus(t *testing.T) {
	s := New()
	cl := fakeclient.New()
	// Global access_status already says joined (some OTHER account joined),
	// but this account's membership is unknown; the service must still
	// attempt the import for THIS client.
	ch := store.Channel{Type: store.ChannelPrivate, Identifier: "https://t.me/+abc123", AccessStatus: store.AccessJoined}

	res := s.EnsureJoined(context.Background(), cl, ch, false)
	// Default fake Join outcome is JoinJoined with a zero-value Entity.
	if !res.OK || res.AccessStatus != store.AccessJoined {
		t.Fatalf("expected private join attempted and to succeed, got %+v", res)
	}
}

func TestEnsureJoined_PrivateInviteRequestSent(t *testing.T) {
	s := New()
	cl := fakeclient.New()
	cl.JoinOutcomes[0] = upstream.JoinInviteRequestSent

	ch := store.Channel{Type: store.ChannelPrivate, Identifier: "+abc123"}
	res := s.EnsureJoined(context.Background(), cl, ch, false)
	if res.OK {
		t.Fatalf("expected not-ok for pending invite request")
	}
	if res.AccessStatus != store.AccessJoinRequested {
		t.Fatalf("expected join_requested, got %s", res.AccessStatus)
	}
}

func TestEnsureJoined_PrivateInvalidIdentifier(t *testing.T) {
	s := New()
	cl := fakeclient.New()
	ch := store.Channel{Type: store.ChannelPrivate, Identifier: "not an invite link at all"}
	res := s.EnsureJoined(context.Background(), cl, ch, false)
	if res.OK || res.AccessStatus != store.AccessError {
		t.Fatalf("expected error access status for unparseable invite, got %+v", res)
	}
}

func TestEnsureJoined_PrivateLegacyJoinchatLink(t *testing.T) {
	s := New()
	cl := fakeclient.New()
	ch := store.Channel{Type: store.ChannelPrivate, Identifier: "t.me/joinchat/legacyHash"}

	res := s.EnsureJoined(context.Background(), cl, ch, false)
	// Default fake Join outcome is JoinJoined with a zero-value Entity.
	if !res.OK || res.AccessStatus != store.AccessJoined {
		t.Fatalf("expected legacy joinchat link to be parsed and joined, got %+v", res)
	}
}

func TestExtractInviteHash(t *testing.T) {
	cases := map[string]string{
		"https://t.me/+abcDEF_123":        "abcDEF_123",
		"t.me/+abcDEF_123":                "abcDEF_123",
		"abcDEF_123":                      "abcDEF_123",
		"t.me/joinchat/legacyHash":        "legacyHash",
		"https://t.me/joinchat/legacyHash": "legacyHash",
	}
	for in, want := range cases {
		got := extractInviteHash(in)
		if got != want {
			t.Errorf("extractInviteHash(%q) = %q, want %q", in, got, want)
		}
	}
}
