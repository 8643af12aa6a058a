package dialog

import (
	"context"
	"testing"

	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
	"github.com/local/tgparser/internal/upstream/fakeclient"
)

func TestResolve_PublicMatchesByUsername(t *testing.T) {
	cl := fakeclient.New()
	cl.Dialogs = []upstream.Dialog{
		{Entity: upstream.Entity{ID: 1, Username: "other"}},
		{Entity: upstream.Entity{ID: 2, Username: "Demo"}},
	}
	ch := store.Channel{Type: store.ChannelPublic, Identifier: "https://t.me/demo"}

	e, err := Resolve(context.Background(), cl, ch)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e == nil || e.ID != 2 {
		t.Fatalf("expected match on id 2, got %+v", e)
	}
}

func TestResolve_PublicNoMatchReturnsNilNotError(t *testing.T) {
	cl := fakeclient.New()
	cl.Dialogs = []upstream.Dialog{{Entity: upstream.Entity{ID: 1, Username: "other"}}}
	ch := store.Channel{Type: store.ChannelPublic, Identifier: "demo"}

	e, err := Resolve(context.Background(), cl, ch)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e != nil {
		t.Fatalf("expected no match, got %+v", e)
	}
}

func TestResolve_PrivateMatchesByPeerID(t *testing.T) {
	cl := fakeclient.New()
	cl.Dialogs = []upstream.Dialog{{Entity: upstream.Entity{ID: 999}}}
	ch := store.Channel{Type: store.ChannelPrivate, PeerID: 999}

	e, err := Resolve(context.Background(), cl, ch)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e == nil || e.ID != 999 {
		t.Fatalf("expected match by peer id, got %+v", e)
	}
}
