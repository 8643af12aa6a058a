package pool

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/upstream"
	"github.com/local/tgparser/internal/upstream/fakeclient"
)

func TestConnected_LazyConnectAndDisconnectOnZeroRefcount(t *testing.T) {
	cl := fakeclient.New()
	factory := &fakeclient.Factory{Per: func(accountID int64) *fakeclient.Client { return cl }}
	p := New(factory, zerolog.Nop())

	acc := upstream.AccountCapability{AccountID: 1}
	ctx := context.Background()

	if cl.ConnectCalls != 0 {
		t.Fatalf("expected no eager connect")
	}

	err := p.Connected(ctx, acc, func(c upstream.Client) error {
		if cl.ConnectCalls != 1 {
			t.Fatalf("expected exactly one connect call, got %d", cl.ConnectCalls)
		}
		if !cl.Connected {
			t.Fatalf("expected client marked connected inside callback")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if cl.DisconnectCalls != 1 {
		t.Fatalf("expected disconnect once refcount hit zero, got %d", cl.DisconnectCalls)
	}
}

func TestConnected_ReconnectsOnEachSequentialCall(t *testing.T) {
	cl := fakeclient.New()
	factory := &fakeclient.Factory{Per: func(accountID int64) *fakeclient.Client { return cl }}
	p := New(factory, zerolog.Nop())
	acc := upstream.AccountCapability{AccountID: 1}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Connected(ctx, acc, func(c upstream.Client) error { return nil }); err != nil {
			t.Fatalf("Connected iteration %d: %v", i, err)
		}
	}
	if cl.ConnectCalls != 3 {
		t.Fatalf("expected a fresh connect per call once refcount drained, got %d", cl.ConnectCalls)
	}
	if cl.DisconnectCalls != 3 {
		t.Fatalf("expected matching disconnects, got %d", cl.DisconnectCalls)
	}
}

func TestConnected_PropagatesConnectError(t *testing.T) {
	cl := fakeclient.New()
	cl.ConnectErr = context.DeadlineExceeded
	factory := &fakeclient.Factory{Shared: cl}
	p := New(factory, zerolog.Nop())

	err := p.Connected(context.Background(), upstream.AccountCapability{AccountID: 2}, func(c upstream.Client) error {
		t.Fatalf("fn should not run when connect fails")
		return nil
	})
	if err == nil {
		t.Fatalf("expected connect error to propagate")
	}
}

func TestCloseAll_DisconnectsLiveEntries(t *testing.T) {
	cl := fakeclient.New()
	factory := &fakeclient.Factory{Shared: cl}
	p := New(factory, zerolog.Nop())
	ctx := context.Background()
	acc := upstream.AccountCapability{AccountID: 3}

	// Simulate a leaked connection by connecting without a balanced release.
	ent, err := p.getEntry(acc)
	if err != nil {
		t.Fatalf("getEntry: %v", err)
	}
	if err := ent.client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ent.connected = true

	p.CloseAll(ctx)
	if cl.DisconnectCalls != 1 {
		t.Fatalf("expected CloseAll to disconnect leaked entry, got %d calls", cl.DisconnectCalls)
	}
}
