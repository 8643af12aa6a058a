// Package pool is a best-effort upstream.Client pool: one client per
// account, reused and ref-counted across a single harvest tick, serialized
// per account since a single MTProto connection isn't safe for concurrent
// use.
package pool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/upstream"
)

type entry struct {
	mu        sync.Mutex
	client    upstream.Client
	refcount  int
	connected bool
}

// Pool is in-process only: no cross-worker sharing. Safe for concurrent
// use from multiple goroutines calling Connected for different (or the
// same) accounts.
type Pool struct {
	factory upstream.Factory
	log     zerolog.Logger

	globalMu sync.Mutex
	entries  map[int64]*entry
}

func New(factory upstream.Factory, log zerolog.Logger) *Pool {
	return &Pool{
		factory: factory,
		log:     log,
		entries: map[int64]*entry{},
	}
}

func (p *Pool) getEntry(acc upstream.AccountCapability) (*entry, error) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	ent, ok := p.entries[acc.AccountID]
	if ok {
		return ent, nil
	}

	client, err := p.factory.NewClient(acc)
	if err != nil {
		return nil, err
	}
	ent = &entry{client: client}
	p.entries[acc.AccountID] = ent
	return ent, nil
}

// Connected runs fn with a connected client for acc, connecting lazily on
// first use and disconnecting once the refcount for this account drops back
// to zero. A panic or error from fn still releases the refcount and, if it
// was the last holder, disconnects.
func (p *Pool) Connected(ctx context.Context, acc upstream.AccountCapability, fn func(upstream.Client) error) error {
	ent, err := p.getEntry(acc)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	ent.refcount++
	defer func() {
		ent.refcount--
		if ent.refcount <= 0 && ent.connected {
			ent.refcount = 0
			if derr := ent.client.Disconnect(ctx); derr != nil {
				p.log.Error().Err(derr).Int64("account_id", acc.AccountID).Msg("pool: disconnect failed")
			}
			ent.connected = false
		}
	}()

	if !ent.connected {
		if err := ent.client.Connect(ctx); err != nil {
			return err
		}
		ent.connected = true
	}

	return fn(ent.client)
}

// CloseAll disconnects every still-connected entry, used at the end of a
// tick as a backstop against refcount bugs leaving a client connected.
func (p *Pool) CloseAll(ctx context.Context) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	for accountID, ent := range p.entries {
		ent.mu.Lock()
		if ent.connected {
			if err := ent.client.Disconnect(ctx); err != nil {
				p.log.Error().Err(err).Int64("account_id", accountID).Msg("pool: close-all disconnect failed")
			}
			ent.connected = false
			ent.refcount = 0
		}
		ent.mu.Unlock()
	}
}
