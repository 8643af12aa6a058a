// Package fakeclient is a hand-written upstream.Client/Factory test double.
// It lets internal/pool, internal/health, internal/join, internal/dialog and
// internal/parser be exercised without a live Telegram connection.
package fakeclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/local/tgparser/internal/upstream"
)

// Client is a scriptable fake: tests populate its exported fields/maps
// before handing it to the code under test.
type Client struct {
	mu sync.Mutex

	ConnectErr    error
	DisconnectErr error
	Authorized    bool
	AuthErr       error
	Me            upstream.Identity
	GetMeErr      error

	Entities   map[string]upstream.Entity
	EntityErrs map[string]error

	Dialogs    []upstream.Dialog
	DialogsErr error

	Messages map[int64][]upstream.Message // keyed by entity ID
	IterErr  error

	JoinOutcomes map[int64]upstream.JoinOutcome
	JoinEntities map[int64]upstream.Entity
	JoinErrs     map[int64]error

	Connected     bool
	ConnectCalls  int
	DisconnectCalls int
}

// New returns an empty fake ready for field population.
func New() *Client {
	return &Client{
		Entities:     map[string]upstream.Entity{},
		EntityErrs:   map[string]error{},
		Messages:     map[int64][]upstream.Message{},
		JoinOutcomes: map[int64]upstream.JoinOutcome{},
		JoinEntities: map[int64]upstream.Entity{},
		JoinErrs:     map[int64]error{},
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.Connected = true
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisconnectCalls++
	c.Connected = false
	return c.DisconnectErr
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if c.AuthErr != nil {
		return false, c.AuthErr
	}
	return c.Authorized, nil
}

func (c *Client) GetMe(ctx context.Context) (upstream.Identity, error) {
	if c.GetMeErr != nil {
		return upstream.Identity{}, c.GetMeErr
	}
	return c.Me, nil
}

func (c *Client) GetEntity(ctx context.Context, ref string) (upstream.Entity, error) {
	if err, ok := c.EntityErrs[ref]; ok {
		return upstream.Entity{}, err
	}
	e, ok := c.Entities[ref]
	if !ok {
		return upstream.Entity{}, fmt.Errorf("fakeclient: no entity registered for ref %q", ref)
	}
	return e, nil
}

func (c *Client) GetDialogs(ctx context.Context, limit int) ([]upstream.Dialog, error) {
	if c.DialogsErr != nil {
		return nil, c.DialogsErr
	}
	if limit > 0 && limit < len(c.Dialogs) {
		return c.Dialogs[:limit], nil
	}
	return c.Dialogs, nil
}

func (c *Client) IterMessages(ctx context.Context, entity upstream.Entity, opts upstream.IterOptions, yield func(upstream.Message) bool) error {
	if c.IterErr != nil {
		return c.IterErr
	}
	msgs := c.Messages[entity.ID]

	filtered := make([]upstream.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID > opts.MinID {
			filtered = append(filtered, m)
		}
	}
	if opts.Reverse {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	for _, m := range filtered {
		if !yield(m) {
			break
		}
	}
	return nil
}

func (c *Client) Join(ctx context.Context, entity upstream.Entity, inviteHash string) (upstream.JoinOutcome, upstream.Entity, error) {
	if err, ok := c.JoinErrs[entity.ID]; ok {
		return upstream.JoinUnknown, upstream.Entity{}, err
	}
	outcome, ok := c.JoinOutcomes[entity.ID]
	if !ok {
		outcome = upstream.JoinJoined
	}
	return outcome, c.JoinEntities[entity.ID], nil
}

// Factory hands out a single shared *Client (or, if Per is set, builds one
// per account via the provided constructor) so tests can either share
// scripted state across the whole pool or isolate it per account.
type Factory struct {
	Shared *Client
	Per    func(accountID int64) *Client

	NewClientErr error

	mu      sync.Mutex
	Created map[int64]*Client
}

func (f *Factory) NewClient(acc upstream.AccountCapability) (upstream.Client, error) {
	if f.NewClientErr != nil {
		return nil, f.NewClientErr
	}
	if f.Per != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.Created == nil {
			f.Created = map[int64]*Client{}
		}
		cl, ok := f.Created[acc.AccountID]
		if !ok {
			cl = f.Per(acc.AccountID)
			f.Created[acc.AccountID] = cl
		}
		return cl, nil
	}
	if f.Shared == nil {
		f.Shared = New()
	}
	return f.Shared, nil
}
