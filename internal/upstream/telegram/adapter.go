// Package telegram is the one place in this repository that imports
// github.com/gotd/td directly. Every other component talks to the
// upstream.Client interface; this file's only job is translating that
// interface onto gotd/td's MTProto client.
package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/classify"
	"github.com/local/tgparser/internal/upstream"
)

// Factory builds gotd/td-backed upstream.Client values from account
// capabilities. It is pure: no state survives between NewClient calls
// beyond what's passed in.
type Factory struct {
	Log zerolog.Logger
}

func (f Factory) NewClient(acc upstream.AccountCapability) (upstream.Client, error) {
	if acc.APIID == 0 || acc.APIHash == "" {
		return nil, &classify.ConfigError{Note: fmt.Sprintf("account %d missing api_id/api_hash", acc.AccountID)}
	}

	storage := &memSessionStorage{}
	if acc.SessionString != "" {
		raw, err := base64.StdEncoding.DecodeString(acc.SessionString)
		if err != nil {
			return nil, &classify.ConfigError{Note: fmt.Sprintf("account %d has malformed session_string", acc.AccountID)}
		}
		storage.data = raw
	}

	opts := telegram.Options{
		SessionStorage: storage,
		Logger:         newZapLogger(f.Log.With().Int64("account_id", acc.AccountID).Logger()),
	}
	if acc.ProxyURL != "" {
		// proxy_url is not applied: no proxy dialer is configured here, so
		// the client connects directly even when the account has a proxy_url.
		opts.Resolver = nil
	}

	client := telegram.NewClient(int(acc.APIID), acc.APIHash, opts)

	return &clientAdapter{
		accountID: acc.AccountID,
		client:    client,
		log:       f.Log.With().Int64("account_id", acc.AccountID).Logger(),
	}, nil
}

// memSessionStorage adapts the account's opaque session_string to gotd/td's
// session.Storage interface (LoadSession/StoreSession). Bytes gotd/td
// stores through StoreSession stay in memory only; they are not written
// back to Account.SessionString.
type memSessionStorage struct {
	mu   sync.Mutex
	data []byte
}

func (m *memSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return nil, session.ErrNotFound
	}
	return m.data, nil
}

func (m *memSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

func (m *memSessionStorage) encoded() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(m.data)
}

// clientAdapter implements upstream.Client over a single gotd/td
// telegram.Client. Connect starts client.Run in its own goroutine and
// Disconnect cancels it; calls made between them go straight to
// client.API() while that Run loop keeps the connection open.
type clientAdapter struct {
	accountID int64
	client    *telegram.Client
	storage   *memSessionStorage
	log       zerolog.Logger

	cancelRun context.CancelFunc
	runDone   chan error
}

func (c *clientAdapter) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.runDone = make(chan error, 1)

	ready := make(chan error, 1)
	go func() {
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			ready <- nil
			<-ctx.Done()
			return nil
		})
		c.runDone <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			c.log.Error().Err(err).Msg("telegram: connect failed")
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-time.After(30 * time.Second):
		cancel()
		c.log.Error().Msg("telegram: connect timed out")
		return fmt.Errorf("telegram: connect timed out")
	}
}

func (c *clientAdapter) Disconnect(ctx context.Context) error {
	if c.cancelRun == nil {
		return nil
	}
	c.cancelRun()
	select {
	case <-c.runDone:
	case <-time.After(10 * time.Second):
		c.log.Warn().Msg("telegram: disconnect timed out waiting for run loop to exit")
	}
	return nil
}

func (c *clientAdapter) IsAuthorized(ctx context.Context) (bool, error) {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, classifyRPC(err)
	}
	return status.Authorized, nil
}

func (c *clientAdapter) GetMe(ctx context.Context) (upstream.Identity, error) {
	self, err := c.client.Self(ctx)
	if err != nil {
		return upstream.Identity{}, classifyRPC(err)
	}
	return upstream.Identity{ID: self.ID, Username: self.Username}, nil
}

func (c *clientAdapter) GetEntity(ctx context.Context, ref string) (upstream.Entity, error) {
	api := c.client.API()
	resolved, err := api.ContactsResolveUsername(ctx, ref)
	if err != nil {
		return upstream.Entity{}, classifyRPC(err)
	}
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return entityFromChannel(ch), nil
		}
	}
	return upstream.Entity{}, &classify.Error{Kind: classify.KindNotFound, Note: "username not resolved to a channel: " + ref}
}

func (c *clientAdapter) GetDialogs(ctx context.Context, limit int) ([]upstream.Dialog, error) {
	api := c.client.API()
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      limit,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		return nil, classifyRPC(err)
	}

	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}

	out := make([]upstream.Dialog, 0, len(chats))
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			out = append(out, upstream.Dialog{Entity: entityFromChannel(ch)})
		}
	}
	return out, nil
}

func (c *clientAdapter) IterMessages(ctx context.Context, entity upstream.Entity, opts upstream.IterOptions, yield func(upstream.Message) bool) error {
	api := c.client.API()
	peer := inputPeerFromEntity(entity)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	req := &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		Limit:    limit,
		AddOffset: 0,
	}
	if opts.MinID > 0 {
		req.MinID = int(opts.MinID)
		if opts.Reverse {
			req.AddOffset = -limit
		}
	}

	res, err := api.MessagesGetHistory(ctx, req)
	if err != nil {
		return classifyRPC(err)
	}

	var msgs []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesMessages:
		msgs = m.Messages
	case *tg.MessagesMessagesSlice:
		msgs = m.Messages
	case *tg.MessagesChannelMessages:
		msgs = m.Messages
	}

	if opts.Reverse {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	for _, mc := range msgs {
		msg, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		m := upstream.Message{
			ID:          int64(msg.ID),
			Text:        msg.Message,
			PublishedAt: time.Unix(int64(msg.Date), 0).UTC(),
		}
		if !yield(m) {
			break
		}
	}
	return nil
}

func (c *clientAdapter) Join(ctx context.Context, entity upstream.Entity, inviteHash string) (upstream.JoinOutcome, upstream.Entity, error) {
	api := c.client.API()

	if inviteHash != "" {
		updates, err := api.MessagesImportChatInvite(ctx, inviteHash)
		if err != nil {
			if isAlreadyParticipant(err) {
				return upstream.JoinAlreadyParticipant, upstream.Entity{}, nil
			}
			if isInviteRequestSent(err) {
				return upstream.JoinInviteRequestSent, upstream.Entity{}, nil
			}
			return upstream.JoinUnknown, upstream.Entity{}, classifyRPC(err)
		}
		return upstream.JoinJoined, entityFromUpdates(updates), nil
	}

	inputChannel := inputChannelFromEntity(entity)
	updates, err := api.ChannelsJoinChannel(ctx, inputChannel)
	if err != nil {
		if isAlreadyParticipant(err) {
			return upstream.JoinAlreadyParticipant, upstream.Entity{}, nil
		}
		return upstream.JoinUnknown, upstream.Entity{}, classifyRPC(err)
	}
	return upstream.JoinJoined, entityFromUpdates(updates), nil
}

func entityFromChannel(ch *tg.Channel) upstream.Entity {
	return upstream.Entity{
		Ref:      &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
		ID:       ch.ID,
		Username: ch.Username,
		Title:    ch.Title,
	}
}

func entityFromUpdates(u tg.UpdatesClass) upstream.Entity {
	var chats []tg.ChatClass
	switch v := u.(type) {
	case *tg.Updates:
		chats = v.Chats
	case *tg.UpdatesCombined:
		chats = v.Chats
	}
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return entityFromChannel(ch)
		}
	}
	return upstream.Entity{}
}

func inputPeerFromEntity(e upstream.Entity) tg.InputPeerClass {
	if ic, ok := e.Ref.(*tg.InputChannel); ok {
		return &tg.InputPeerChannel{ChannelID: ic.ChannelID, AccessHash: ic.AccessHash}
	}
	return &tg.InputPeerEmpty{}
}

func inputChannelFromEntity(e upstream.Entity) tg.InputChannelClass {
	if ic, ok := e.Ref.(*tg.InputChannel); ok {
		return ic
	}
	return &tg.InputChannelEmpty{}
}

func isAlreadyParticipant(err error) bool {
	rpcErr, ok := tgerr.As(err)
	return ok && rpcErr.Type == "USER_ALREADY_PARTICIPANT"
}

func isInviteRequestSent(err error) bool {
	rpcErr, ok := tgerr.As(err)
	return ok && rpcErr.Type == "INVITE_REQUEST_SENT"
}

// classifyRPC maps a gotd/td RPC error to our classified sum type so the
// rest of the codebase never imports tgerr directly.
func classifyRPC(err error) error {
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return classify.Classify(err)
	}
	if rpcErr.Type == "FLOOD_WAIT" {
		return classify.Classify(fmt.Errorf("FLOOD_WAIT_%d: %w", rpcErr.Argument, err))
	}
	return classify.Classify(fmt.Errorf("%s: %w", rpcErr.Type, err))
}
