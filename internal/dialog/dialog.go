// Package dialog resolves a channel entity via an account's dialog list,
// avoiding a resolve-username call once membership already exists.
package dialog

import (
	"context"
	"strings"

	"github.com/local/tgparser/internal/store"
	"github.com/local/tgparser/internal/upstream"
)

const defaultLimit = 200

// Resolve finds ch's entity among client's dialogs. It returns (nil, nil)
// when membership doesn't have a matching dialog yet rather than an error,
// since "not found" is an expected, non-exceptional outcome here.
func Resolve(ctx context.Context, client upstream.Client, ch store.Channel) (*upstream.Entity, error) {
	dialogs, err := client.GetDialogs(ctx, defaultLimit)
	if err != nil {
		return nil, err
	}

	if ch.Type == store.ChannelPublic {
		username := normUsername(ch.Identifier)
		if username == "" {
			return nil, nil
		}
		for _, d := range dialogs {
			if strings.ToLower(strings.TrimSpace(d.Entity.Username)) == username {
				e := d.Entity
				return &e, nil
			}
		}
		return nil, nil
	}

	if ch.PeerID != 0 {
		for _, d := range dialogs {
			if d.Entity.ID == ch.PeerID {
				e := d.Entity
				return &e, nil
			}
		}
	}
	return nil, nil
}

func normUsername(identifier string) string {
	raw := strings.TrimSpace(identifier)
	if raw == "" {
		return ""
	}
	if i := strings.Index(raw, "t.me/"); i >= 0 {
		raw = raw[i+len("t.me/"):]
		if j := strings.Index(raw, "/"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimPrefix(raw, "@")
	return strings.ToLower(strings.TrimSpace(raw))
}
