// Package notify sends best-effort operator/team alerts over a distinct
// Telegram Bot API identity (never one of the harvested MTProto accounts).
// Failures here are swallowed: a notification outage must never fail a
// tick.
package notify

import (
	"context"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog"

	"github.com/local/tgparser/internal/store"
)

// StaffLister is the subset of store.Store the team broadcast needs.
type StaffLister interface {
	ListStaffRecipients(ctx context.Context) ([]store.StaffRecipient, error)
}

// Notifier is the capability the rest of the codebase depends on; Bot is
// nil-safe so a deployment without a configured bot token silently no-ops.
type Notifier struct {
	bot        *telego.Bot
	adminChat  int64
	staff      StaffLister
	log        zerolog.Logger
}

// New builds a Notifier. botToken == "" disables sending entirely (both
// methods become no-ops); adminChatID == 0 disables only NotifyAdmin.
func New(botToken string, adminChatID int64, staff StaffLister, log zerolog.Logger) (*Notifier, error) {
	n := &Notifier{adminChat: adminChatID, staff: staff, log: log}
	if botToken == "" {
		return n, nil
	}
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return nil, err
	}
	n.bot = bot
	return n, nil
}

// NotifyAdmin sends text to the single configured operator chat. Best
// effort: any failure is logged, never returned.
func (n *Notifier) NotifyAdmin(ctx context.Context, text string) {
	if n.bot == nil || n.adminChat == 0 {
		return
	}
	_, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.adminChat), text))
	if err != nil {
		n.log.Warn().Err(err).Msg("notify: admin send failed")
	}
}

// NotifyTeam broadcasts text to every opted-in staff recipient. Each send
// failure is logged and does not stop the broadcast to the remaining
// recipients.
func (n *Notifier) NotifyTeam(ctx context.Context, text string) {
	if n.bot == nil || n.staff == nil {
		return
	}
	recipients, err := n.staff.ListStaffRecipients(ctx)
	if err != nil {
		n.log.Warn().Err(err).Msg("notify: listing staff recipients failed")
		return
	}
	for _, r := range recipients {
		if !r.OptedIn {
			continue
		}
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(r.ChatID), text)); err != nil {
			n.log.Warn().Err(err).Int64("chat_id", r.ChatID).Str("label", r.Label).Msg("notify: team send failed")
		}
	}
}
