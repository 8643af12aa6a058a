// Package store provides the persistent state for the harvester: accounts,
// channels, memberships, and posts, plus the upsert/read contracts the core
// tick pipeline is built on.
package store

import (
	"context"
	"time"
)

// Store is the persistence contract the tick pipeline depends on. A single
// SQLite-backed implementation (SQLiteStore) is provided; the interface
// exists so the pipeline components can be tested against an in-memory fake
// without touching a real database file.
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	ListActiveChannels(ctx context.Context) ([]Channel, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetChannel(ctx context.Context, id int64) (*Channel, error)

	UpdateAccountHealth(ctx context.Context, id int64, status AccountStatus, lastError string, cooldownUntil *time.Time) error
	QuarantineAccount(ctx context.Context, id int64, status AccountStatus, note string) error
	MarkAccountUsed(ctx context.Context, id int64, ts time.Time) error

	GetMembership(ctx context.Context, accountID, channelID int64) (*Membership, error)
	UpsertMembership(ctx context.Context, accountID, channelID int64, status MembershipStatus, note string, now time.Time) error
	AnyMembershipPending(ctx context.Context, channelID int64) (bool, error)
	ReadyAccountsForChannel(ctx context.Context, ch Channel, excluded map[int64]bool, now time.Time) ([]Account, error)

	UpdateChannelAfterParse(ctx context.Context, update ChannelParseUpdate) error
	CountPosts(ctx context.Context, channelID int64) (int, error)
	BulkInsertPostsIgnoreConflict(ctx context.Context, rows []Post) (insertedCount int, err error)

	ListStaffRecipients(ctx context.Context) ([]StaffRecipient, error)
	UpsertStaffRecipient(ctx context.Context, r StaffRecipient) error

	CreateAccount(ctx context.Context, a Account) (int64, error)
	CreateChannel(ctx context.Context, c Channel) (int64, error)

	WriteTickMeta(ctx context.Context, meta TickMeta) error

	Close() error
}

// ChannelParseUpdate bundles the fields the parser commits to a channel row
// after a parse attempt.
type ChannelParseUpdate struct {
	ChannelID        int64
	Cursor           int64
	LastCheckedAt    time.Time
	ClearLastError   bool
	LastError        string
	AccessStatus     *AccessStatus
	Title            *string
	PeerID           *int64
}
