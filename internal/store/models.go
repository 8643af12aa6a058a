package store

import "time"

// AccountStatus is the upstream-identity health classification for an
// Account, mirroring the state machine in the harvest tick's health pass.
type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountCooldown     AccountStatus = "cooldown"
	AccountBanned       AccountStatus = "banned"
	AccountAuthRequired AccountStatus = "auth_required"
	AccountForbidden    AccountStatus = "forbidden"
	AccountError        AccountStatus = "error"
)

// ChannelType distinguishes public (username-addressed) channels from
// private (invite-hash-addressed) ones.
type ChannelType string

const (
	ChannelPublic  ChannelType = "public"
	ChannelPrivate ChannelType = "private"
)

// AccessStatus is the channel-global membership/access state.
type AccessStatus string

const (
	AccessActive           AccessStatus = "active"
	AccessJoinRequested    AccessStatus = "join_requested"
	AccessPendingApproval  AccessStatus = "pending_approval"
	AccessJoined           AccessStatus = "joined"
	AccessForbidden        AccessStatus = "forbidden"
	AccessError            AccessStatus = "error"
)

// MembershipStatus is the per (account, channel) relation used by the
// selector and the join-request guardrail.
type MembershipStatus string

const (
	MembershipUnknown        MembershipStatus = "unknown"
	MembershipJoinRequested  MembershipStatus = "join_requested"
	MembershipPendingApprove MembershipStatus = "pending_approval"
	MembershipJoined         MembershipStatus = "joined"
	MembershipForbidden      MembershipStatus = "forbidden"
	MembershipError          MembershipStatus = "error"
)

// Account is an upstream client identity with a session capability.
type Account struct {
	ID                int64
	Label             string
	PhoneNumber       string
	OnboardingMethod  string
	IsActive          bool
	Status            AccountStatus
	CooldownUntil     *time.Time
	LastError         string
	SessionString     string
	APIID             int64
	APIHash           string
	ProxyURL          string
	LastUsedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Ready reports whether the account currently satisfies the selector's
// readiness predicate (§4.E): active, not cooling down, has a capability.
func (a Account) Ready(now time.Time) bool {
	if !a.IsActive || a.Status != AccountActive {
		return false
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return false
	}
	return a.SessionString != ""
}

// Channel is an upstream content stream identified by type + identifier.
type Channel struct {
	ID              int64
	Type            ChannelType
	Identifier      string
	Title           string
	IsActive        bool
	BackfillDays    int
	AccessStatus    AccessStatus
	LastCheckedAt   *time.Time
	CursorMessageID int64
	PeerID          int64
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Actionable reports whether the parser should attempt this channel at all.
func (c Channel) Actionable() bool {
	return c.IsActive && c.AccessStatus != AccessForbidden
}

// Post is a single stored, deduplicated message.
type Post struct {
	ID           int64
	ChannelID    int64
	MessageID    int64
	OriginalURL  string
	PublishedAt  time.Time
	Text         string
	CreatedAt    time.Time
}

// Membership is the per-(account, channel) relation.
type Membership struct {
	AccountID       int64
	ChannelID       int64
	Status          MembershipStatus
	Note            string
	JoinRequestedAt *time.Time
	JoinedAt        *time.Time
	ForbiddenAt     *time.Time
	LastCheckedAt   *time.Time
	UpdatedAt       time.Time
}

// StaffRecipient is an operator/staff chat opted in to notifier broadcasts.
type StaffRecipient struct {
	ChatID   int64
	Label    string
	OptedIn  bool
}

// TickMeta is the per-tick telemetry summary.
type TickMeta struct {
	TickID               int64
	StartedAt            time.Time
	FinishedAt           time.Time
	DurationS            float64
	AccountsChecked      int
	AccountsAuthRequired int
	AccountsCooldown     int
	AccountsBanned       int
	AccountsError        int
	ChannelsTotal        int
	ChannelsChecked      int
	PostsInserted        int
}

// MaxLastErrorLen is the character ceiling TruncateNote applies to
// last_error-style fields per §4.L.
const MaxLastErrorLen = 5000

// TruncateNote bounds a free-form note/last_error string to the spec's
// 5000-character ceiling.
func TruncateNote(s string) string {
	if len(s) <= MaxLastErrorLen {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxLastErrorLen {
		return s
	}
	return string(r[:MaxLastErrorLen])
}
