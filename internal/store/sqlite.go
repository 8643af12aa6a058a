package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a pure-Go SQLite driver (no cgo):
// modernc.org/sqlite, avoiding a cgo build dependency for the harvester
// binary.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLite opens (creating if absent) the SQLite database at dbPath and
// ensures the harvester schema exists.
func NewSQLite(dbPath string, log zerolog.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	if dbPath == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(on)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite write serialization; matches the spec's per-account serialization discipline

	s := &SQLiteStore{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL DEFAULT '',
		phone_number TEXT NOT NULL DEFAULT '',
		onboarding_method TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		cooldown_until INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		session_string TEXT NOT NULL DEFAULT '',
		api_id INTEGER NOT NULL DEFAULT 0,
		api_hash TEXT NOT NULL DEFAULT '',
		proxy_url TEXT NOT NULL DEFAULT '',
		last_used_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		identifier TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		backfill_days INTEGER NOT NULL DEFAULT 0,
		access_status TEXT NOT NULL DEFAULT 'active',
		last_checked_at INTEGER,
		cursor_message_id INTEGER NOT NULL DEFAULT 0,
		peer_id INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(type, identifier)
	);

	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		message_id INTEGER NOT NULL,
		original_url TEXT NOT NULL DEFAULT '',
		published_at INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(channel_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS ix_posts_original_url ON posts(original_url);
	CREATE INDEX IF NOT EXISTS ix_posts_channel_published_at ON posts(channel_id, published_at);

	CREATE TABLE IF NOT EXISTS memberships (
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		status TEXT NOT NULL DEFAULT 'unknown',
		note TEXT NOT NULL DEFAULT '',
		join_requested_at INTEGER,
		joined_at INTEGER,
		forbidden_at INTEGER,
		last_checked_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, channel_id)
	);
	CREATE INDEX IF NOT EXISTS ix_memberships_channel ON memberships(channel_id);
	CREATE INDEX IF NOT EXISTS ix_memberships_account ON memberships(account_id);

	CREATE TABLE IF NOT EXISTS staff_recipients (
		chat_id INTEGER PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		opted_in INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtrFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	var cooldown, lastUsed sql.NullInt64
	var status string
	var active int
	var createdUnix, updatedUnix int64
	err := row.Scan(
		&a.ID, &a.Label, &a.PhoneNumber, &a.OnboardingMethod, &active, &status,
		&cooldown, &a.LastError, &a.SessionString, &a.APIID, &a.APIHash, &a.ProxyURL,
		&lastUsed, &createdUnix, &updatedUnix,
	)
	if err != nil {
		return Account{}, err
	}
	a.IsActive = active != 0
	a.Status = AccountStatus(status)
	a.CooldownUntil = timePtrFromUnix(cooldown)
	a.LastUsedAt = timePtrFromUnix(lastUsed)
	a.CreatedAt = time.Unix(createdUnix, 0).UTC()
	a.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return a, nil
}

const accountColumns = `id, label, phone_number, onboarding_method, is_active, status,
	cooldown_until, last_error, session_string, api_id, api_hash, proxy_url,
	last_used_at, created_at, updated_at`

func (s *SQLiteStore) queryAccounts(ctx context.Context, where string, args ...any) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var cooldown, lastUsed sql.NullInt64
		var status string
		var active int
		var createdUnix, updatedUnix int64
		if err := rows.Scan(
			&a.ID, &a.Label, &a.PhoneNumber, &a.OnboardingMethod, &active, &status,
			&cooldown, &a.LastError, &a.SessionString, &a.APIID, &a.APIHash, &a.ProxyURL,
			&lastUsed, &createdUnix, &updatedUnix,
		); err != nil {
			return nil, err
		}
		a.IsActive = active != 0
		a.Status = AccountStatus(status)
		a.CooldownUntil = timePtrFromUnix(cooldown)
		a.LastUsedAt = timePtrFromUnix(lastUsed)
		a.CreatedAt = time.Unix(createdUnix, 0).UTC()
		a.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return s.queryAccounts(ctx, "WHERE is_active = 1")
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	accs, err := s.queryAccounts(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(accs) == 0 {
		return nil, nil
	}
	return &accs[0], nil
}

func (s *SQLiteStore) UpdateAccountHealth(ctx context.Context, id int64, status AccountStatus, lastError string, cooldownUntil *time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, last_error = ?, cooldown_until = ?, updated_at = ?
		WHERE id = ?`,
		string(status), TruncateNote(lastError), unixPtr(cooldownUntil), now.Unix(), id,
	)
	return err
}

func (s *SQLiteStore) QuarantineAccount(ctx context.Context, id int64, status AccountStatus, note string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, is_active = 0, cooldown_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), TruncateNote(note), now.Unix(), id,
	)
	return err
}

func (s *SQLiteStore) MarkAccountUsed(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_used_at = ?, updated_at = ? WHERE id = ?`, ts.Unix(), ts.Unix(), id)
	return err
}

func (s *SQLiteStore) queryChannels(ctx context.Context, where string, args ...any) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, type, identifier, title, is_active, backfill_days, access_status,
		last_checked_at, cursor_message_id, peer_id, last_error, created_at, updated_at
		FROM channels `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		var typ, access string
		var active int
		var lastChecked sql.NullInt64
		var createdUnix, updatedUnix int64
		if err := rows.Scan(
			&c.ID, &typ, &c.Identifier, &c.Title, &active, &c.BackfillDays, &access,
			&lastChecked, &c.CursorMessageID, &c.PeerID, &c.LastError, &createdUnix, &updatedUnix,
		); err != nil {
			return nil, err
		}
		c.Type = ChannelType(typ)
		c.AccessStatus = AccessStatus(access)
		c.IsActive = active != 0
		c.LastCheckedAt = timePtrFromUnix(lastChecked)
		c.CreatedAt = time.Unix(createdUnix, 0).UTC()
		c.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListActiveChannels(ctx context.Context) ([]Channel, error) {
	return s.queryChannels(ctx, "WHERE is_active = 1")
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	chs, err := s.queryChannels(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(chs) == 0 {
		return nil, nil
	}
	return &chs[0], nil
}

func (s *SQLiteStore) GetMembership(ctx context.Context, accountID, channelID int64) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `SELECT account_id, channel_id, status, note,
		join_requested_at, joined_at, forbidden_at, last_checked_at, updated_at
		FROM memberships WHERE account_id = ? AND channel_id = ?`, accountID, channelID)

	var m Membership
	var status string
	var joinReq, joined, forbidden, lastChecked sql.NullInt64
	var updatedUnix int64
	err := row.Scan(&m.AccountID, &m.ChannelID, &status, &m.Note, &joinReq, &joined, &forbidden, &lastChecked, &updatedUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = MembershipStatus(status)
	m.JoinRequestedAt = timePtrFromUnix(joinReq)
	m.JoinedAt = timePtrFromUnix(joined)
	m.ForbiddenAt = timePtrFromUnix(forbidden)
	m.LastCheckedAt = timePtrFromUnix(lastChecked)
	m.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return &m, nil
}

// UpsertMembership inserts or updates a membership row, preserving the
// first-transition monotone stamps (join_requested_at, joined_at,
// forbidden_at).
func (s *SQLiteStore) UpsertMembership(ctx context.Context, accountID, channelID int64, status MembershipStatus, note string, now time.Time) error {
	existing, err := s.GetMembership(ctx, accountID, channelID)
	if err != nil {
		return err
	}

	note = TruncateNote(note)

	var joinReq, joined, forbidden *time.Time
	if existing != nil {
		joinReq, joined, forbidden = existing.JoinRequestedAt, existing.JoinedAt, existing.ForbiddenAt
	}
	switch status {
	case MembershipJoinRequested, MembershipPendingApprove:
		if joinReq == nil {
			joinReq = &now
		}
	case MembershipJoined:
		if joined == nil {
			joined = &now
		}
	case MembershipForbidden:
		if forbidden == nil {
			forbidden = &now
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memberships (account_id, channel_id, status, note, join_requested_at, joined_at, forbidden_at, last_checked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, channel_id) DO UPDATE SET
			status = excluded.status,
			note = excluded.note,
			join_requested_at = excluded.join_requested_at,
			joined_at = excluded.joined_at,
			forbidden_at = excluded.forbidden_at,
			last_checked_at = excluded.last_checked_at,
			updated_at = excluded.updated_at`,
		accountID, channelID, string(status), note, unixPtr(joinReq), unixPtr(joined), unixPtr(forbidden), now.Unix(), now.Unix(),
	)
	return err
}

// AnyMembershipPending implements the global invite-approval guardrail:
// true if any account holds a pending/requested membership for this
// channel.
func (s *SQLiteStore) AnyMembershipPending(ctx context.Context, channelID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships
		WHERE channel_id = ? AND status IN (?, ?)`,
		channelID, string(MembershipJoinRequested), string(MembershipPendingApprove),
	).Scan(&count)
	return count > 0, err
}

// ReadyAccountsForChannel returns ready accounts ordered per the selector's
// policy: membership-joined-first for private channels, then LRU by
// last_used_at (nulls first), then id ascending.
func (s *SQLiteStore) ReadyAccountsForChannel(ctx context.Context, ch Channel, excluded map[int64]bool, now time.Time) ([]Account, error) {
	query := `SELECT ` + accountColumnsAliased() + `
		FROM accounts a`
	args := []any{}

	if ch.Type == ChannelPrivate {
		query += ` LEFT JOIN memberships m ON m.account_id = a.id AND m.channel_id = ?`
		args = append(args, ch.ID)
	}

	query += ` WHERE a.is_active = 1 AND a.status = ? AND (a.cooldown_until IS NULL OR a.cooldown_until <= ?) AND a.session_string != ''`
	args = append(args, string(AccountActive), now.Unix())

	if ch.Type == ChannelPrivate {
		query += ` AND (m.status IS NULL OR m.status != ?)`
		args = append(args, string(MembershipForbidden))
	}

	if ch.Type == ChannelPrivate {
		query += ` ORDER BY CASE WHEN m.status = ? THEN 0 ELSE 1 END, a.last_used_at ASC, a.id ASC`
		args = append(args, string(MembershipJoined))
	} else {
		query += ` ORDER BY a.last_used_at ASC, a.id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		if excluded[a.ID] {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func accountColumnsAliased() string {
	return `a.id, a.label, a.phone_number, a.onboarding_method, a.is_active, a.status,
	a.cooldown_until, a.last_error, a.session_string, a.api_id, a.api_hash, a.proxy_url,
	a.last_used_at, a.created_at, a.updated_at`
}

func (s *SQLiteStore) UpdateChannelAfterParse(ctx context.Context, u ChannelParseUpdate) error {
	lastErr := u.LastError
	if u.ClearLastError {
		lastErr = ""
	}

	query := `UPDATE channels SET cursor_message_id = ?, last_checked_at = ?, last_error = ?, updated_at = ?`
	args := []any{u.Cursor, u.LastCheckedAt.Unix(), TruncateNote(lastErr), time.Now().UTC().Unix()}

	if u.AccessStatus != nil {
		query += `, access_status = ?`
		args = append(args, string(*u.AccessStatus))
	}
	if u.Title != nil {
		query += `, title = ?`
		args = append(args, *u.Title)
	}
	if u.PeerID != nil {
		query += `, peer_id = ?`
		args = append(args, *u.PeerID)
	}

	query += ` WHERE id = ?`
	args = append(args, u.ChannelID)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) CountPosts(ctx context.Context, channelID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE channel_id = ?`, channelID).Scan(&n)
	return n, err
}

// BulkInsertPostsIgnoreConflict inserts posts one statement per row inside a
// single transaction, using INSERT ... ON CONFLICT DO NOTHING RETURNING id
// to obtain the true inserted count — the spec explicitly forbids trusting
// a driver-reported affected-row count for conflict-ignore inserts (§9).
func (s *SQLiteStore) BulkInsertPostsIgnoreConflict(ctx context.Context, rows []Post) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (channel_id, message_id, original_url, published_at, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, message_id) DO NOTHING
		RETURNING id`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range rows {
		var id int64
		err := stmt.QueryRowContext(ctx, p.ChannelID, p.MessageID, p.OriginalURL, p.PublishedAt.Unix(), p.Text, p.CreatedAt.Unix()).Scan(&id)
		if err == sql.ErrNoRows {
			continue // conflict: already present, not counted
		}
		if err != nil {
			return inserted, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func (s *SQLiteStore) ListStaffRecipients(ctx context.Context) ([]StaffRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, label, opted_in FROM staff_recipients WHERE opted_in = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaffRecipient
	for rows.Next() {
		var r StaffRecipient
		var opted int
		if err := rows.Scan(&r.ChatID, &r.Label, &opted); err != nil {
			return nil, err
		}
		r.OptedIn = opted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateAccount inserts a new account row, used by the `seed-account` CLI
// rather than by the tick pipeline itself.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a Account) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (label, phone_number, onboarding_method, is_active, status, session_string, api_id, api_hash, proxy_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Label, a.PhoneNumber, a.OnboardingMethod, a.IsActive, string(orDefaultStatus(a.Status)),
		a.SessionString, a.APIID, a.APIHash, a.ProxyURL, now.Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateChannel inserts a new channel row, used by the `seed-channel` CLI.
func (s *SQLiteStore) CreateChannel(ctx context.Context, c Channel) (int64, error) {
	now := time.Now().UTC()
	status := c.AccessStatus
	if status == "" {
		status = AccessActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (type, identifier, title, is_active, backfill_days, access_status, peer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.Type), c.Identifier, c.Title, c.IsActive, c.BackfillDays, string(status), c.PeerID, now.Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpsertStaffRecipient adds or updates an opted-in notifier recipient.
func (s *SQLiteStore) UpsertStaffRecipient(ctx context.Context, r StaffRecipient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_recipients (chat_id, label, opted_in) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET label = excluded.label, opted_in = excluded.opted_in`,
		r.ChatID, r.Label, r.OptedIn)
	return err
}

func orDefaultStatus(s AccountStatus) AccountStatus {
	if s == "" {
		return AccountActive
	}
	return s
}

// WriteTickMeta persists the tick summary to the relational store for
// operator inspection via the (external) query surface. The spec's
// ephemeral hash (tgparser:tick:last) is written separately by
// internal/lock; this table is a durable audit trail of the same data.
func (s *SQLiteStore) WriteTickMeta(ctx context.Context, m TickMeta) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tick_meta (
			tick_id INTEGER PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration_s REAL NOT NULL,
			accounts_checked INTEGER NOT NULL,
			accounts_auth_required INTEGER NOT NULL,
			accounts_cooldown INTEGER NOT NULL,
			accounts_banned INTEGER NOT NULL,
			accounts_error INTEGER NOT NULL,
			channels_total INTEGER NOT NULL,
			channels_checked INTEGER NOT NULL,
			posts_inserted INTEGER NOT NULL
		)`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tick_meta (tick_id, started_at, finished_at, duration_s,
			accounts_checked, accounts_auth_required, accounts_cooldown, accounts_banned, accounts_error,
			channels_total, channels_checked, posts_inserted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tick_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			duration_s = excluded.duration_s,
			posts_inserted = excluded.posts_inserted`,
		m.TickID, m.StartedAt.Unix(), m.FinishedAt.Unix(), m.DurationS,
		m.AccountsChecked, m.AccountsAuthRequired, m.AccountsCooldown, m.AccountsBanned, m.AccountsError,
		m.ChannelsTotal, m.ChannelsChecked, m.PostsInserted,
	)
	return err
}
