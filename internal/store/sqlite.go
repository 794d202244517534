package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.io/infrasutra/chatsync/internal/fault"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL UNIQUE,
            password_hash BLOB NOT NULL,
            profile_image_url TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            last_login INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            owner_id TEXT NOT NULL,
            peer_id TEXT NOT NULL,
            id TEXT NOT NULL,
            from_id TEXT NOT NULL,
            to_id TEXT NOT NULL,
            body TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            PRIMARY KEY (owner_id, peer_id, id)
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            owner_id TEXT NOT NULL,
            peer_id TEXT NOT NULL,
            from_id TEXT NOT NULL,
            to_id TEXT NOT NULL,
            body TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            peer_email TEXT NOT NULL,
            peer_avatar_url TEXT NOT NULL,
            unread_count INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (owner_id, peer_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_partition_created ON messages(owner_id, peer_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner_created ON conversations(owner_id, created_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users
        (id, email, password_hash, profile_image_url, created_at, last_login)
        VALUES (?, ?, ?, ?, ?, ?);`,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.ProfileImageURL,
		user.CreatedAt.UnixMilli(),
		user.LastLogin.UnixMilli(),
	)
	if err != nil {
		return fault.Transient(fmt.Errorf("create user: %w", err))
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, "email = ?", email)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	var createdAt, lastLogin int64
	row := s.db.QueryRowContext(ctx, `SELECT id, email, password_hash, profile_image_url, created_at, last_login
        FROM users WHERE `+where+`;`, arg)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.ProfileImageURL,
		&createdAt,
		&lastLogin,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fault.Transient(fmt.Errorf("get user: %w", err))
	}
	user.CreatedAt = time.UnixMilli(createdAt)
	user.LastLogin = time.UnixMilli(lastLogin)
	return user, nil
}

// ListUsers returns all users except excludeID, ordered by email.
func (s *Store) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, profile_image_url, created_at, last_login
        FROM users WHERE id != ? ORDER BY email;`, excludeID)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("list users: %w", err))
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		var createdAt, lastLogin int64
		if err := rows.Scan(&user.ID, &user.Email, &user.ProfileImageURL, &createdAt, &lastLogin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.CreatedAt = time.UnixMilli(createdAt)
		user.LastLogin = time.UnixMilli(lastLogin)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient(fmt.Errorf("list users: %w", err))
	}
	return users, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?;`, now.UnixMilli(), id)
	if err != nil {
		return fault.Transient(fmt.Errorf("touch last login: %w", err))
	}
	return nil
}

// InsertMessageCopy writes one partition copy of a message. The caller is
// responsible for the second copy; the two writes are deliberately not
// wrapped in a transaction, matching the remote store they model.
func (s *Store) InsertMessageCopy(ctx context.Context, ownerID, peerID string, message Message) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
        (owner_id, peer_id, id, from_id, to_id, body, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		ownerID,
		peerID,
		message.ID,
		message.FromID,
		message.ToID,
		message.Body,
		message.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fault.Transient(fmt.Errorf("insert message copy: %w", err))
	}
	return nil
}

// ReplayMessages returns every message in one partition ordered by creation
// timestamp ascending. Used to rebuild a thread view on activation.
func (s *Store) ReplayMessages(ctx context.Context, ownerID, peerID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_id, to_id, body, created_at
        FROM messages WHERE owner_id = ? AND peer_id = ?
        ORDER BY created_at ASC, id ASC;`, ownerID, peerID)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("replay messages: %w", err))
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessages returns one page of a partition, ascending, with the total count.
func (s *Store) ListMessages(ctx context.Context, ownerID, peerID string, offset, limit int32) ([]Message, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE owner_id = ? AND peer_id = ?;`,
		ownerID, peerID).Scan(&totalCount); err != nil {
		return nil, 0, fault.Transient(fmt.Errorf("count messages: %w", err))
	}
	if totalCount > int64(^uint32(0)>>1) {
		totalCount = int64(^uint32(0) >> 1)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, from_id, to_id, body, created_at
        FROM messages WHERE owner_id = ? AND peer_id = ?
        ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?;`, ownerID, peerID, limit, offset)
	if err != nil {
		return nil, 0, fault.Transient(fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, int32(totalCount), nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var message Message
		var createdAt int64
		if err := rows.Scan(&message.ID, &message.FromID, &message.ToID, &message.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Timestamp = time.UnixMilli(createdAt)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient(fmt.Errorf("scan messages: %w", err))
	}
	return messages, nil
}

// UpsertSummary overwrites the single conversation record for
// (owner, peer). The unread count is preserved on conflict; it only moves
// through IncrementUnread.
func (s *Store) UpsertSummary(ctx context.Context, summary ConversationSummary) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations
        (owner_id, peer_id, from_id, to_id, body, created_at, peer_email, peer_avatar_url, unread_count)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
        ON CONFLICT(owner_id, peer_id) DO UPDATE SET
            from_id = excluded.from_id,
            to_id = excluded.to_id,
            body = excluded.body,
            created_at = excluded.created_at,
            peer_email = excluded.peer_email,
            peer_avatar_url = excluded.peer_avatar_url;`,
		summary.OwnerID,
		summary.PeerID,
		summary.FromID,
		summary.ToID,
		summary.Body,
		summary.Timestamp.UnixMilli(),
		summary.PeerEmail,
		summary.PeerAvatarURL,
	)
	if err != nil {
		return fault.Transient(fmt.Errorf("upsert summary: %w", err))
	}
	return nil
}

func (s *Store) IncrementUnread(ctx context.Context, ownerID, peerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET unread_count = unread_count + 1
        WHERE owner_id = ? AND peer_id = ?;`, ownerID, peerID)
	if err != nil {
		return fault.Transient(fmt.Errorf("increment unread: %w", err))
	}
	return nil
}

// GetSummary returns the conversation record for (owner, peer).
func (s *Store) GetSummary(ctx context.Context, ownerID, peerID string) (ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT owner_id, peer_id, from_id, to_id, body, created_at, peer_email, peer_avatar_url, unread_count
        FROM conversations WHERE owner_id = ? AND peer_id = ?;`, ownerID, peerID)
	summary, err := scanSummaryRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationSummary{}, ErrNotFound
		}
		return ConversationSummary{}, fault.Transient(fmt.Errorf("get summary: %w", err))
	}
	return summary, nil
}

// ListSummaries returns every conversation record for the owner, most
// recent first. Used to rebuild the conversation list on activation.
func (s *Store) ListSummaries(ctx context.Context, ownerID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, peer_id, from_id, to_id, body, created_at, peer_email, peer_avatar_url, unread_count
        FROM conversations WHERE owner_id = ?
        ORDER BY created_at DESC, peer_id ASC;`, ownerID)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("list summaries: %w", err))
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		summary, err := scanSummaryRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient(fmt.Errorf("list summaries: %w", err))
	}
	return summaries, nil
}

// ListSummariesPage returns one page of the owner's conversations, most
// recent first, with the total count.
func (s *Store) ListSummariesPage(ctx context.Context, ownerID string, offset, limit int32) ([]ConversationSummary, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE owner_id = ?;`,
		ownerID).Scan(&totalCount); err != nil {
		return nil, 0, fault.Transient(fmt.Errorf("count summaries: %w", err))
	}
	if totalCount > int64(^uint32(0)>>1) {
		totalCount = int64(^uint32(0) >> 1)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, peer_id, from_id, to_id, body, created_at, peer_email, peer_avatar_url, unread_count
        FROM conversations WHERE owner_id = ?
        ORDER BY created_at DESC, peer_id ASC LIMIT ? OFFSET ?;`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fault.Transient(fmt.Errorf("list summaries: %w", err))
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		summary, err := scanSummaryRow(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fault.Transient(fmt.Errorf("list summaries: %w", err))
	}
	return summaries, int32(totalCount), nil
}

func scanSummaryRow(scan func(dest ...any) error) (ConversationSummary, error) {
	var summary ConversationSummary
	var createdAt int64
	if err := scan(
		&summary.OwnerID,
		&summary.PeerID,
		&summary.FromID,
		&summary.ToID,
		&summary.Body,
		&createdAt,
		&summary.PeerEmail,
		&summary.PeerAvatarURL,
		&summary.UnreadCount,
	); err != nil {
		return ConversationSummary{}, err
	}
	summary.Timestamp = time.UnixMilli(createdAt)
	return summary, nil
}
