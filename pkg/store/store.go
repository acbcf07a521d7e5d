// Package store is the sqlite persistence layer for users, their config
// blobs, and the per-thread chat log used by the admin surface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/viaiv/jarvis/pkg/auth"
)

// ErrConflict marks unique-constraint violations (duplicate username/email).
var ErrConflict = errors.New("conflict")

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    email TEXT UNIQUE NOT NULL,
    hashed_password TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'user',
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_config (
    user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    config_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS global_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    config_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id TEXT NOT NULL,
    user_id INTEGER,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id);
`

// User is one row of the users table. HashedPassword never leaves the
// server process.
type User struct {
	ID             int64
	Username       string
	Email          string
	HashedPassword string
	Role           string
	IsActive       bool
	CreatedAt      string
	UpdatedAt      string
}

// UserUpdate carries the mutable user fields; nil means "leave unchanged".
type UserUpdate struct {
	Email    *string
	Role     *string
	IsActive *bool
}

// Message is one chat log entry.
type Message struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"thread_id"`
	UserID    *int64 `json:"user_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// ThreadSummary is one row of the admin log listing.
type ThreadSummary struct {
	ThreadID string
	UserID   *int64
}

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "init schema")
	}
	if _, err := s.db.Exec("INSERT OR IGNORE INTO global_config (id, config_json) VALUES (1, '{}')"); err != nil {
		return errors.Wrap(err, "seed global config")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, username, email, plainPassword, role string) (User, error) {
	hashed, err := auth.HashPassword(plainPassword)
	if err != nil {
		return User{}, err
	}
	now := nowISO()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, hashed_password, role, is_active, created_at, updated_at)
         VALUES (?, ?, ?, ?, 1, ?, ?)`,
		username, email, hashed, role, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, errors.Wrap(ErrConflict, "username or email already exists")
		}
		return User{}, errors.Wrap(err, "insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, errors.Wrap(err, "last insert id")
	}
	return User{
		ID: id, Username: username, Email: email, HashedPassword: hashed,
		Role: role, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, email, hashed_password, role, is_active, created_at, updated_at FROM users WHERE id = ?", id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, email, hashed_password, role, is_active, created_at, updated_at FROM users WHERE username = ?", username))
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, email, hashed_password, role, is_active, created_at, updated_at FROM users ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		var active int
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.Role, &active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		u.IsActive = active != 0
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "iterate users")
}

func (s *Store) UpdateUser(ctx context.Context, id int64, update UserUpdate) (User, error) {
	set := "updated_at = ?"
	args := []any{nowISO()}
	if update.Email != nil {
		set += ", email = ?"
		args = append(args, *update.Email)
	}
	if update.Role != nil {
		set += ", role = ?"
		args = append(args, *update.Role)
	}
	if update.IsActive != nil {
		set += ", is_active = ?"
		args = append(args, boolToInt(*update.IsActive))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE users SET "+set+" WHERE id = ?", args...)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, errors.Wrap(ErrConflict, "email already exists")
		}
		return User{}, errors.Wrap(err, "update user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, errors.Wrapf(ErrNotFound, "user %d", id)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) UpdateUserPassword(ctx context.Context, id int64, plainPassword string) error {
	hashed, err := auth.HashPassword(plainPassword)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET hashed_password = ?, updated_at = ? WHERE id = ?", hashed, nowISO(), id)
	if err != nil {
		return errors.Wrap(err, "update password")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "user %d", id)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "user %d", id)
	}
	return nil
}

// SeedAdmin creates the bootstrap admin account unless an admin already
// exists.
func (s *Store) SeedAdmin(ctx context.Context, username, email, password string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE role = 'admin'").Scan(&count); err != nil {
		return errors.Wrap(err, "count admins")
	}
	if count > 0 {
		return nil
	}
	_, err := s.CreateUser(ctx, username, email, password, "admin")
	return err
}

// --- Config ---

func (s *Store) UserConfig(ctx context.Context, userID int64) (map[string]any, error) {
	return s.readConfig(ctx, "SELECT config_json FROM user_config WHERE user_id = ?", userID)
}

// SetUserConfig merges the given keys into the stored blob.
func (s *Store) SetUserConfig(ctx context.Context, userID int64, config map[string]any) error {
	existing, err := s.UserConfig(ctx, userID)
	if err != nil {
		return err
	}
	merged := mergeConfig(existing, config)
	blob, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_config (user_id, config_json) VALUES (?, ?)
         ON CONFLICT(user_id) DO UPDATE SET config_json = ?`,
		userID, string(blob), string(blob))
	return errors.Wrap(err, "write user config")
}

func (s *Store) GlobalConfig(ctx context.Context) (map[string]any, error) {
	return s.readConfig(ctx, "SELECT config_json FROM global_config WHERE id = 1")
}

func (s *Store) SetGlobalConfig(ctx context.Context, config map[string]any) error {
	existing, err := s.GlobalConfig(ctx)
	if err != nil {
		return err
	}
	merged := mergeConfig(existing, config)
	blob, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	_, err = s.db.ExecContext(ctx, "UPDATE global_config SET config_json = ? WHERE id = 1", string(blob))
	return errors.Wrap(err, "write global config")
}

// --- Chat log ---

func (s *Store) AppendMessage(ctx context.Context, threadID string, userID *int64, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (thread_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		threadID, userID, role, content, nowISO())
	return errors.Wrap(err, "append message")
}

// ListThreads returns distinct thread summaries, newest activity unordered
// by design (thread id order, like the original), optionally filtered by
// owning user, with the total matching count for paging.
func (s *Store) ListThreads(ctx context.Context, userID *int64, limit, offset int) ([]ThreadSummary, int, error) {
	where := ""
	args := []any{}
	if userID != nil {
		where = " WHERE user_id = ?"
		args = append(args, *userID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT thread_id) FROM messages"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count threads")
	}

	query := "SELECT thread_id, MIN(user_id) FROM messages" + where +
		" GROUP BY thread_id ORDER BY thread_id LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list threads")
	}
	defer func() { _ = rows.Close() }()

	var threads []ThreadSummary
	for rows.Next() {
		var t ThreadSummary
		var uid sql.NullInt64
		if err := rows.Scan(&t.ThreadID, &uid); err != nil {
			return nil, 0, errors.Wrap(err, "scan thread")
		}
		if uid.Valid {
			v := uid.Int64
			t.UserID = &v
		}
		threads = append(threads, t)
	}
	return threads, total, errors.Wrap(rows.Err(), "iterate threads")
}

func (s *Store) ThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, thread_id, user_id, role, content, created_at FROM messages WHERE thread_id = ? ORDER BY id", threadID)
	if err != nil {
		return nil, errors.Wrap(err, "thread messages")
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var uid sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ThreadID, &uid, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if uid.Valid {
			v := uid.Int64
			m.UserID = &v
		}
		msgs = append(msgs, m)
	}
	return msgs, errors.Wrap(rows.Err(), "iterate messages")
}

// --- helpers ---

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	var active int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.Role, &active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.Wrap(ErrNotFound, "user")
	}
	if err != nil {
		return User{}, errors.Wrap(err, "scan user")
	}
	u.IsActive = active != 0
	return u, nil
}

func (s *Store) readConfig(ctx context.Context, query string, args ...any) (map[string]any, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(blob), &config); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

func mergeConfig(existing, updates map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
