// Package session provides a token-backed session store. Tokens are stored
// as hex-encoded SHA-256 digests; raw tokens never touch durable storage.
package session

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autodev/autodev/internal/persistence"
)

// Session is a validated user session.
type Session struct {
	ID        string         `json:"id" db:"id"`
	UserID    string         `json:"user_id" db:"user_id"`
	Email     string         `json:"email" db:"email"`
	Name      string         `json:"name" db:"name"`
	Data      map[string]any `json:"data,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt time.Time      `json:"expires_at" db:"expires_at"`
}

type sessionRow struct {
	ID        string    `db:"id"`
	TokenHash string    `db:"token_hash"`
	UserID    string    `db:"user_id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Data      string    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// CreateParams carries the attributes of a new session.
type CreateParams struct {
	UserID     string
	Email      string
	Name       string
	Data       map[string]any
	TTLSeconds int
}

// Store persists sessions keyed by hashed token.
type Store struct {
	store *persistence.Store
	now   func() time.Time
}

// New creates a session store on the given entity store.
func New(store *persistence.Store) (*Store, error) {
	s := &Store{store: store, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.store.DB().Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		email TEXT DEFAULT '',
		name TEXT DEFAULT '',
		data TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("init sessions schema: %w", err)
	}
	return nil
}

// SetClock overrides the store's clock; used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// HashToken returns the hex-encoded SHA-256 digest of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create stores a new session for the raw token and returns its fresh UUID id.
func (s *Store) Create(token string, params CreateParams) (*Session, error) {
	data, err := json.Marshal(params.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal session data: %w", err)
	}
	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    params.UserID,
		Email:     params.Email,
		Name:      params.Name,
		Data:      params.Data,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(params.TTLSeconds) * time.Second),
	}
	_, err = s.store.DB().Exec(
		`INSERT INTO sessions (id, token_hash, user_id, email, name, data, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, HashToken(token), sess.UserID, sess.Email, sess.Name, string(data), sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Validate returns the session for a raw token iff it has not expired.
// Expired rows are ignored here and removed by the periodic sweep.
func (s *Store) Validate(token string) (*Session, error) {
	var row sessionRow
	err := s.store.Reader().Get(&row,
		`SELECT id, token_hash, user_id, email, name, data, created_at, expires_at
		 FROM sessions WHERE token_hash = ?`, HashToken(token))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !s.now().UTC().Before(row.ExpiresAt) {
		return nil, nil
	}
	sess := &Session{
		ID:        row.ID,
		UserID:    row.UserID,
		Email:     row.Email,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &sess.Data); err != nil {
			return nil, fmt.Errorf("unmarshal session data: %w", err)
		}
	}
	return sess, nil
}

// Revoke deletes the session for a raw token.
func (s *Store) Revoke(token string) error {
	if _, err := s.store.DB().Exec(`DELETE FROM sessions WHERE token_hash = ?`, HashToken(token)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PurgeUser deletes all sessions for a user.
func (s *Store) PurgeUser(userID string) (int64, error) {
	res, err := s.store.DB().Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("purge user sessions: %w", err)
	}
	return res.RowsAffected()
}

// Sweep removes expired sessions. Wired to a periodic alarm by the host
// process.
func (s *Store) Sweep() (int64, error) {
	res, err := s.store.DB().Exec(`DELETE FROM sessions WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return res.RowsAffected()
}
