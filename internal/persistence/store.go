// Package persistence provides the per-entity embedded store: a SQLite
// database per controller entity with a key/value area for state-machine
// snapshots, plus single-shot alarm scheduling.
//
// Every controller (one repo, one issue, one PR) owns exactly one Store.
// Cross-entity access never touches another entity's database; it goes
// through the owning controller.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed storage for a single entity.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// Open opens (creating if needed) the entity database at
// <dataDir>/<entityType>/<sanitized entityRef>.db.
func Open(dataDir, entityType, entityRef string) (*Store, error) {
	dir := filepath.Join(dataDir, entityType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entity dir: %w", err)
	}
	path := filepath.Join(dir, sanitizeRef(entityRef)+".db")

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	return newStore(writer, reader, true)
}

// OpenMemory opens an in-memory store for tests. The single connection is
// shared between reads and writes.
func OpenMemory() (*Store, error) {
	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// A second connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	return newStore(db, db, true)
}

// NewWithDB creates a store around existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initKVSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
		}
		return nil, fmt.Errorf("failed to initialize kv schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil && s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// DB returns the writer connection for table owners to run their schema and
// statements on.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Reader returns the read-only connection.
func (s *Store) Reader() *sqlx.DB {
	return s.ro
}

// SQLDB returns the underlying sql.DB instance for shared access.
func (s *Store) SQLDB() *sql.DB {
	return s.db.DB
}

func (s *Store) initKVSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// PutKV stores a value under a key, replacing any previous value.
func (s *Store) PutKV(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put kv %q: %w", key, err)
	}
	return nil
}

// GetKV returns the value for a key. ok is false when the key is absent.
func (s *Store) GetKV(key string) (value string, ok bool, err error) {
	err = s.ro.Get(&value, `SELECT value FROM kv WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv %q: %w", key, err)
	}
	return value, true, nil
}

// DeleteKV removes a key.
func (s *Store) DeleteKV(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv %q: %w", key, err)
	}
	return nil
}

// sanitizeRef makes an entity ref safe for use as a file name.
func sanitizeRef(ref string) string {
	r := strings.NewReplacer("/", "__", "#", "_", ":", "_", " ", "_")
	return r.Replace(ref)
}
