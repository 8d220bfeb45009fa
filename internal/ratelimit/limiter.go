// Package ratelimit implements a sliding-window rate limiter backed by the
// entity store.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/autodev/autodev/internal/persistence"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Current    int       `json:"current"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds; set when denied
}

// Limiter counts requests per (key, scope) within a sliding window.
type Limiter struct {
	store *persistence.Store
	now   func() time.Time

	// maxWindow is the largest window seen, used by the periodic purge.
	maxWindow time.Duration
}

// New creates a limiter on the given store.
func New(store *persistence.Store) (*Limiter, error) {
	l := &Limiter{store: store, now: time.Now}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Limiter) initSchema() error {
	_, err := l.store.DB().Exec(`
	CREATE TABLE IF NOT EXISTS rate_limits (
		key TEXT NOT NULL,
		scope TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_key_scope ON rate_limits(key, scope, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("init rate_limits schema: %w", err)
	}
	return nil
}

// SetClock overrides the limiter's clock; used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check applies the sliding window for (key, scope): expired rows are
// deleted, the remainder counted, and a new row inserted when the count is
// below the limit.
func (l *Limiter) Check(key, scope string, limit int, window time.Duration) (*Result, error) {
	if window > l.maxWindow {
		l.maxWindow = window
	}
	now := l.now().UTC()
	cutoff := now.Add(-window)

	db := l.store.DB()
	if _, err := db.Exec(
		`DELETE FROM rate_limits WHERE key = ? AND scope = ? AND timestamp < ?`,
		key, scope, cutoff,
	); err != nil {
		return nil, fmt.Errorf("purge window: %w", err)
	}

	var current int
	if err := db.Get(&current,
		`SELECT COUNT(*) FROM rate_limits WHERE key = ? AND scope = ?`,
		key, scope,
	); err != nil {
		return nil, fmt.Errorf("count window: %w", err)
	}

	res := &Result{Limit: limit, Current: current}
	if current >= limit {
		var oldest time.Time
		if err := db.Get(&oldest,
			`SELECT MIN(timestamp) FROM rate_limits WHERE key = ? AND scope = ?`,
			key, scope,
		); err == nil {
			res.ResetAt = oldest.Add(window)
		} else {
			res.ResetAt = now.Add(window)
		}
		res.RetryAfter = int(window / time.Second)
		return res, nil
	}

	if _, err := db.Exec(
		`INSERT INTO rate_limits (key, scope, timestamp) VALUES (?, ?, ?)`,
		key, scope, now,
	); err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}

	res.Allowed = true
	res.Current = current + 1
	res.Remaining = limit - res.Current
	res.ResetAt = now.Add(window)
	return res, nil
}

// Purge deletes all rows older than the largest tracked window. Wired to a
// periodic alarm by the host process.
func (l *Limiter) Purge() error {
	window := l.maxWindow
	if window == 0 {
		return nil
	}
	cutoff := l.now().UTC().Add(-window)
	if _, err := l.store.DB().Exec(
		`DELETE FROM rate_limits WHERE timestamp < ?`, cutoff,
	); err != nil {
		return fmt.Errorf("purge rate_limits: %w", err)
	}
	return nil
}
