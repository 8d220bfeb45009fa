package pr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/autodev/autodev/internal/common/sqlite"
	"github.com/autodev/autodev/internal/persistence"
)

// Store owns the PR controller's review tables.
type Store struct {
	store *persistence.Store
}

// NewStore creates the store and its schema on the entity database.
func NewStore(p *persistence.Store) (*Store, error) {
	s := &Store{store: p}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.store.DB().Exec(`
	CREATE TABLE IF NOT EXISTS review_sessions (
		session_id TEXT PRIMARY KEY,
		reviewer TEXT NOT NULL,
		kind TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS review_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reviewer TEXT NOT NULL,
		decision TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		escalations TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		event TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("init pr schema: %w", err)
	}
	return nil
}

// ReviewSession is one dispatched reviewer or fix session.
type ReviewSession struct {
	SessionID   string     `json:"session_id" db:"session_id"`
	Reviewer    string     `json:"reviewer" db:"reviewer"`
	Kind        string     `json:"kind" db:"kind"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Success     bool       `json:"success" db:"success"`
	Error       string     `json:"error,omitempty" db:"error"`
}

// CreateSession records a dispatched session. Kind is "review" or "fix".
func (s *Store) CreateSession(sessionID, reviewer, kind string) error {
	_, err := s.store.DB().Exec(
		`INSERT INTO review_sessions (session_id, reviewer, kind, started_at) VALUES (?, ?, ?, ?)`,
		sessionID, reviewer, kind, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create review session %s: %w", sessionID, err)
	}
	return nil
}

// CompleteSession marks a session finished.
func (s *Store) CompleteSession(sessionID string, success bool, errMsg string) error {
	_, err := s.store.DB().Exec(
		`UPDATE review_sessions SET completed_at = ?, success = ?, error = ? WHERE session_id = ?`,
		time.Now().UTC(), sqlite.BoolToInt(success), errMsg, sessionID)
	if err != nil {
		return fmt.Errorf("complete review session %s: %w", sessionID, err)
	}
	return nil
}

// RecentSessions returns the latest sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]ReviewSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []ReviewSession
	err := s.store.Reader().Select(&sessions,
		`SELECT * FROM review_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load review sessions: %w", err)
	}
	return sessions, nil
}

// OutcomeRecord is one persisted review decision.
type OutcomeRecord struct {
	ID          int64     `json:"id" db:"id"`
	Reviewer    string    `json:"reviewer" db:"reviewer"`
	Decision    string    `json:"decision" db:"decision"`
	Comment     string    `json:"comment,omitempty" db:"comment"`
	Escalations string    `json:"escalations" db:"escalations"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RecordOutcome persists one review decision.
func (s *Store) RecordOutcome(outcome ReviewOutcome) error {
	escalations, _ := json.Marshal(outcome.Escalations)
	if _, err := s.store.DB().Exec(
		`INSERT INTO review_outcomes (reviewer, decision, comment, escalations, created_at) VALUES (?, ?, ?, ?, ?)`,
		outcome.Reviewer, outcome.Decision, outcome.Comment, string(escalations), time.Now().UTC()); err != nil {
		return fmt.Errorf("record review outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns the latest review decisions, newest first.
func (s *Store) RecentOutcomes(limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var outcomes []OutcomeRecord
	err := s.store.Reader().Select(&outcomes,
		`SELECT * FROM review_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load review outcomes: %w", err)
	}
	return outcomes, nil
}

// Transition is one recorded state transition.
type Transition struct {
	ID        int64     `json:"id" db:"id"`
	FromState string    `json:"from_state" db:"from_state"`
	ToState   string    `json:"to_state" db:"to_state"`
	Event     string    `json:"event" db:"event"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RecordTransition persists one state transition.
func (s *Store) RecordTransition(from, to, event string) error {
	if _, err := s.store.DB().Exec(
		`INSERT INTO state_transitions (from_state, to_state, event, created_at) VALUES (?, ?, ?, ?)`,
		from, to, event, time.Now().UTC()); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecentTransitions returns the latest transitions, newest first.
func (s *Store) RecentTransitions(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	var transitions []Transition
	err := s.store.Reader().Select(&transitions,
		`SELECT * FROM state_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	return transitions, nil
}
