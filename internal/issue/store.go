package issue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/autodev/autodev/internal/persistence"
)

// Store owns the issue controller's execution tables.
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
	CREATE TABLE IF NOT EXISTS execution_sessions (
		session_id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS agent_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		required TEXT NOT NULL DEFAULT '[]',
		available TEXT NOT NULL DEFAULT '[]',
		missing TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		passed INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		event TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_events_session ON agent_events(session_id, id);
	`)
	if err != nil {
		return fmt.Errorf("init issue schema: %w", err)
	}
	return nil
}

// Session is one sandbox execution session.
type Session struct {
	SessionID   string     `json:"session_id" db:"session_id"`
	Agent       string     `json:"agent" db:"agent"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Success     bool       `json:"success" db:"success"`
	Error       string     `json:"error,omitempty" db:"error"`
}

// CreateSession records a new execution session.
func (s *Store) CreateSession(sessionID, agent string) error {
	_, err := s.store.DB().Exec(
		`INSERT INTO execution_sessions (session_id, agent, started_at) VALUES (?, ?, ?)`,
		sessionID, agent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return nil
}

// CompleteSession marks a session finished.
func (s *Store) CompleteSession(sessionID string, success bool, errMsg string) error {
	_, err := s.store.DB().Exec(
		`UPDATE execution_sessions SET completed_at = ?, success = ?, error = ? WHERE session_id = ?`,
		time.Now().UTC(), success, errMsg, sessionID)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	return nil
}

// RecentSessions returns the latest sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []Session
	err := s.store.Reader().Select(&sessions,
		`SELECT * FROM execution_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return sessions, nil
}

// AgentEvent is one streamed event persisted for a session.
type AgentEvent struct {
	ID        int64     `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Type      string    `json:"type" db:"type"`
	Data      string    `json:"data" db:"data"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AppendAgentEvent persists one streamed event.
func (s *Store) AppendAgentEvent(sessionID, eventType string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal agent event: %w", err)
	}
	if _, err := s.store.DB().Exec(
		`INSERT INTO agent_events (session_id, type, data, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, eventType, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("append agent event: %w", err)
	}
	return nil
}

// SessionEvents returns all agent events for one session, oldest first.
func (s *Store) SessionEvents(sessionID string) ([]AgentEvent, error) {
	var events []AgentEvent
	err := s.store.Reader().Select(&events,
		`SELECT * FROM agent_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", sessionID, err)
	}
	return events, nil
}

// ToolCheckRecord is one recorded availability check.
type ToolCheckRecord struct {
	ID        int64     `json:"id" db:"id"`
	Agent     string    `json:"agent" db:"agent"`
	Required  string    `json:"required" db:"required"`
	Available string    `json:"available" db:"available"`
	Missing   string    `json:"missing" db:"missing"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RecordToolCheck persists a tool availability check.
func (s *Store) RecordToolCheck(agent string, required []string, check ToolCheck) error {
	req, _ := json.Marshal(required)
	avail, _ := json.Marshal(check.Available)
	missing, _ := json.Marshal(check.Missing)
	if _, err := s.store.DB().Exec(
		`INSERT INTO tool_checks (agent, required, available, missing, created_at) VALUES (?, ?, ?, ?, ?)`,
		agent, string(req), string(avail), string(missing), time.Now().UTC()); err != nil {
		return fmt.Errorf("record tool check: %w", err)
	}
	return nil
}

// RecentToolChecks returns the latest tool checks, newest first.
func (s *Store) RecentToolChecks(limit int) ([]ToolCheckRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var checks []ToolCheckRecord
	err := s.store.Reader().Select(&checks,
		`SELECT * FROM tool_checks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load tool checks: %w", err)
	}
	return checks, nil
}

// Verification is one recorded verification outcome.
type Verification struct {
	ID        int64     `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Passed    bool      `json:"passed" db:"passed"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RecordVerification persists one verification outcome.
func (s *Store) RecordVerification(sessionID string, passed bool, reason string) error {
	if _, err := s.store.DB().Exec(
		`INSERT INTO verifications (session_id, passed, reason, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, passed, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

// RecentVerifications returns the latest verification outcomes, newest
// first.
func (s *Store) RecentVerifications(limit int) ([]Verification, error) {
	if limit <= 0 {
		limit = 20
	}
	var verifications []Verification
	err := s.store.Reader().Select(&verifications,
		`SELECT * FROM verifications ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load verifications: %w", err)
	}
	return verifications, nil
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
