// Package audit provides the append-only audit log. Records are inserted
// locally and mirrored to the external audit store best-effort; they are
// never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/common/sqlite"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/persistence"
)

// Record is one audit entry.
type Record struct {
	ID        int64     `json:"id" db:"id"`
	Action    string    `json:"action" db:"action"`
	EntityRef string    `json:"entity_ref" db:"entity_ref"`
	SessionID string    `json:"session_id" db:"session_id"`
	Details   string    `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Logger appends audit records for one entity.
type Logger struct {
	store  *persistence.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// New creates an audit logger on the entity store.
func New(store *persistence.Store, eventBus bus.EventBus, log *logger.Logger) (*Logger, error) {
	a := &Logger{store: store, bus: eventBus, logger: log}
	if err := a.initSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Logger) initSchema() error {
	_, err := a.store.DB().Exec(`
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		entity_ref TEXT NOT NULL,
		details TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_ref, created_at);
	`)
	if err != nil {
		return fmt.Errorf("init audit_log schema: %w", err)
	}
	// session_id arrived after the first schema version.
	if err := sqlite.EnsureColumn(a.store.DB().DB, "audit_log", "session_id", "TEXT DEFAULT ''"); err != nil {
		return fmt.Errorf("migrate audit_log schema: %w", err)
	}
	return nil
}

// Append inserts one record and mirrors it asynchronously. Audit logging is
// best-effort for callers: a mirror failure never affects the primary
// operation, and Append itself only fails on local write errors.
func (a *Logger) Append(ctx context.Context, action, entityRef, sessionID string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	createdAt := time.Now().UTC()
	if _, err := a.store.DB().Exec(
		`INSERT INTO audit_log (action, entity_ref, session_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		action, entityRef, sessionID, string(payload), createdAt,
	); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	go func() {
		event := bus.NewEvent("audit", "audit", map[string]interface{}{
			"action":     action,
			"entity_ref": entityRef,
			"session_id": sessionID,
			"details":    string(payload),
			"created_at": createdAt.Format(time.RFC3339Nano),
		})
		if err := a.bus.Publish(context.Background(), "audit.append", event); err != nil {
			a.logger.Warn("audit mirror failed",
				zap.String("action", action),
				zap.String("entity_ref", entityRef),
				zap.Error(err))
		}
	}()
	return nil
}

// List returns the most recent records for an entity, newest first.
func (a *Logger) List(entityRef string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []Record
	err := a.store.Reader().Select(&records,
		`SELECT id, action, entity_ref, session_id, details, created_at
		 FROM audit_log WHERE entity_ref = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		entityRef, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return records, nil
}
