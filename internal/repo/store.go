// Package repo implements the per-repository controller: reconciliation of
// host issues, the in-repo backlog file, and the internal issue store, plus
// ready-set driven workflow triggering.
package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autodev/autodev/internal/model"
	"github.com/autodev/autodev/internal/persistence"
)

// ErrIssueNotFound is returned when an issue id or host number is unknown.
var ErrIssueNotFound = errors.New("issue not found")

// Store owns the issue graph tables inside the repo entity database.
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
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		design TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 2,
		issue_type TEXT NOT NULL DEFAULT 'task',
		assignee TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP,
		close_reason TEXT NOT NULL DEFAULT '',
		host_number INTEGER UNIQUE,
		host_id INTEGER UNIQUE,
		last_sync_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS dependencies (
		issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
		depends_on_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'blocks',
		PRIMARY KEY (issue_id, depends_on_id)
	);

	CREATE TABLE IF NOT EXISTS labels (
		issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		PRIMARY KEY (issue_id, label)
	);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON dependencies(depends_on_id);
	`)
	if err != nil {
		return fmt.Errorf("init repo schema: %w", err)
	}
	return nil
}

// Upsert inserts or updates an issue with its labels and dependency edges.
// Host sync refs already recorded locally survive an incoming issue that
// lacks them. syncAt stamps last_sync_at; a whole import passes a single
// timestamp.
func (s *Store) Upsert(issue *model.Issue, syncAt time.Time) error {
	tx, err := s.store.DB().Beginx()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
	INSERT INTO issues (
		id, title, description, design, acceptance_criteria, notes,
		status, priority, issue_type, assignee,
		created_at, updated_at, closed_at, close_reason,
		host_number, host_id, last_sync_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		design = excluded.design,
		acceptance_criteria = excluded.acceptance_criteria,
		notes = excluded.notes,
		status = excluded.status,
		priority = excluded.priority,
		issue_type = excluded.issue_type,
		assignee = excluded.assignee,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at,
		close_reason = excluded.close_reason,
		host_number = COALESCE(excluded.host_number, issues.host_number),
		host_id = COALESCE(excluded.host_id, issues.host_id),
		last_sync_at = excluded.last_sync_at`,
		issue.ID, issue.Title, issue.Description, issue.Design, issue.AcceptanceCriteria, issue.Notes,
		issue.Status, model.ClampPriority(issue.Priority), issue.IssueType, issue.Assignee,
		issue.CreatedAt, issue.UpdatedAt, issue.ClosedAt, issue.CloseReason,
		issue.HostNumber, issue.HostID, syncAt,
	)
	if err != nil {
		return fmt.Errorf("upsert issue %s: %w", issue.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM labels WHERE issue_id = ?`, issue.ID); err != nil {
		return fmt.Errorf("clear labels for %s: %w", issue.ID, err)
	}
	for _, label := range issue.Labels {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, issue.ID, label); err != nil {
			return fmt.Errorf("insert label for %s: %w", issue.ID, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM dependencies WHERE issue_id = ?`, issue.ID); err != nil {
		return fmt.Errorf("clear dependencies for %s: %w", issue.ID, err)
	}
	for _, dep := range issue.Dependencies {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO dependencies (issue_id, depends_on_id, type) VALUES (?, ?, ?)`,
			issue.ID, dep.DependsOnID, dep.Type,
		); err != nil {
			return fmt.Errorf("insert dependency for %s: %w", issue.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s: %w", issue.ID, err)
	}
	return nil
}

// Delete removes an issue; labels, comments and dependency edges cascade.
func (s *Store) Delete(id string) error {
	res, err := s.store.DB().Exec(`DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete issue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIssueNotFound
	}
	// Edges pointing at the deleted issue cascade by hand: depends_on_id has
	// no FK so the blocker side can be imported before the dependent.
	if _, err := s.store.DB().Exec(`DELETE FROM dependencies WHERE depends_on_id = ?`, id); err != nil {
		return fmt.Errorf("delete inbound edges of %s: %w", id, err)
	}
	return nil
}

// Get loads one issue with labels and dependencies.
func (s *Store) Get(id string) (*model.Issue, error) {
	var issue model.Issue
	err := s.store.Reader().Get(&issue, `SELECT * FROM issues WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	if err := s.attachAssociations([]*model.Issue{&issue}); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetByHostNumber loads the issue synced to a host issue number.
func (s *Store) GetByHostNumber(number int64) (*model.Issue, error) {
	var issue model.Issue
	err := s.store.Reader().Get(&issue, `SELECT * FROM issues WHERE host_number = ?`, number)
	if err == sql.ErrNoRows {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue by host number %d: %w", number, err)
	}
	if err := s.attachAssociations([]*model.Issue{&issue}); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetByTitleUnsynced finds an issue by exact title among rows not yet synced
// to the host. This resolves the webhook-before-update race on issues the
// controller itself just created remotely.
func (s *Store) GetByTitleUnsynced(title string) (*model.Issue, error) {
	var issue model.Issue
	err := s.store.Reader().Get(&issue,
		`SELECT * FROM issues WHERE host_number IS NULL AND title = ? ORDER BY created_at DESC LIMIT 1`, title)
	if err == sql.ErrNoRows {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue by title: %w", err)
	}
	if err := s.attachAssociations([]*model.Issue{&issue}); err != nil {
		return nil, err
	}
	return &issue, nil
}

// List returns all issues ordered by priority then recency.
func (s *Store) List() ([]model.Issue, error) {
	return s.selectIssues(`SELECT * FROM issues ORDER BY priority ASC, updated_at DESC`)
}

// ListReady returns open issues with no open blocking dependency. An issue
// is ready iff status = open and every 'blocks' edge points at a closed
// blocker.
func (s *Store) ListReady() ([]model.Issue, error) {
	return s.selectIssues(`
	SELECT i.* FROM issues i
	WHERE i.status = 'open'
	  AND NOT EXISTS (
		SELECT 1 FROM dependencies d
		JOIN issues b ON b.id = d.depends_on_id
		WHERE d.issue_id = i.id AND d.type = 'blocks' AND b.status != 'closed'
	  )
	ORDER BY i.priority ASC, i.updated_at DESC`)
}

// ListBlocked returns open issues held back by at least one open blocker.
func (s *Store) ListBlocked() ([]model.Issue, error) {
	return s.selectIssues(`
	SELECT i.* FROM issues i
	WHERE i.status != 'closed'
	  AND EXISTS (
		SELECT 1 FROM dependencies d
		JOIN issues b ON b.id = d.depends_on_id
		WHERE d.issue_id = i.id AND d.type = 'blocks' AND b.status != 'closed'
	  )
	ORDER BY i.priority ASC, i.updated_at DESC`)
}

// Search matches a term against issue id, title and description.
func (s *Store) Search(term string) ([]model.Issue, error) {
	like := "%" + term + "%"
	return s.selectIssues(`
	SELECT * FROM issues
	WHERE id LIKE ? OR title LIKE ? OR description LIKE ?
	ORDER BY priority ASC, updated_at DESC`, like, like, like)
}

func (s *Store) selectIssues(query string, args ...any) ([]model.Issue, error) {
	var issues []model.Issue
	if err := s.store.Reader().Select(&issues, query, args...); err != nil {
		return nil, fmt.Errorf("select issues: %w", err)
	}
	ptrs := make([]*model.Issue, len(issues))
	for i := range issues {
		ptrs[i] = &issues[i]
	}
	if err := s.attachAssociations(ptrs); err != nil {
		return nil, err
	}
	return issues, nil
}

func (s *Store) attachAssociations(issues []*model.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	byID := make(map[string]*model.Issue, len(issues))
	ids := make([]string, 0, len(issues))
	for _, i := range issues {
		byID[i.ID] = i
		ids = append(ids, i.ID)
	}

	labelQuery, labelArgs, err := sqlx.In(`SELECT issue_id, label FROM labels WHERE issue_id IN (?) ORDER BY label`, ids)
	if err != nil {
		return fmt.Errorf("build label query: %w", err)
	}
	var labelRows []struct {
		IssueID string `db:"issue_id"`
		Label   string `db:"label"`
	}
	if err := s.store.Reader().Select(&labelRows, labelQuery, labelArgs...); err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	for _, row := range labelRows {
		issue := byID[row.IssueID]
		issue.Labels = append(issue.Labels, row.Label)
	}

	depQuery, depArgs, err := sqlx.In(`SELECT issue_id, depends_on_id, type FROM dependencies WHERE issue_id IN (?) ORDER BY depends_on_id`, ids)
	if err != nil {
		return fmt.Errorf("build dependency query: %w", err)
	}
	var depRows []model.Dependency
	if err := s.store.Reader().Select(&depRows, depQuery, depArgs...); err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}
	for _, dep := range depRows {
		issue := byID[dep.IssueID]
		issue.Dependencies = append(issue.Dependencies, dep)
	}
	return nil
}

// SyncMeta is the import bookkeeping read for every local issue.
type SyncMeta struct {
	ID         string     `db:"id"`
	HostNumber *int64     `db:"host_number"`
	LastSyncAt *time.Time `db:"last_sync_at"`
}

// AllSyncMeta returns (id, host_number, last_sync_at) for every local issue.
func (s *Store) AllSyncMeta() (map[string]SyncMeta, error) {
	var rows []SyncMeta
	if err := s.store.Reader().Select(&rows, `SELECT id, host_number, last_sync_at FROM issues`); err != nil {
		return nil, fmt.Errorf("load sync meta: %w", err)
	}
	out := make(map[string]SyncMeta, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// SetHostRefs records the host-side identity of an issue after remote
// creation.
func (s *Store) SetHostRefs(id string, hostNumber, hostID int64, syncAt time.Time) error {
	res, err := s.store.DB().Exec(
		`UPDATE issues SET host_number = ?, host_id = ?, last_sync_at = ? WHERE id = ?`,
		hostNumber, hostID, syncAt, id)
	if err != nil {
		return fmt.Errorf("set host refs for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIssueNotFound
	}
	return nil
}

// AddComment appends a comment to an issue.
func (s *Store) AddComment(issueID, author, body string) error {
	_, err := s.store.DB().Exec(
		`INSERT INTO comments (issue_id, author, body, created_at) VALUES (?, ?, ?, ?)`,
		issueID, author, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add comment to %s: %w", issueID, err)
	}
	return nil
}

// Comments returns an issue's comments oldest first.
func (s *Store) Comments(issueID string) ([]model.Comment, error) {
	var comments []model.Comment
	err := s.store.Reader().Select(&comments,
		`SELECT id, issue_id, author, body, created_at FROM comments WHERE issue_id = ? ORDER BY created_at ASC, id ASC`,
		issueID)
	if err != nil {
		return nil, fmt.Errorf("load comments for %s: %w", issueID, err)
	}
	return comments, nil
}

// SyncLogEntry is one recorded sync operation.
type SyncLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	Operation string    `json:"operation" db:"operation"`
	Details   string    `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AppendSyncLog records one sync operation with JSON details.
func (s *Store) AppendSyncLog(operation string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal sync details: %w", err)
	}
	if _, err := s.store.DB().Exec(
		`INSERT INTO sync_log (operation, details, created_at) VALUES (?, ?, ?)`,
		operation, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// SyncLog returns the most recent sync operations, newest first.
func (s *Store) SyncLog(limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []SyncLogEntry
	err := s.store.Reader().Select(&entries,
		`SELECT id, operation, details, created_at FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load sync log: %w", err)
	}
	return entries, nil
}
