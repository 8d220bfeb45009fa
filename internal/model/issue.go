// Package model holds the canonical issue graph types shared by the repo
// controller, the backlog codec and the host sync layer.
package model

import "time"

// Issue statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
)

// Issue types.
const (
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeTask    = "task"
	TypeEpic    = "epic"
	TypeChore   = "chore"
)

// Dependency types.
const (
	DepBlocks         = "blocks"
	DepRelated        = "related"
	DepParentChild    = "parent-child"
	DepDiscoveredFrom = "discovered-from"
)

// Issue is one node of the issue graph. The ID is an opaque text key
// ("gh-42", "todo-x7k2") and stays stable across host, backlog and internal
// store.
type Issue struct {
	ID                 string `json:"id" db:"id"`
	Title              string `json:"title" db:"title"`
	Description        string `json:"description,omitempty" db:"description"`
	Design             string `json:"design,omitempty" db:"design"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty" db:"acceptance_criteria"`
	Notes              string `json:"notes,omitempty" db:"notes"`

	Status      string     `json:"status" db:"status"`
	Priority    int        `json:"priority" db:"priority"`
	IssueType   string     `json:"issue_type" db:"issue_type"`
	Assignee    string     `json:"assignee,omitempty" db:"assignee"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	CloseReason string     `json:"close_reason,omitempty" db:"close_reason"`

	HostNumber *int64     `json:"host_number,omitempty" db:"host_number"`
	HostID     *int64     `json:"host_id,omitempty" db:"host_id"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`

	Labels       []string     `json:"labels,omitempty" db:"-"`
	Dependencies []Dependency `json:"dependencies,omitempty" db:"-"`
}

// Dependency is a typed edge between two issues. Only DepBlocks edges affect
// readiness.
type Dependency struct {
	IssueID     string `json:"issue_id,omitempty" db:"issue_id"`
	DependsOnID string `json:"depends_on_id" db:"depends_on_id"`
	Type        string `json:"type" db:"type"`
}

// Comment is a free-form note attached to an issue.
type Comment struct {
	ID        int64     `json:"id" db:"id"`
	IssueID   string    `json:"issue_id" db:"issue_id"`
	Author    string    `json:"author" db:"author"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ClampPriority bounds a priority into [0..4].
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 4 {
		return 4
	}
	return p
}

// ValidStatus reports whether s is a known issue status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// ValidIssueType reports whether t is a known issue type.
func ValidIssueType(t string) bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore:
		return true
	}
	return false
}

// Normalize fills defaults and bounds fields: empty status becomes open,
// empty type becomes task, priority is clamped, and dependency edges inherit
// the issue's ID when the source is omitted.
func (i *Issue) Normalize() {
	if i.Status == "" {
		i.Status = StatusOpen
	}
	if i.IssueType == "" {
		i.IssueType = TypeTask
	}
	i.Priority = ClampPriority(i.Priority)
	for idx := range i.Dependencies {
		if i.Dependencies[idx].IssueID == "" {
			i.Dependencies[idx].IssueID = i.ID
		}
		if i.Dependencies[idx].Type == "" {
			i.Dependencies[idx].Type = DepBlocks
		}
	}
}
