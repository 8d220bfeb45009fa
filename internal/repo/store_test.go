package repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/model"
	"github.com/autodev/autodev/internal/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	p, err := persistence.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	s, err := NewStore(p)
	require.NoError(t, err)
	return s
}

func testIssue(id string, status string) *model.Issue {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	issue := &model.Issue{
		ID: id, Title: "Issue " + id, Status: status,
		Priority: 2, IssueType: model.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	}
	if status == model.StatusClosed {
		closed := now
		issue.ClosedAt = &closed
	}
	return issue
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	issue := testIssue("todo-a", model.StatusOpen)
	issue.Labels = []string{"urgent"}
	issue.Dependencies = []model.Dependency{{IssueID: "todo-a", DependsOnID: "todo-z", Type: model.DepBlocks}}
	require.NoError(t, s.Upsert(issue, time.Now()))

	got, err := s.Get("todo-a")
	require.NoError(t, err)
	assert.Equal(t, "Issue todo-a", got.Title)
	assert.Equal(t, []string{"urgent"}, got.Labels)
	require.Len(t, got.Dependencies, 1)
	assert.Equal(t, "todo-z", got.Dependencies[0].DependsOnID)
}

func TestUpsertPreservesHostRefs(t *testing.T) {
	s := newTestStore(t)
	issue := testIssue("todo-a", model.StatusOpen)
	n, hid := int64(42), int64(9001)
	issue.HostNumber, issue.HostID = &n, &hid
	require.NoError(t, s.Upsert(issue, time.Now()))

	// Backlog imports do not carry host refs; they must survive the update.
	plain := testIssue("todo-a", model.StatusOpen)
	require.NoError(t, s.Upsert(plain, time.Now()))

	got, err := s.Get("todo-a")
	require.NoError(t, err)
	require.NotNil(t, got.HostNumber)
	assert.Equal(t, int64(42), *got.HostNumber)
}

func TestListReadyOrdering(t *testing.T) {
	s := newTestStore(t)
	low := testIssue("todo-low", model.StatusOpen)
	low.Priority = 3
	high := testIssue("todo-high", model.StatusOpen)
	high.Priority = 0
	require.NoError(t, s.Upsert(low, time.Now()))
	require.NoError(t, s.Upsert(high, time.Now()))

	ready, err := s.ListReady()
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "todo-high", ready[0].ID)
	assert.Equal(t, "todo-low", ready[1].ID)
}

// An issue is ready iff open with no open blocker; closed issues are never
// ready.
func TestReadySetCorrectness(t *testing.T) {
	s := newTestStore(t)
	a := testIssue("todo-a", model.StatusOpen)
	b := testIssue("todo-b", model.StatusOpen)
	b.Dependencies = []model.Dependency{{DependsOnID: "todo-a", Type: model.DepBlocks}}
	require.NoError(t, s.Upsert(a, time.Now()))
	require.NoError(t, s.Upsert(b, time.Now()))

	ready, err := s.ListReady()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "todo-a", ready[0].ID)

	blocked, err := s.ListBlocked()
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "todo-b", blocked[0].ID)

	// Closing the blocker frees todo-b; todo-a itself is no longer ready.
	closedA := testIssue("todo-a", model.StatusClosed)
	require.NoError(t, s.Upsert(closedA, time.Now()))

	ready, err = s.ListReady()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "todo-b", ready[0].ID)
}

func TestNonBlockingDependenciesDoNotBlock(t *testing.T) {
	s := newTestStore(t)
	a := testIssue("todo-a", model.StatusOpen)
	b := testIssue("todo-b", model.StatusOpen)
	b.Dependencies = []model.Dependency{{DependsOnID: "todo-a", Type: model.DepRelated}}
	require.NoError(t, s.Upsert(a, time.Now()))
	require.NoError(t, s.Upsert(b, time.Now()))

	ready, err := s.ListReady()
	require.NoError(t, err)
	assert.Len(t, ready, 2)
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	a := testIssue("todo-a", model.StatusOpen)
	b := testIssue("todo-b", model.StatusOpen)
	b.Dependencies = []model.Dependency{{DependsOnID: "todo-a", Type: model.DepBlocks}}
	require.NoError(t, s.Upsert(a, time.Now()))
	require.NoError(t, s.Upsert(b, time.Now()))

	require.NoError(t, s.Delete("todo-a"))

	got, err := s.Get("todo-b")
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)

	_, err = s.Get("todo-a")
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

func TestGetByTitleUnsynced(t *testing.T) {
	s := newTestStore(t)
	synced := testIssue("todo-a", model.StatusOpen)
	synced.Title = "Same title"
	n := int64(5)
	synced.HostNumber = &n
	unsynced := testIssue("todo-b", model.StatusOpen)
	unsynced.Title = "Same title"
	require.NoError(t, s.Upsert(synced, time.Now()))
	require.NoError(t, s.Upsert(unsynced, time.Now()))

	got, err := s.GetByTitleUnsynced("Same title")
	require.NoError(t, err)
	assert.Equal(t, "todo-b", got.ID)
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	a := testIssue("todo-a", model.StatusOpen)
	a.Title = "Fix login flow"
	b := testIssue("todo-b", model.StatusOpen)
	b.Description = "the login page crashes"
	c := testIssue("todo-c", model.StatusOpen)
	for _, i := range []*model.Issue{a, b, c} {
		require.NoError(t, s.Upsert(i, time.Now()))
	}

	found, err := s.Search("login")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestSyncLog(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendSyncLog("import", map[string]any{"created": 1}))
	require.NoError(t, s.AppendSyncLog("host_issue", map[string]any{"host_number": 42}))

	entries, err := s.SyncLog(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "host_issue", entries[0].Operation)
}
