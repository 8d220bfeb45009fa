package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/backlog"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/host"
	"github.com/autodev/autodev/internal/model"
	"github.com/autodev/autodev/internal/persistence"
)

type fakeHostAPI struct {
	mu           sync.Mutex
	nextNumber   int
	created      []string
	closed       []int
	updated      []int
	commits      []string
	backlogFiles map[string][]byte
}

func newFakeHostAPI() *fakeHostAPI {
	return &fakeHostAPI{nextNumber: 100, backlogFiles: make(map[string][]byte)}
}

func (f *fakeHostAPI) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*host.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNumber++
	f.created = append(f.created, title)
	return &host.Issue{ID: int64(f.nextNumber) * 10, Number: f.nextNumber, Title: title, State: "open"}, nil
}

func (f *fakeHostAPI) UpdateIssue(ctx context.Context, repo string, number int, patch host.IssuePatch) (*host.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, number)
	return &host.Issue{Number: number}, nil
}

func (f *fakeHostAPI) CloseIssue(ctx context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeHostAPI) GetFile(ctx context.Context, repo, path, ref string) (*host.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.backlogFiles[ref]
	if !ok {
		return nil, host.ErrNotFound
	}
	return &host.File{Content: content, SHA: "sha-" + ref}, nil
}

func (f *fakeHostAPI) CommitFile(ctx context.Context, repo, path string, content []byte, message string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, message)
	return nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	active  map[string]bool
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{active: make(map[string]bool)}
}

func (f *fakeStarter) Start(ctx context.Context, instanceID, issueID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[instanceID] {
		return false, nil
	}
	f.active[instanceID] = true
	f.started = append(f.started, instanceID)
	return true, nil
}

func newTestController(t *testing.T) (*Controller, *fakeHostAPI, *fakeStarter) {
	t.Helper()
	p, err := persistence.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	hostAPI := newFakeHostAPI()
	starter := newFakeStarter()
	c, err := NewController(p, bus.NewMemoryEventBus(logger.NewTestLogger()), hostAPI, starter, Config{
		RepoFullName:     "acme/widgets",
		InstallationID:   77,
		ProtectionWindow: 60 * time.Second,
	}, logger.NewTestLogger())
	require.NoError(t, err)
	return c, hostAPI, starter
}

func backlogIssue(id string, status string, deps ...model.Dependency) model.Issue {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	issue := model.Issue{
		ID: id, Title: string(id[len(id)-1] - 'a' + 'A'), Status: status,
		Priority: 2, IssueType: model.TypeTask,
		CreatedAt: now, UpdatedAt: now, Dependencies: deps,
	}
	if status == model.StatusClosed {
		closed := now
		issue.ClosedAt = &closed
	}
	return issue
}

func TestImportCreatesReadyIssue(t *testing.T) {
	c, _, _ := newTestController(t)

	result, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"todo-a"}, result.Created)
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Deleted)

	ready, err := c.ListReady()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "todo-a", ready[0].ID)
}

func TestImportIsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t)
	issues := []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
		backlogIssue("todo-b", model.StatusOpen),
	}

	first, err := c.ImportFromBacklog(context.Background(), issues)
	require.NoError(t, err)
	assert.Len(t, first.Created, 2)

	second, err := c.ImportFromBacklog(context.Background(), issues)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Updated, 2)
	assert.Empty(t, second.Deleted)
}

func TestImportDeletesMissingIssues(t *testing.T) {
	c, hostAPI, _ := newTestController(t)
	c.now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }

	n := int64(42)
	withHost := backlogIssue("todo-a", model.StatusOpen)
	withHost.HostNumber = &n
	_, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		withHost,
		backlogIssue("todo-b", model.StatusOpen),
	})
	require.NoError(t, err)

	// Second import arrives past the protection window with todo-a gone.
	c.now = func() time.Time { return time.Date(2025, 1, 1, 12, 2, 0, 0, time.UTC) }
	result, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-b", model.StatusOpen),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"todo-a"}, result.Deleted)
	assert.Equal(t, []int{42}, hostAPI.closed)

	_, err = c.Get("todo-a")
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

// An issue synced within the last 60s is protected from deletion by a
// concurrent push that does not contain it yet.
func TestImportProtectionWindow(t *testing.T) {
	c, hostAPI, _ := newTestController(t)
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return t0 }

	_, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
	})
	require.NoError(t, err)

	c.now = func() time.Time { return t0.Add(30 * time.Second) }
	result, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-b", model.StatusOpen),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.Empty(t, hostAPI.closed)

	_, err = c.Get("todo-a")
	assert.NoError(t, err)
}

// Closing a blocker via import starts exactly one workflow instance with a
// deterministic ID for the freed issue.
func TestNewlyReadyTriggersWorkflow(t *testing.T) {
	c, _, starter := newTestController(t)
	dep := model.Dependency{IssueID: "todo-b", DependsOnID: "todo-a", Type: model.DepBlocks}

	_, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
		backlogIssue("todo-b", model.StatusOpen, dep),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"develop-todo-a"}, starter.started)

	_, err = c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusClosed),
		backlogIssue("todo-b", model.StatusOpen, dep),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"develop-todo-a", "develop-todo-b"}, starter.started)

	// Re-importing the same state starts nothing new.
	_, err = c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusClosed),
		backlogIssue("todo-b", model.StatusOpen, dep),
	})
	require.NoError(t, err)
	assert.Len(t, starter.started, 2)
}

func TestOnBacklogPushIgnoresUnrelatedFiles(t *testing.T) {
	c, _, _ := newTestController(t)
	result, err := c.OnBacklogPush(context.Background(), BacklogPush{
		Commit: "abc", Files: []string{"README.md"},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Created)
}

func TestOnBacklogPushImportsBacklogFile(t *testing.T) {
	c, hostAPI, _ := newTestController(t)
	content, err := backlog.Export([]model.Issue{backlogIssue("todo-a", model.StatusOpen)})
	require.NoError(t, err)
	hostAPI.backlogFiles["abc"] = content

	result, err := c.OnBacklogPush(context.Background(), BacklogPush{
		Commit: "abc", Files: []string{backlog.DefaultPath, "src/main.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"todo-a"}, result.Created)
}

func TestOnHostIssueUpsertIsIdempotent(t *testing.T) {
	c, hostAPI, _ := newTestController(t)
	event := HostIssueEvent{
		Action: "opened",
		Issue: HostIssuePayload{
			ID: 9001, Number: 42, Title: "Fix importer", Body: "it breaks",
			State:     "open",
			Labels:    []struct{ Name string `json:"name"` }{{Name: "P1"}, {Name: "bug"}},
			CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	require.NoError(t, c.OnHostIssue(context.Background(), event))
	require.NoError(t, c.OnHostIssue(context.Background(), event))

	issues, err := c.List()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "gh-42", issues[0].ID)
	assert.Equal(t, 1, issues[0].Priority)
	assert.Equal(t, model.TypeBug, issues[0].IssueType)
	// Each webhook commits the refreshed backlog back to the repo.
	assert.Len(t, hostAPI.commits, 2)
}

// The webhook for an issue the controller itself just created can arrive
// before SetHostRefs ran; it must match by title instead of duplicating.
func TestOnHostIssueTitleMatchFallback(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
	})
	require.NoError(t, err)
	local, err := c.Get("todo-a")
	require.NoError(t, err)

	require.NoError(t, c.OnHostIssue(context.Background(), HostIssueEvent{
		Action: "opened",
		Issue: HostIssuePayload{
			ID: 9001, Number: 42, Title: local.Title, State: "open",
			CreatedAt: local.CreatedAt, UpdatedAt: local.UpdatedAt,
		},
	}))

	issues, err := c.List()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "todo-a", issues[0].ID)
	require.NotNil(t, issues[0].HostNumber)
	assert.Equal(t, int64(42), *issues[0].HostNumber)
}

func TestCreateHostIssue(t *testing.T) {
	c, hostAPI, _ := newTestController(t)
	_, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
	})
	require.NoError(t, err)

	issue, err := c.CreateHostIssue(context.Background(), "todo-a")
	require.NoError(t, err)
	require.NotNil(t, issue.HostNumber)
	assert.Equal(t, int64(101), *issue.HostNumber)
	assert.Len(t, hostAPI.created, 1)

	_, err = c.CreateHostIssue(context.Background(), "todo-a")
	assert.Error(t, err)
}

func TestUpdateHostIssueRequiresSync(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.ImportFromBacklog(context.Background(), []model.Issue{
		backlogIssue("todo-a", model.StatusOpen),
	})
	require.NoError(t, err)

	err = c.UpdateHostIssue(context.Background(), "todo-a")
	assert.Error(t, err)
}
