package backlog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/model"
)

const sampleBacklog = `{"id":"todo-a","title":"A","status":"open","priority":2,"issue_type":"task","created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z"}
{"id":"todo-b","title":"B","status":"open","priority":1,"issue_type":"bug","created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z","labels":["urgent"],"dependencies":[{"depends_on_id":"todo-a","type":"blocks"}]}
`

func TestParse(t *testing.T) {
	issues, err := Parse(strings.NewReader(sampleBacklog))
	require.NoError(t, err)
	require.Len(t, issues, 2)

	assert.Equal(t, "todo-a", issues[0].ID)
	assert.Equal(t, model.StatusOpen, issues[0].Status)
	assert.Equal(t, 2, issues[0].Priority)

	b := issues[1]
	assert.Equal(t, []string{"urgent"}, b.Labels)
	require.Len(t, b.Dependencies, 1)
	// Dependency source is filled from the owning line.
	assert.Equal(t, "todo-b", b.Dependencies[0].IssueID)
	assert.Equal(t, "todo-a", b.Dependencies[0].DependsOnID)
	assert.Equal(t, model.DepBlocks, b.Dependencies[0].Type)
}

func TestParseSkipsBlankLines(t *testing.T) {
	issues, err := Parse(strings.NewReader("\n" + sampleBacklog + "\n\n"))
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"id":"a","title":"A"}` + "\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseRejectsMissingID(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"title":"no id"}` + "\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestParseRejectsDuplicateID(t *testing.T) {
	dup := `{"id":"x","title":"one"}` + "\n" + `{"id":"x","title":"two"}` + "\n"
	_, err := Parse(strings.NewReader(dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
}

func TestParseNormalizesDefaults(t *testing.T) {
	issues, err := Parse(strings.NewReader(`{"id":"x","title":"X","priority":9}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, issues[0].Status)
	assert.Equal(t, model.TypeTask, issues[0].IssueType)
	assert.Equal(t, 4, issues[0].Priority)
}

func TestExportOrdersByID(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := Export([]model.Issue{
		{ID: "todo-z", Title: "Z", Status: model.StatusOpen, IssueType: model.TypeTask, CreatedAt: now, UpdatedAt: now},
		{ID: "todo-a", Title: "A", Status: model.StatusOpen, IssueType: model.TypeTask, CreatedAt: now, UpdatedAt: now},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"todo-a"`)
	assert.Contains(t, lines[1], `"id":"todo-z"`)
}

func TestExportOmitsEmptyAndSyncFields(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sync := now.Add(time.Hour)
	out, err := Export([]model.Issue{{
		ID: "todo-a", Title: "A", Status: model.StatusOpen, IssueType: model.TypeTask,
		CreatedAt: now, UpdatedAt: now, LastSyncAt: &sync,
	}})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "description")
	assert.NotContains(t, string(out), "closed_at")
	assert.NotContains(t, string(out), "last_sync_at")
}

// export(import(B)) equals B modulo ordering and omitted fields.
func TestRoundTrip(t *testing.T) {
	issues, err := Parse(strings.NewReader(sampleBacklog))
	require.NoError(t, err)

	out, err := Export(issues)
	require.NoError(t, err)

	again, err := ParseBytes(out)
	require.NoError(t, err)
	assert.Equal(t, issues, again)
}
