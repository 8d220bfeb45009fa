package issue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/statemachine"
)

func TestDefinitionIsValid(t *testing.T) {
	require.NoError(t, statemachine.Validate(Definition()))
}

func assignEvent() statemachine.Event {
	return statemachine.Event{Type: EventAssignAgent, Payload: map[string]any{
		"agent":          "dev-1",
		"issue_id":       "todo-a",
		"repo":           "acme/widgets",
		"title":          "Fix importer",
		"required_tools": []string{"file.read"},
		"max_retries":    3,
	}}
}

func TestAssignTransitionsToPreparing(t *testing.T) {
	m := NewMachine(3)
	changed, _ := m.Send(assignEvent())
	require.True(t, changed)
	assert.Equal(t, StatePreparing, m.Value())

	ctx := m.Context()
	assert.Equal(t, "dev-1", ctx.AssignedAgent)
	assert.Equal(t, "todo-a", ctx.IssueID)

	pending := ctx.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, ActionCheckTools, pending[0].Type)
}

func TestToolsReadyDispatchesExecution(t *testing.T) {
	m := NewMachine(3)
	m.Send(assignEvent())
	m.Context().Drain()

	m.Send(statemachine.Event{Type: EventToolsReady, Payload: map[string]any{"available": []string{"file.read"}}})
	assert.Equal(t, StateExecuting, m.Value())
	assert.Equal(t, []string{"file.read"}, m.Context().AvailableTools)

	pending := m.Context().Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, ActionExecuteTask, pending[0].Type)
}

func TestToolsMissingBlocksThenUnblocks(t *testing.T) {
	m := NewMachine(3)
	m.Send(assignEvent())
	m.Context().Drain()

	m.Send(statemachine.Event{Type: EventToolsMissing, Payload: map[string]any{"missing": []string{"jira.create"}}})
	assert.Equal(t, StateBlocked, m.Value())
	assert.Equal(t, []string{"jira.create"}, m.Context().MissingTools)

	m.Send(statemachine.Event{Type: EventToolsReady, Payload: map[string]any{"available": []string{"jira.create"}}})
	assert.Equal(t, StateExecuting, m.Value())
	assert.Empty(t, m.Context().MissingTools)
}

func driveToExecuting(t *testing.T, m *statemachine.Machine[*ExecContext]) {
	t.Helper()
	m.Send(assignEvent())
	m.Send(statemachine.Event{Type: EventToolsReady, Payload: map[string]any{"available": []string{"file.read"}}})
	m.Context().Drain()
	require.Equal(t, StateExecuting, m.Value())
}

// The backoff sequence is exactly 1000, 2000, 4000 ms; the failure after the
// retry budget is fatal.
func TestRetryBackoffSequence(t *testing.T) {
	m := NewMachine(3)
	driveToExecuting(t, m)

	var delays []int
	for i := 0; i < 3; i++ {
		m.Send(statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": "boom"}})
		require.Equal(t, StateExecuting, m.Value())
		pending := m.Context().Drain()
		require.Len(t, pending, 1)
		require.Equal(t, ActionScheduleAlarm, pending[0].Type)
		delays = append(delays, pending[0].Params["delay_ms"].(int))

		m.Send(statemachine.Event{Type: EventRetry})
		m.Context().Drain()
	}
	assert.Equal(t, []int{1000, 2000, 4000}, delays)

	m.Send(statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": "boom"}})
	assert.Equal(t, StateFailed, m.Value())
	assert.Equal(t, 4, m.Context().ErrorCount)
	assert.Empty(t, m.Context().Drain())
}

func TestTimeoutUsesSameRetryPath(t *testing.T) {
	m := NewMachine(3)
	driveToExecuting(t, m)

	m.Send(statemachine.Event{Type: EventTimeout})
	assert.Equal(t, StateExecuting, m.Value())
	assert.Equal(t, "Execution timed out", m.Context().LastError)
}

func TestCompletedVerifiedDone(t *testing.T) {
	m := NewMachine(3)
	driveToExecuting(t, m)

	m.Send(statemachine.Event{Type: EventCompleted, Payload: map[string]any{
		"pr_number":    42,
		"commits":      []Commit{{Sha: "deadbeef", Message: "fix"}},
		"test_results": TestResults{Passed: 10},
	}})
	assert.Equal(t, StateVerifying, m.Value())
	assert.Equal(t, 42, m.Context().PRNumber)
	pending := m.Context().Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, ActionVerifyResults, pending[0].Type)

	m.Send(statemachine.Event{Type: EventVerified})
	assert.Equal(t, StateDone, m.Value())
	assert.True(t, m.InTerminal())
}

// The third consecutive rejection terminates in failed.
func TestRejectionCap(t *testing.T) {
	m := NewMachine(3)
	driveToExecuting(t, m)

	for i := 0; i < 2; i++ {
		m.Send(statemachine.Event{Type: EventCompleted, Payload: map[string]any{}})
		require.Equal(t, StateVerifying, m.Value())
		m.Context().Drain()
		m.Send(statemachine.Event{Type: EventRejected, Payload: map[string]any{"reason": "no pull request"}})
		require.Equal(t, StateExecuting, m.Value())
		m.Context().Drain()
	}

	m.Send(statemachine.Event{Type: EventCompleted, Payload: map[string]any{}})
	m.Context().Drain()
	m.Send(statemachine.Event{Type: EventRejected, Payload: map[string]any{"reason": "no pull request"}})
	assert.Equal(t, StateFailed, m.Value())
	assert.Equal(t, 3, m.Context().VerificationAttempts)
	assert.Len(t, m.Context().VerificationErrors, 3)
}

func TestCancelFromAnyState(t *testing.T) {
	for _, drive := range []func(m *statemachine.Machine[*ExecContext]){
		func(m *statemachine.Machine[*ExecContext]) {},
		func(m *statemachine.Machine[*ExecContext]) { m.Send(assignEvent()) },
	} {
		m := NewMachine(3)
		drive(m)
		m.Context().Drain()
		m.Send(statemachine.Event{Type: EventCancel})
		assert.Equal(t, StateFailed, m.Value())
		assert.Equal(t, "Cancelled", m.Context().LastError)
	}
}

func TestTerminalStatesIgnoreEvents(t *testing.T) {
	m := NewMachine(3)
	m.Send(statemachine.Event{Type: EventCancel})
	require.Equal(t, StateFailed, m.Value())

	changed, _ := m.Send(assignEvent())
	assert.False(t, changed)
	assert.Equal(t, StateFailed, m.Value())
}

func TestSnapshotRestoreResumes(t *testing.T) {
	m := NewMachine(3)
	driveToExecuting(t, m)
	m.Context().Drain()

	data, err := m.Snapshot()
	require.NoError(t, err)

	restored, err := statemachine.Restore(Definition(), &ExecContext{}, data)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, restored.Value())
	assert.Equal(t, "dev-1", restored.Context().AssignedAgent)
	// Restoring re-fires nothing.
	assert.Empty(t, restored.Context().PendingActions)
}
