// Package issue implements the per-issue controller: a state machine driving
// an issue through agent assignment, tool preparation, sandboxed execution
// and verification.
package issue

import (
	"time"

	"github.com/autodev/autodev/internal/statemachine"
)

// Machine states.
const (
	StateIdle      = "idle"
	StatePreparing = "preparing"
	StateExecuting = "executing"
	StateVerifying = "verifying"
	StateBlocked   = "blocked"
	StateDone      = "done"
	StateFailed    = "failed"
)

// Machine events.
const (
	EventAssignAgent    statemachine.EventType = "ASSIGN_AGENT"
	EventToolsReady     statemachine.EventType = "TOOLS_READY"
	EventToolsMissing   statemachine.EventType = "TOOLS_MISSING"
	EventStartExecution statemachine.EventType = "START_EXECUTION"
	EventCompleted      statemachine.EventType = "COMPLETED"
	EventFailed         statemachine.EventType = "FAILED"
	EventTimeout        statemachine.EventType = "TIMEOUT"
	EventRetry          statemachine.EventType = "RETRY"
	EventVerified       statemachine.EventType = "VERIFIED"
	EventRejected       statemachine.EventType = "REJECTED"
	EventCancel         statemachine.EventType = "CANCEL"
)

// Pending action types drained by the controller.
const (
	ActionCheckTools    = "check_tools"
	ActionExecuteTask   = "execute_task"
	ActionScheduleAlarm = "schedule_alarm"
	ActionVerifyResults = "verify_results"
)

const maxVerificationAttempts = 3

// Commit is one commit artifact reported by the agent.
type Commit struct {
	Sha     string `json:"sha"`
	Message string `json:"message"`
}

// TestResults summarizes the agent's test run.
type TestResults struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ExecContext is the issue machine's context. It serializes with the
// snapshot; IO requests queue as pending actions.
type ExecContext struct {
	statemachine.Queue

	IssueID            string `json:"issue_id"`
	Repo               string `json:"repo"`
	InstallationID     int64  `json:"installation_id"`
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	Design             string `json:"design,omitempty"`

	AssignedAgent   string   `json:"assigned_agent,omitempty"`
	AgentCredential string   `json:"agent_credential,omitempty"`
	RequiredTools   []string `json:"required_tools,omitempty"`
	AvailableTools  []string `json:"available_tools,omitempty"`
	MissingTools    []string `json:"missing_tools,omitempty"`

	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	PRNumber    int         `json:"pr_number,omitempty"`
	Commits     []Commit    `json:"commits,omitempty"`
	TestResults TestResults `json:"test_results"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	MaxRetries int    `json:"max_retries"`

	VerificationAttempts int      `json:"verification_attempts"`
	VerificationErrors   []string `json:"verification_errors,omitempty"`
}

func payloadString(ev statemachine.Event, key string) string {
	if v, ok := ev.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadStrings(ev statemachine.Event, key string) []string {
	switch v := ev.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func payloadInt(ev statemachine.Event, key string) int {
	switch v := ev.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Definition declares the issue execution machine. Actions only touch
// context; the controller performs the queued IO.
func Definition() statemachine.Definition[*ExecContext] {
	retriesLeft := func(c *ExecContext, _ statemachine.Event) bool {
		return c.ErrorCount < c.MaxRetries
	}
	rejectionsLeft := func(c *ExecContext, _ statemachine.Event) bool {
		return c.VerificationAttempts+1 < maxVerificationAttempts
	}

	return statemachine.Definition[*ExecContext]{
		ID:      "issue-execution",
		Initial: StateIdle,
		States: map[string]map[statemachine.EventType][]statemachine.Transition[*ExecContext]{
			StateIdle: {
				EventAssignAgent: {{Target: StatePreparing, Actions: []statemachine.ActionName{"recordAssignment", "checkTools"}}},
			},
			StatePreparing: {
				EventToolsReady:   {{Target: StateExecuting, Actions: []statemachine.ActionName{"recordTools", "dispatchExecution"}}},
				EventToolsMissing: {{Target: StateBlocked, Actions: []statemachine.ActionName{"recordMissingTools"}}},
			},
			StateBlocked: {
				EventToolsReady: {{Target: StateExecuting, Actions: []statemachine.ActionName{"recordTools", "dispatchExecution"}}},
			},
			StateExecuting: {
				EventStartExecution: {{Target: StateExecuting, Actions: []statemachine.ActionName{"recordSession"}}},
				EventCompleted:      {{Target: StateVerifying, Actions: []statemachine.ActionName{"recordResult", "verifyResults"}}},
				EventFailed: {
					{Target: StateExecuting, Guard: retriesLeft, Actions: []statemachine.ActionName{"scheduleRetry"}},
					{Target: StateFailed, Actions: []statemachine.ActionName{"recordFailure"}},
				},
				EventTimeout: {
					{Target: StateExecuting, Guard: retriesLeft, Actions: []statemachine.ActionName{"scheduleRetry"}},
					{Target: StateFailed, Actions: []statemachine.ActionName{"recordFailure"}},
				},
				EventRetry: {{Target: StateExecuting, Actions: []statemachine.ActionName{"dispatchExecution"}}},
			},
			StateVerifying: {
				EventVerified: {{Target: StateDone, Actions: []statemachine.ActionName{"recordVerified"}}},
				EventRejected: {
					{Target: StateExecuting, Guard: rejectionsLeft, Actions: []statemachine.ActionName{"recordRejection", "dispatchExecution"}},
					{Target: StateFailed, Actions: []statemachine.ActionName{"recordRejection"}},
				},
			},
		},
		AnyState: map[statemachine.EventType][]statemachine.Transition[*ExecContext]{
			EventCancel: {{Target: StateFailed, Actions: []statemachine.ActionName{"recordCancelled"}}},
		},
		Appliers: map[statemachine.ActionName]func(c *ExecContext, ev statemachine.Event){
			"recordAssignment": func(c *ExecContext, ev statemachine.Event) {
				c.AssignedAgent = payloadString(ev, "agent")
				c.AgentCredential = payloadString(ev, "credential")
				c.IssueID = payloadString(ev, "issue_id")
				c.Repo = payloadString(ev, "repo")
				if v, ok := ev.Payload["installation_id"].(int64); ok {
					c.InstallationID = v
				}
				c.Title = payloadString(ev, "title")
				c.Description = payloadString(ev, "description")
				c.AcceptanceCriteria = payloadString(ev, "acceptance_criteria")
				c.Design = payloadString(ev, "design")
				c.RequiredTools = payloadStrings(ev, "required_tools")
				if mr := payloadInt(ev, "max_retries"); mr > 0 {
					c.MaxRetries = mr
				}
			},
			"checkTools": func(c *ExecContext, _ statemachine.Event) {
				c.Enqueue(ActionCheckTools, nil)
			},
			"recordTools": func(c *ExecContext, ev statemachine.Event) {
				c.AvailableTools = payloadStrings(ev, "available")
				c.MissingTools = nil
			},
			"recordMissingTools": func(c *ExecContext, ev statemachine.Event) {
				c.MissingTools = payloadStrings(ev, "missing")
			},
			"dispatchExecution": func(c *ExecContext, _ statemachine.Event) {
				c.Enqueue(ActionExecuteTask, nil)
			},
			"recordSession": func(c *ExecContext, ev statemachine.Event) {
				c.SessionID = payloadString(ev, "session_id")
				now := time.Now().UTC()
				c.StartedAt = &now
			},
			"recordResult": func(c *ExecContext, ev statemachine.Event) {
				now := time.Now().UTC()
				c.CompletedAt = &now
				if pr := payloadInt(ev, "pr_number"); pr > 0 {
					c.PRNumber = pr
				}
				if commits, ok := ev.Payload["commits"].([]Commit); ok {
					c.Commits = commits
				}
				if tr, ok := ev.Payload["test_results"].(TestResults); ok {
					c.TestResults = tr
				}
			},
			"verifyResults": func(c *ExecContext, _ statemachine.Event) {
				c.Enqueue(ActionVerifyResults, nil)
			},
			"scheduleRetry": func(c *ExecContext, ev statemachine.Event) {
				delay := (1 << c.ErrorCount) * 1000
				c.ErrorCount++
				c.LastError = failureReason(ev)
				c.Enqueue(ActionScheduleAlarm, map[string]any{"delay_ms": delay})
			},
			"recordFailure": func(c *ExecContext, ev statemachine.Event) {
				c.ErrorCount++
				c.LastError = failureReason(ev)
			},
			"recordVerified": func(c *ExecContext, _ statemachine.Event) {},
			"recordRejection": func(c *ExecContext, ev statemachine.Event) {
				c.VerificationAttempts++
				if reason := payloadString(ev, "reason"); reason != "" {
					c.VerificationErrors = append(c.VerificationErrors, reason)
				}
			},
			"recordCancelled": func(c *ExecContext, _ statemachine.Event) {
				c.LastError = "Cancelled"
			},
		},
		Terminals: []string{StateDone, StateFailed},
	}
}

func failureReason(ev statemachine.Event) string {
	if ev.Type == EventTimeout {
		return "Execution timed out"
	}
	if msg := payloadString(ev, "error"); msg != "" {
		return msg
	}
	return "Execution failed"
}

// NewMachine creates an issue machine in idle with the given retry budget.
func NewMachine(maxRetries int) *statemachine.Machine[*ExecContext] {
	return statemachine.New(Definition(), &ExecContext{MaxRetries: maxRetries})
}
