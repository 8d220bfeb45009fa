package pr

import (
	"time"

	"github.com/autodev/autodev/internal/statemachine"
)

// Machine states.
const (
	StatePending          = "pending"
	StateReviewing        = "reviewing"
	StateFixing           = "fixing"
	StateCheckingApproval = "checkingApproval"
	StateApproved         = "approved"
	StateAwaitingApproval = "awaiting_approval"
	StateMerging          = "merging"
	StateMerged           = "merged"
	StateClosed           = "closed"
	StateError            = "error"
)

// Machine events.
const (
	EventConfigLoaded  statemachine.EventType = "CONFIG_LOADED"
	EventSessionStart  statemachine.EventType = "SESSION_STARTED"
	EventSessionFailed statemachine.EventType = "SESSION_FAILED"
	EventRetry         statemachine.EventType = "RETRY"
	EventReviewDone    statemachine.EventType = "REVIEW_COMPLETE"
	EventFixDone       statemachine.EventType = "FIX_COMPLETE"
	EventCheckApproval statemachine.EventType = "CHECK_APPROVAL"
	EventEvaluateGates statemachine.EventType = "EVALUATE_GATES"
	EventHumanApproval statemachine.EventType = "HUMAN_APPROVAL"
	EventMerged        statemachine.EventType = "MERGED"
	EventMergeFailed   statemachine.EventType = "MERGE_FAILED"
	EventClose         statemachine.EventType = "CLOSE"
)

// Pending action types drained by the controller.
const (
	ActionDispatchReview = "dispatch_review"
	ActionDispatchFix    = "dispatch_fix"
	ActionScheduleAlarm  = "schedule_alarm"
	ActionMergePR        = "merge_pr"
)

func payloadString(ev statemachine.Event, key string) string {
	if v, ok := ev.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadBool(ev statemachine.Event, key string) bool {
	v, _ := ev.Payload[key].(bool)
	return v
}

// Definition declares the PR review machine. checkingApproval and approved
// are transient: the controller pumps CHECK_APPROVAL and EVALUATE_GATES
// through them immediately after entry.
func Definition() statemachine.Definition[*ReviewContext] {
	retriesLeft := func(c *ReviewContext, _ statemachine.Event) bool {
		return c.RetryCount < c.MaxRetries
	}
	approved := func(_ *ReviewContext, ev statemachine.Event) bool {
		return payloadString(ev, "decision") == DecisionApproved
	}
	moreReviewers := func(c *ReviewContext, _ statemachine.Event) bool {
		return c.CurrentReviewerIndex+1 < len(c.Reviewers)
	}
	canAutoMerge := func(c *ReviewContext, _ statemachine.Event) bool {
		return c.CanAutoMerge()
	}
	humanApproved := func(_ *ReviewContext, ev statemachine.Event) bool {
		return payloadBool(ev, "approved")
	}
	closedAsMerged := func(_ *ReviewContext, ev statemachine.Event) bool {
		return payloadBool(ev, "merged")
	}

	sessionFailure := []statemachine.Transition[*ReviewContext]{
		{Target: "", Guard: retriesLeft, Actions: []statemachine.ActionName{"scheduleRetry"}},
		{Target: StateError, Actions: []statemachine.ActionName{"recordFailure"}},
	}

	return statemachine.Definition[*ReviewContext]{
		ID:      "pr-review",
		Initial: StatePending,
		States: map[string]map[statemachine.EventType][]statemachine.Transition[*ReviewContext]{
			StatePending: {
				EventConfigLoaded: {{Target: StateReviewing, Actions: []statemachine.ActionName{"initReview", "dispatchReview"}}},
			},
			StateReviewing: {
				EventSessionStart:  {{Target: StateReviewing, Actions: []statemachine.ActionName{"recordSession"}}},
				EventSessionFailed: sessionFailure,
				EventRetry:         {{Target: StateReviewing, Actions: []statemachine.ActionName{"dispatchReview"}}},
				EventReviewDone: {
					{Target: StateCheckingApproval, Guard: approved, Actions: []statemachine.ActionName{"recordOutcome"}},
					{Target: StateFixing, Actions: []statemachine.ActionName{"recordOutcome", "dispatchFix"}},
				},
			},
			StateFixing: {
				EventSessionStart:  {{Target: StateFixing, Actions: []statemachine.ActionName{"recordSession"}}},
				EventSessionFailed: sessionFailure,
				EventRetry:         {{Target: StateFixing, Actions: []statemachine.ActionName{"dispatchFix"}}},
				EventFixDone:       {{Target: StateReviewing, Actions: []statemachine.ActionName{"resetRetry", "dispatchReview"}}},
			},
			StateCheckingApproval: {
				EventCheckApproval: {
					{Target: StateReviewing, Guard: moreReviewers, Actions: []statemachine.ActionName{"advanceReviewer", "dispatchReview"}},
					{Target: StateApproved},
				},
			},
			StateApproved: {
				EventEvaluateGates: {
					{Target: StateMerging, Guard: canAutoMerge, Actions: []statemachine.ActionName{"setAutoMerge"}},
					{Target: StateAwaitingApproval},
				},
			},
			StateAwaitingApproval: {
				EventHumanApproval: {
					{Target: StateMerging, Guard: humanApproved, Actions: []statemachine.ActionName{"recordHumanApproval"}},
					{Target: StateClosed, Actions: []statemachine.ActionName{"recordHumanDenial"}},
				},
			},
			StateMerging: {
				EventMerged:      {{Target: StateMerged}},
				EventMergeFailed: {{Target: StateError, Actions: []statemachine.ActionName{"recordFailure"}}},
			},
		},
		AnyState: map[statemachine.EventType][]statemachine.Transition[*ReviewContext]{
			EventClose: {
				{Target: StateMerged, Guard: closedAsMerged, Actions: []statemachine.ActionName{"setForcedMerge"}},
				{Target: StateClosed},
			},
		},
		Appliers: map[statemachine.ActionName]func(c *ReviewContext, ev statemachine.Event){
			"initReview": func(c *ReviewContext, ev statemachine.Event) {
				if v, ok := ev.Payload["pr_number"].(int); ok {
					c.PRNumber = v
				}
				c.RepoFullName = payloadString(ev, "repo_full_name")
				if v, ok := ev.Payload["installation_id"].(int64); ok {
					c.InstallationID = v
				}
				c.AuthorAgent = payloadString(ev, "author_agent")
				c.AuthorCredential = payloadString(ev, "author_credential")
				if v, ok := ev.Payload["reviewers"].([]ReviewerConfig); ok {
					c.Reviewers = v
				}
				if v, ok := ev.Payload["approval_gates"].(*ApprovalGateConfig); ok {
					c.ApprovalGates = v
				}
				if v, ok := ev.Payload["risk_assessment"].(*RiskAssessment); ok {
					c.RiskAssessment = v
				}
				if v, ok := ev.Payload["issue_labels"].([]string); ok {
					c.IssueLabels = v
				}
				if v, ok := ev.Payload["files_changed"].([]string); ok {
					c.FilesChanged = v
				}
				if v, ok := ev.Payload["max_retries"].(int); ok && v > 0 {
					c.MaxRetries = v
				}
				c.CurrentReviewerIndex = 0
			},
			"dispatchReview": func(c *ReviewContext, _ statemachine.Event) {
				c.Enqueue(ActionDispatchReview, nil)
			},
			"dispatchFix": func(c *ReviewContext, _ statemachine.Event) {
				c.Enqueue(ActionDispatchFix, nil)
			},
			"recordSession": func(c *ReviewContext, ev statemachine.Event) {
				c.CurrentSessionID = payloadString(ev, "session_id")
			},
			"scheduleRetry": func(c *ReviewContext, ev statemachine.Event) {
				delay := (1 << c.RetryCount) * 1000
				c.RetryCount++
				c.LastError = payloadString(ev, "error")
				c.Enqueue(ActionScheduleAlarm, map[string]any{"delay_ms": delay})
			},
			"recordFailure": func(c *ReviewContext, ev statemachine.Event) {
				c.RetryCount++
				c.LastError = payloadString(ev, "error")
			},
			"resetRetry": func(c *ReviewContext, _ statemachine.Event) {
				c.RetryCount = 0
			},
			"recordOutcome": func(c *ReviewContext, ev statemachine.Event) {
				comment := payloadString(ev, "comment")
				outcome := ReviewOutcome{
					Decision:  payloadString(ev, "decision"),
					Comment:   comment,
					Timestamp: time.Now().UTC(),
				}
				if reviewer := c.CurrentReviewer(); reviewer != nil {
					outcome.Reviewer = reviewer.Agent
				}
				if outcome.Decision == DecisionChangesRequested {
					outcome.Escalations = applyEscalations(c, ParseEscalations(comment))
				}
				c.ReviewOutcomes = append(c.ReviewOutcomes, outcome)
			},
			"advanceReviewer": func(c *ReviewContext, _ statemachine.Event) {
				c.CurrentReviewerIndex++
			},
			"setAutoMerge": func(c *ReviewContext, _ statemachine.Event) {
				c.MergeType = MergeAuto
				c.Enqueue(ActionMergePR, nil)
			},
			"recordHumanApproval": func(c *ReviewContext, ev statemachine.Event) {
				c.HumanApprovalGranted = true
				c.HumanApprover = payloadString(ev, "approver")
				c.MergeType = MergeApproved
				c.Enqueue(ActionMergePR, nil)
			},
			"recordHumanDenial": func(c *ReviewContext, ev statemachine.Event) {
				c.LastError = "approval denied"
				if reason := payloadString(ev, "reason"); reason != "" {
					c.LastError = "approval denied: " + reason
				}
			},
			"setForcedMerge": func(c *ReviewContext, _ statemachine.Event) {
				c.MergeType = MergeForced
			},
		},
		Terminals: []string{StateMerged, StateClosed, StateError},
	}
}

// NewMachine creates a PR machine in pending with the given retry budget.
func NewMachine(maxRetries int) *statemachine.Machine[*ReviewContext] {
	return statemachine.New(Definition(), &ReviewContext{MaxRetries: maxRetries})
}
