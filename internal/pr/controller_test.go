package pr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/host"
	"github.com/autodev/autodev/internal/persistence"
	"github.com/autodev/autodev/internal/sandbox"
)

type fakePRHost struct {
	mu         sync.Mutex
	files      []string
	mergeErr   error
	mergeCalls int
	branches   map[string]string
	revertPR   int
}

func newFakePRHost(files ...string) *fakePRHost {
	return &fakePRHost{files: files, branches: map[string]string{}, revertPR: 99}
}

func (f *fakePRHost) MergePull(_ context.Context, _ string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	return f.mergeErr
}

func (f *fakePRHost) ListPullFiles(_ context.Context, _ string, _ int) ([]string, error) {
	return f.files, nil
}

func (f *fakePRHost) CreateBranch(_ context.Context, _ string, branch, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch] = sha
	return nil
}

func (f *fakePRHost) RevertPull(_ context.Context, _ string, _ int, _ string) (*host.Pull, error) {
	return &host.Pull{Number: f.revertPR}, nil
}

func (f *fakePRHost) merges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeCalls
}

// reviewScript is a completed session carrying a review decision artifact.
func reviewScript(decision, comment string) []*sandbox.Event {
	return sandbox.CompletedScript(sandbox.Artifact{Type: "review", Ref: decision, Message: comment})
}

func newTestPRController(t *testing.T, hostAPI HostAPI, client sandbox.Client, gates GateLoader, cfg Config) *Controller {
	t.Helper()
	p, err := persistence.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	if cfg.EntityRef == "" {
		cfg.EntityRef = "acme-widgets-7"
	}
	if gates == nil {
		gates = &StaticGateLoader{}
	}
	c, err := NewController(p, bus.NewMemoryEventBus(logger.NewTestLogger()), hostAPI, client, gates, cfg, logger.NewTestLogger())
	require.NoError(t, err)
	return c
}

func openRequest(reviewers ...ReviewerConfig) OpenRequest {
	return OpenRequest{
		PRNumber:     7,
		RepoFullName: "acme/widgets",
		AuthorAgent:  "dev-1",
		Reviewers:    reviewers,
	}
}

func autonomyLoader() GateLoader {
	return &StaticGateLoader{Org: &GateOverlay{AllowFullAutonomy: boolPtr(true)}}
}

func waitForPRState(t *testing.T, c *Controller, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == state
	}, 2*time.Second, 10*time.Millisecond, "expected state %s, got %s", state, c.Status().State)
}

func TestSingleReviewerAutoMerges(t *testing.T) {
	hostAPI := newFakePRHost("docs/readme.md")
	client := sandbox.NewFakeClient(reviewScript(DecisionApproved, "lgtm"))
	c := newTestPRController(t, hostAPI, client, autonomyLoader(), Config{})

	err := c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent}))
	require.NoError(t, err)

	waitForPRState(t, c, StateMerged)
	assert.Equal(t, 1, hostAPI.merges())
	assert.Equal(t, MergeAuto, c.Status().Context.MergeType)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Instructions, "pr_number: 7")
	assert.Contains(t, calls[0].Instructions, "role: review")

	records, err := c.AuditLog(20)
	require.NoError(t, err)
	var actions []string
	for _, r := range records {
		actions = append(actions, r.Action)
	}
	assert.Contains(t, actions, "review_started")
	assert.Contains(t, actions, "merge_attempt")
	assert.Contains(t, actions, "merged")
}

func TestOpenRejectsSecondStart(t *testing.T) {
	hostAPI := newFakePRHost()
	c := newTestPRController(t, hostAPI, sandbox.NewFakeClient(reviewScript(DecisionApproved, "ok")), autonomyLoader(), Config{})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))
	err := c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent}))
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

// A changes_requested review with an escalation marker inserts the escalated
// reviewer after the requester, the author fixes, and the extended pipeline
// runs to completion.
func TestEscalationExtendsPipeline(t *testing.T) {
	hostAPI := newFakePRHost("src/api.go")
	client := sandbox.NewFakeClient(
		reviewScript(DecisionChangesRequested, "needs auth work <!-- escalate: sam -->"),
		sandbox.CompletedScript(), // the author's fix session
		reviewScript(DecisionApproved, "fixed"),
		reviewScript(DecisionApproved, "auth looks right"),
		reviewScript(DecisionApproved, "ship it"),
	)
	c := newTestPRController(t, hostAPI, client, autonomyLoader(), Config{})

	err := c.OnPROpened(context.Background(), openRequest(
		ReviewerConfig{Agent: "quinn", Type: ReviewerAgent, CanEscalate: []string{"sam"}},
		ReviewerConfig{Agent: "dana", Type: ReviewerAgent},
	))
	require.NoError(t, err)

	waitForPRState(t, c, StateMerged)

	status := c.Status()
	var order []string
	for _, r := range status.Context.Reviewers {
		order = append(order, r.Agent)
	}
	assert.Equal(t, []string{"quinn", "sam", "dana"}, order)
	require.Len(t, status.Context.ReviewOutcomes, 4)
	assert.Equal(t, []string{"sam"}, status.Context.ReviewOutcomes[0].Escalations)
	assert.Len(t, client.Calls(), 5)
	assert.Equal(t, 1, hostAPI.merges())
}

// A change touching a critical path is critical risk and must wait for a
// human even when every reviewer approved.
func TestCriticalPathAwaitsHumanApproval(t *testing.T) {
	hostAPI := newFakePRHost("src/auth/login.ts")
	client := sandbox.NewFakeClient(reviewScript(DecisionApproved, "lgtm"))
	gates := &StaticGateLoader{Org: &GateOverlay{CriticalPaths: []string{"**/auth/**"}}}
	c := newTestPRController(t, hostAPI, client, gates, Config{})

	err := c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent}))
	require.NoError(t, err)

	waitForPRState(t, c, StateAwaitingApproval)
	assert.Equal(t, 0, hostAPI.merges())

	risk := c.Status().Context.RiskAssessment
	require.NotNil(t, risk)
	assert.Equal(t, RiskCritical, risk.Level)
	assert.True(t, risk.TouchesCriticalPath)

	require.NoError(t, c.Approve(context.Background(), "alice", true, ""))
	waitForPRState(t, c, StateMerged)
	assert.Equal(t, 1, hostAPI.merges())
	assert.Equal(t, MergeApproved, c.Status().Context.MergeType)
	assert.Equal(t, "alice", c.Status().Context.HumanApprover)
}

func TestApprovalDenialCloses(t *testing.T) {
	hostAPI := newFakePRHost("src/auth/login.ts")
	client := sandbox.NewFakeClient(reviewScript(DecisionApproved, "lgtm"))
	gates := &StaticGateLoader{Org: &GateOverlay{CriticalPaths: []string{"**/auth/**"}}}
	c := newTestPRController(t, hostAPI, client, gates, Config{})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))
	waitForPRState(t, c, StateAwaitingApproval)

	require.NoError(t, c.Approve(context.Background(), "alice", false, "too risky"))
	assert.Equal(t, StateClosed, c.Status().State)
	assert.Equal(t, 0, hostAPI.merges())
}

func TestApproveOutsideGateIsRejected(t *testing.T) {
	c := newTestPRController(t, newFakePRHost(), sandbox.NewFakeClient(), autonomyLoader(), Config{})
	err := c.Approve(context.Background(), "alice", true, "")
	assert.ErrorIs(t, err, ErrNotAwaitingHuman)
}

func TestHumanReviewerWaitsForEventAPI(t *testing.T) {
	hostAPI := newFakePRHost("docs/readme.md")
	client := sandbox.NewFakeClient()
	c := newTestPRController(t, hostAPI, client, autonomyLoader(), Config{})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(
		ReviewerConfig{Agent: "alice", Type: ReviewerHuman},
	)))
	require.Equal(t, StateReviewing, c.Status().State)
	assert.Empty(t, client.Calls())

	require.NoError(t, c.HandleEvent(context.Background(), PREvent{
		Action:   "review_complete",
		Decision: DecisionApproved,
		Comment:  "lgtm",
	}))
	waitForPRState(t, c, StateMerged)
}

func TestFailedSessionRetriesThenErrors(t *testing.T) {
	hostAPI := newFakePRHost("docs/readme.md")
	client := sandbox.NewFakeClient(sandbox.FailedScript("sandbox crashed"))
	// A single retry keeps the alarm wait short.
	c := newTestPRController(t, hostAPI, client, autonomyLoader(), Config{MaxRetries: 1})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))

	waitForPRState(t, c, StateError)
	assert.Equal(t, "sandbox crashed", c.Status().Context.LastError)
	assert.Len(t, client.Calls(), 2)
}

func TestExternalCloseWhileMergedIsForcedMerge(t *testing.T) {
	hostAPI := newFakePRHost("docs/readme.md")
	c := newTestPRController(t, hostAPI, sandbox.NewFakeClient([]*sandbox.Event{}), autonomyLoader(), Config{})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))
	require.NoError(t, c.HandleEvent(context.Background(), PREvent{Action: "closed", Merged: true}))

	assert.Equal(t, StateMerged, c.Status().State)
	assert.Equal(t, MergeForced, c.Status().Context.MergeType)
	assert.Equal(t, 0, hostAPI.merges())
}

func TestRollbackOpensRevertPR(t *testing.T) {
	hostAPI := newFakePRHost("docs/readme.md")
	client := sandbox.NewFakeClient(reviewScript(DecisionApproved, "lgtm"))
	c := newTestPRController(t, hostAPI, client, autonomyLoader(), Config{})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))
	waitForPRState(t, c, StateMerged)

	info, err := c.Rollback(context.Background(), RollbackRequest{
		TargetCommit: "abc123def4567890",
		Reason:       "regression in prod",
		RequestedBy:  "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 99, info.RollbackPR)
	assert.Equal(t, "rollback/pr-7-abc123de", info.RollbackBranch)
	assert.Equal(t, "abc123def4567890", hostAPI.branches[info.RollbackBranch])

	stored, ok, err := c.RollbackInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info.RollbackPR, stored.RollbackPR)
	assert.Equal(t, "alice", stored.RequestedBy)

	records, err := c.AuditLog(20)
	require.NoError(t, err)
	var actions []string
	for _, r := range records {
		actions = append(actions, r.Action)
	}
	assert.Contains(t, actions, "rollback")
}

func TestRollbackRequiresMergedState(t *testing.T) {
	c := newTestPRController(t, newFakePRHost(), sandbox.NewFakeClient(), autonomyLoader(), Config{})
	_, err := c.Rollback(context.Background(), RollbackRequest{TargetCommit: "abc"})
	assert.Error(t, err)
}

func TestControllerResumesFromSnapshot(t *testing.T) {
	p, err := persistence.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	eventBus := bus.NewMemoryEventBus(logger.NewTestLogger())
	hostAPI := newFakePRHost("src/auth/login.ts")
	gates := &StaticGateLoader{Org: &GateOverlay{CriticalPaths: []string{"**/auth/**"}}}
	cfg := Config{EntityRef: "acme-widgets-7"}

	c, err := NewController(p, eventBus, hostAPI, sandbox.NewFakeClient(reviewScript(DecisionApproved, "lgtm")), gates, cfg, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))
	waitForPRState(t, c, StateAwaitingApproval)

	resumed, err := NewController(p, eventBus, hostAPI, sandbox.NewFakeClient(), gates, cfg, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, resumed.Status().State)
	assert.Equal(t, 7, resumed.Status().Context.PRNumber)

	// The resumed controller still honors the human gate.
	require.NoError(t, resumed.Approve(context.Background(), "alice", true, ""))
	waitForPRState(t, resumed, StateMerged)
}

func TestStateTransitionsAreRecorded(t *testing.T) {
	hostAPI := newFakePRHost("docs/readme.md")
	c := newTestPRController(t, hostAPI, sandbox.NewFakeClient(reviewScript(DecisionApproved, "lgtm")), autonomyLoader(), Config{})

	require.NoError(t, c.OnPROpened(context.Background(), openRequest(ReviewerConfig{Agent: "quinn", Type: ReviewerAgent})))
	waitForPRState(t, c, StateMerged)

	transitions, err := c.Transitions()
	require.NoError(t, err)
	assert.NotEmpty(t, transitions)
	assert.Equal(t, StateMerged, transitions[0].ToState)
}
