package pr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/autodev/autodev/internal/audit"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/entity"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/host"
	"github.com/autodev/autodev/internal/persistence"
	"github.com/autodev/autodev/internal/sandbox"
	"github.com/autodev/autodev/internal/statemachine"
)

const (
	prSnapshotKey   = "prState"
	rollbackInfoKey = "rollbackInfo"
)

// Errors surfaced to the HTTP layer.
var (
	ErrAlreadyOpen      = errors.New("review already started")
	ErrNotAwaitingHuman = errors.New("not awaiting human approval")
)

// HostAPI is the slice of the host client the PR controller needs.
type HostAPI interface {
	MergePull(ctx context.Context, repo string, number int, method string) error
	ListPullFiles(ctx context.Context, repo string, number int) ([]string, error)
	CreateBranch(ctx context.Context, repo, branch, sha string) error
	RevertPull(ctx context.Context, repo string, number int, branch string) (*host.Pull, error)
}

// Config tunes one PR controller.
type Config struct {
	EntityRef      string
	TimeoutSeconds int
	MaxSteps       int
	MaxRetries     int
	MergeMethod    string
}

// OpenRequest starts the review pipeline for a freshly opened PR.
type OpenRequest struct {
	PRNumber         int              `json:"pr_number"`
	RepoFullName     string           `json:"repo_full_name"`
	InstallationID   int64            `json:"installation_id"`
	AuthorAgent      string           `json:"author_agent"`
	AuthorCredential string           `json:"author_credential"`
	Reviewers        []ReviewerConfig `json:"reviewers"`
	IssueLabels      []string         `json:"issue_labels"`
}

// PREvent is an externally reported review event (webhook or reviewer
// callback).
type PREvent struct {
	Action    string `json:"action"` // review_complete, fix_complete, closed, merged
	Decision  string `json:"decision,omitempty"`
	Comment   string `json:"comment,omitempty"`
	Merged    bool   `json:"merged"`
	SessionID string `json:"session_id,omitempty"`
}

// RollbackRequest reverts the merged PR back to a known-good commit.
type RollbackRequest struct {
	TargetCommit string `json:"target_commit"`
	Reason       string `json:"reason"`
	RequestedBy  string `json:"requested_by"`
}

// RollbackInfo is the persisted record of a performed rollback.
type RollbackInfo struct {
	TargetCommit   string    `json:"target_commit"`
	Reason         string    `json:"reason"`
	RequestedBy    string    `json:"requested_by"`
	RollbackPR     int       `json:"rollback_pr"`
	RollbackBranch string    `json:"rollback_branch"`
	Timestamp      time.Time `json:"timestamp"`
}

// Controller drives one pull request through the review pipeline. All public
// operations serialize on a single mutex; the entity is single-threaded.
type Controller struct {
	mu      sync.Mutex
	machine *statemachine.Machine[*ReviewContext]

	base    *entity.Base
	pstore  *persistence.Store
	store   *Store
	hostAPI HostAPI
	sandbox sandbox.Client
	gates   GateLoader
	audit   *audit.Logger
	alarm   *persistence.AlarmScheduler
	cfg     Config
	logger  *logger.Logger
}

// NewController opens the controller for one PR, resuming from a local
// snapshot when one exists.
func NewController(p *persistence.Store, eventBus bus.EventBus, hostAPI HostAPI, sandboxClient sandbox.Client, gates GateLoader, cfg Config, log *logger.Logger) (*Controller, error) {
	if cfg.EntityRef == "" {
		return nil, fmt.Errorf("entity ref is required")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 600
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}

	store, err := NewStore(p)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.New(p, eventBus, log)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		base:    entity.NewBase("pr", cfg.EntityRef, prSnapshotKey, p, eventBus, log),
		pstore:  p,
		store:   store,
		hostAPI: hostAPI,
		sandbox: sandboxClient,
		gates:   gates,
		audit:   auditLog,
		alarm:   persistence.NewAlarmScheduler(),
		cfg:     cfg,
		logger:  log.WithEntity("pr", cfg.EntityRef),
	}

	snapshot, ok, err := c.base.Load()
	if err != nil {
		return nil, fmt.Errorf("load machine snapshot: %w", err)
	}
	if ok {
		machine, err := statemachine.Restore(Definition(), &ReviewContext{}, snapshot)
		if err != nil {
			return nil, fmt.Errorf("restore machine: %w", err)
		}
		c.machine = machine
	} else {
		c.machine = NewMachine(cfg.MaxRetries)
	}
	return c, nil
}

// OnPROpened configures the pipeline and dispatches the first reviewer. The
// approval gates are resolved from the org/repo cascade and the change set is
// risk-assessed before the machine leaves pending.
func (c *Controller) OnPROpened(ctx context.Context, req OpenRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Value() != StatePending {
		return fmt.Errorf("%w: state is %s", ErrAlreadyOpen, c.machine.Value())
	}
	if len(req.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer is required")
	}

	org, repo, err := c.gates.Load(ctx, req.RepoFullName)
	if err != nil {
		return fmt.Errorf("load approval gates: %w", err)
	}
	gateCfg := ResolveGates(org, repo)

	files, err := c.hostAPI.ListPullFiles(ctx, req.RepoFullName, req.PRNumber)
	if err != nil {
		// Without the change set the risk defaults to requiring a human.
		c.logger.Warn("failed to list PR files, assuming worst-case risk", zap.Error(err))
		files = nil
	}
	risk := AssessRisk(files, &gateCfg)
	if files == nil && err != nil {
		risk.RequiresHumanApproval = true
		risk.Factors = append(risk.Factors, "change set unavailable")
	}

	c.auditRecord(ctx, "review_started", "", map[string]any{
		"pr_number": req.PRNumber,
		"repo":      req.RepoFullName,
		"reviewers": len(req.Reviewers),
		"risk":      risk.Level,
	})

	c.send(ctx, statemachine.Event{Type: EventConfigLoaded, Payload: map[string]any{
		"pr_number":         req.PRNumber,
		"repo_full_name":    req.RepoFullName,
		"installation_id":   req.InstallationID,
		"author_agent":      req.AuthorAgent,
		"author_credential": req.AuthorCredential,
		"reviewers":         req.Reviewers,
		"approval_gates":    &gateCfg,
		"risk_assessment":   risk,
		"issue_labels":      req.IssueLabels,
		"files_changed":     files,
		"max_retries":       c.cfg.MaxRetries,
	}})
	return nil
}

// HandleEvent feeds an externally reported review event into the machine.
func (c *Controller) HandleEvent(ctx context.Context, ev PREvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Action {
	case "review_complete":
		if ev.Decision != DecisionApproved && ev.Decision != DecisionChangesRequested {
			return fmt.Errorf("unknown review decision %q", ev.Decision)
		}
		c.completeCurrentSession(ev.SessionID, true, "")
		c.send(ctx, statemachine.Event{Type: EventReviewDone, Payload: map[string]any{
			"decision": ev.Decision,
			"comment":  ev.Comment,
		}})
	case "fix_complete":
		c.completeCurrentSession(ev.SessionID, true, "")
		c.send(ctx, statemachine.Event{Type: EventFixDone})
	case "merged":
		c.send(ctx, statemachine.Event{Type: EventMerged})
	case "closed":
		c.alarm.Cancel()
		c.send(ctx, statemachine.Event{Type: EventClose, Payload: map[string]any{"merged": ev.Merged}})
		c.auditRecord(ctx, "pr_closed", "", map[string]any{"merged": ev.Merged})
	default:
		return fmt.Errorf("unknown event action %q", ev.Action)
	}
	return nil
}

// OnSessionCallback reports a sandbox session start failure or confirmation
// from the session webhook.
func (c *Controller) OnSessionCallback(ctx context.Context, sessionID string, ok bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Context().CurrentSessionID != sessionID {
		c.logger.Info("ignoring callback for stale session", zap.String("session_id", sessionID))
		return
	}
	if ok {
		c.send(ctx, statemachine.Event{Type: EventSessionStart, Payload: map[string]any{"session_id": sessionID}})
		return
	}
	if errMsg == "" {
		errMsg = "session failed"
	}
	_ = c.store.CompleteSession(sessionID, false, errMsg)
	c.send(ctx, statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": errMsg}})
}

// Approve resolves the human approval gate. approved=false closes the PR
// pipeline without merging.
func (c *Controller) Approve(ctx context.Context, approver string, approved bool, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Value() != StateAwaitingApproval {
		return fmt.Errorf("%w: state is %s", ErrNotAwaitingHuman, c.machine.Value())
	}
	c.auditRecord(ctx, "human_approval", "", map[string]any{
		"approver": approver,
		"approved": approved,
		"reason":   reason,
	})
	c.send(ctx, statemachine.Event{Type: EventHumanApproval, Payload: map[string]any{
		"approver": approver,
		"approved": approved,
		"reason":   reason,
	}})
	return nil
}

// Rollback reverts a merged PR: a branch is cut at the known-good commit and
// a revert PR is opened against the default branch. Only legal once merged.
func (c *Controller) Rollback(ctx context.Context, req RollbackRequest) (*RollbackInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Value() != StateMerged {
		return nil, fmt.Errorf("rollback requires a merged PR, state is %s", c.machine.Value())
	}
	if req.TargetCommit == "" {
		return nil, fmt.Errorf("target_commit is required")
	}

	mctx := c.machine.Context()
	short := req.TargetCommit
	if len(short) > 8 {
		short = short[:8]
	}
	branch := fmt.Sprintf("rollback/pr-%d-%s", mctx.PRNumber, short)

	if err := c.hostAPI.CreateBranch(ctx, mctx.RepoFullName, branch, req.TargetCommit); err != nil {
		c.auditRecord(ctx, "rollback_failed", "", map[string]any{
			"target_commit": req.TargetCommit,
			"error":         err.Error(),
		})
		return nil, fmt.Errorf("create rollback branch: %w", err)
	}
	revert, err := c.hostAPI.RevertPull(ctx, mctx.RepoFullName, mctx.PRNumber, branch)
	if err != nil {
		c.auditRecord(ctx, "rollback_failed", "", map[string]any{
			"target_commit": req.TargetCommit,
			"branch":        branch,
			"error":         err.Error(),
		})
		return nil, fmt.Errorf("open revert PR: %w", err)
	}

	info := &RollbackInfo{
		TargetCommit:   req.TargetCommit,
		Reason:         req.Reason,
		RequestedBy:    req.RequestedBy,
		RollbackPR:     revert.Number,
		RollbackBranch: branch,
		Timestamp:      time.Now().UTC(),
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal rollback info: %w", err)
	}
	if err := c.pstore.PutKV(rollbackInfoKey, string(encoded)); err != nil {
		return nil, fmt.Errorf("persist rollback info: %w", err)
	}
	c.auditRecord(ctx, "rollback", "", map[string]any{
		"target_commit": req.TargetCommit,
		"rollback_pr":   revert.Number,
		"branch":        branch,
		"requested_by":  req.RequestedBy,
	})
	return info, nil
}

// RollbackInfo returns the persisted rollback record, if any.
func (c *Controller) RollbackInfo() (*RollbackInfo, bool, error) {
	value, ok, err := c.pstore.GetKV(rollbackInfoKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var info RollbackInfo
	if err := json.Unmarshal([]byte(value), &info); err != nil {
		return nil, false, fmt.Errorf("decode rollback info: %w", err)
	}
	return &info, true, nil
}

// send pushes one event through the machine, records the transition,
// persists the snapshot, executes queued IO, and pumps the transient
// checkingApproval and approved states. Must hold c.mu.
func (c *Controller) send(ctx context.Context, ev statemachine.Event) {
	from := c.machine.Value()
	c.machine.Send(ev)
	to := c.machine.Value()

	if err := c.store.RecordTransition(from, to, string(ev.Type)); err != nil {
		c.logger.Warn("failed to record transition", zap.Error(err))
	}
	c.persistSnapshot()

	for _, action := range c.machine.Context().Drain() {
		c.execute(ctx, action)
	}

	switch c.machine.Value() {
	case StateCheckingApproval:
		c.send(ctx, statemachine.Event{Type: EventCheckApproval})
	case StateApproved:
		c.send(ctx, statemachine.Event{Type: EventEvaluateGates})
	}
}

func (c *Controller) persistSnapshot() {
	snapshot, err := c.machine.Snapshot()
	if err != nil {
		c.logger.Error("failed to serialize snapshot", zap.Error(err))
		return
	}
	if err := c.base.OnTransition(snapshot); err != nil {
		c.logger.Error("failed to persist snapshot", zap.Error(err))
	}
}

func (c *Controller) execute(ctx context.Context, action statemachine.PendingAction) {
	switch action.Type {
	case ActionDispatchReview:
		c.dispatchSession(ctx, "review")
	case ActionDispatchFix:
		c.dispatchSession(ctx, "fix")
	case ActionScheduleAlarm:
		delayMS, _ := action.Params["delay_ms"].(int)
		if delayMS <= 0 {
			if f, ok := action.Params["delay_ms"].(float64); ok {
				delayMS = int(f)
			}
		}
		c.armRetryAlarm(time.Duration(delayMS) * time.Millisecond)
	case ActionMergePR:
		c.mergePR(ctx)
	default:
		c.logger.Warn("unknown pending action", zap.String("type", action.Type))
	}
}

// reviewHeader is the YAML block prefixed to reviewer instructions.
type reviewHeader struct {
	PRNumber int    `yaml:"pr_number"`
	Repo     string `yaml:"repo"`
	Role     string `yaml:"role"`
	Reviewer string `yaml:"reviewer,omitempty"`
	Feedback string `yaml:"feedback,omitempty"`
}

// dispatchSession submits a review or fix session to the sandbox. Human
// reviewers are not dispatched: the pipeline waits for their decision via
// the event API.
func (c *Controller) dispatchSession(ctx context.Context, kind string) {
	mctx := c.machine.Context()
	reviewer := mctx.CurrentReviewer()
	if reviewer == nil {
		c.send(ctx, statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": "no reviewer at current index"}})
		return
	}

	if kind == "review" && reviewer.Type == ReviewerHuman {
		c.logger.Info("awaiting human reviewer", zap.String("reviewer", reviewer.Agent))
		c.auditRecord(ctx, "review_requested", "", map[string]any{
			"reviewer": reviewer.Agent,
			"type":     ReviewerHuman,
		})
		return
	}

	var feedback string
	agent := reviewer.Agent
	role := "review"
	if kind == "fix" {
		// The author fixes; the latest changes_requested comment is the brief.
		agent = mctx.AuthorAgent
		role = "fix"
		if n := len(mctx.ReviewOutcomes); n > 0 {
			feedback = mctx.ReviewOutcomes[n-1].Comment
		}
	}

	sessionID := uuid.New().String()
	header, err := yaml.Marshal(reviewHeader{
		PRNumber: mctx.PRNumber,
		Repo:     mctx.RepoFullName,
		Role:     role,
		Reviewer: reviewer.Agent,
		Feedback: feedback,
	})
	if err != nil {
		c.send(ctx, statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": fmt.Sprintf("serialize task: %v", err)}})
		return
	}

	if err := c.store.CreateSession(sessionID, agent, kind); err != nil {
		c.logger.Warn("failed to record session", zap.Error(err))
	}
	c.auditRecord(ctx, kind+"_dispatched", sessionID, map[string]any{
		"reviewer": reviewer.Agent,
		"agent":    agent,
	})

	// The stream outlives the triggering request.
	events, err := c.sandbox.Submit(context.Background(), sandbox.Task{
		SessionID:    sessionID,
		Instructions: "---\n" + string(header) + "---\n",
		Stream:       true,
		Timeout:      c.cfg.TimeoutSeconds,
		MaxSteps:     c.cfg.MaxSteps,
	})
	if err != nil {
		_ = c.store.CompleteSession(sessionID, false, err.Error())
		c.send(ctx, statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": fmt.Sprintf("sandbox submit: %v", err)}})
		return
	}

	c.send(ctx, statemachine.Event{Type: EventSessionStart, Payload: map[string]any{"session_id": sessionID}})
	go c.consumeStream(sessionID, kind, events)
}

// consumeStream drains one session's event stream. A completed review
// session carries its decision as a "review" artifact (ref = decision,
// message = comment); a completed fix session just finishes.
func (c *Controller) consumeStream(sessionID, kind string, events <-chan *sandbox.Event) {
	var terminal *sandbox.Event
	for ev := range events {
		if ev.IsTerminal() {
			terminal = ev
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Context().CurrentSessionID != sessionID {
		// A stale stream from a superseded session.
		return
	}

	if terminal == nil {
		_ = c.store.CompleteSession(sessionID, false, "stream closed")
		c.send(context.Background(), statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": "session stream closed"}})
		return
	}

	switch terminal.Type {
	case sandbox.EventTimeout:
		_ = c.store.CompleteSession(sessionID, false, "timeout")
		c.send(context.Background(), statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": "session timed out"}})
	case sandbox.EventFailed:
		errMsg := "session failed"
		if terminal.Result != nil && terminal.Result.Error != "" {
			errMsg = terminal.Result.Error
		}
		_ = c.store.CompleteSession(sessionID, false, errMsg)
		c.send(context.Background(), statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": errMsg}})
	case sandbox.EventCompleted:
		if terminal.Result == nil || !terminal.Result.Success {
			errMsg := "session failed"
			if terminal.Result != nil && terminal.Result.Error != "" {
				errMsg = terminal.Result.Error
			}
			_ = c.store.CompleteSession(sessionID, false, errMsg)
			c.send(context.Background(), statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": errMsg}})
			return
		}
		_ = c.store.CompleteSession(sessionID, true, "")
		if kind == "fix" {
			c.send(context.Background(), statemachine.Event{Type: EventFixDone})
			return
		}
		decision, comment, ok := reviewArtifact(terminal.Result)
		if !ok {
			c.send(context.Background(), statemachine.Event{Type: EventSessionFailed, Payload: map[string]any{"error": "review session produced no decision"}})
			return
		}
		c.send(context.Background(), statemachine.Event{Type: EventReviewDone, Payload: map[string]any{
			"decision": decision,
			"comment":  comment,
		}})
	}
}

// reviewArtifact extracts the decision from a completed review session: the
// first "review" artifact's ref is the decision and its message the comment.
func reviewArtifact(result *sandbox.Result) (decision, comment string, ok bool) {
	for i := range result.Artifacts {
		if result.Artifacts[i].Type != "review" {
			continue
		}
		decision = strings.ToLower(strings.TrimSpace(result.Artifacts[i].Ref))
		if decision != DecisionApproved && decision != DecisionChangesRequested {
			return "", "", false
		}
		return decision, result.Artifacts[i].Message, true
	}
	return "", "", false
}

func (c *Controller) armRetryAlarm(delay time.Duration) {
	c.logger.Info("scheduling session retry", zap.Duration("delay", delay))
	c.alarm.Schedule(delay, c.onRetryAlarm)
}

// onRetryAlarm re-dispatches the failed session. Ignored if the machine
// moved past the retryable states.
func (c *Controller) onRetryAlarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.machine.Value()
	if state != StateReviewing && state != StateFixing {
		c.logger.Info("retry alarm ignored", zap.String("state", state))
		return
	}
	c.send(context.Background(), statemachine.Event{Type: EventRetry})
}

// mergePR performs the merge the machine committed to.
func (c *Controller) mergePR(ctx context.Context) {
	mctx := c.machine.Context()
	c.auditRecord(ctx, "merge_attempt", "", map[string]any{
		"pr_number":  mctx.PRNumber,
		"merge_type": mctx.MergeType,
		"method":     c.cfg.MergeMethod,
	})
	if err := c.hostAPI.MergePull(ctx, mctx.RepoFullName, mctx.PRNumber, c.cfg.MergeMethod); err != nil {
		c.logger.Error("merge failed", zap.Int("pr_number", mctx.PRNumber), zap.Error(err))
		c.send(ctx, statemachine.Event{Type: EventMergeFailed, Payload: map[string]any{"error": fmt.Sprintf("merge: %v", err)}})
		return
	}
	c.auditRecord(ctx, "merged", "", map[string]any{
		"pr_number":  mctx.PRNumber,
		"merge_type": mctx.MergeType,
	})
	c.send(ctx, statemachine.Event{Type: EventMerged})
}

func (c *Controller) auditRecord(ctx context.Context, action, sessionID string, details map[string]any) {
	if err := c.audit.Append(ctx, action, c.cfg.EntityRef, sessionID, details); err != nil {
		c.logger.Warn("failed to append audit record", zap.String("action", action), zap.Error(err))
	}
}

// Status is the externally visible machine state.
type Status struct {
	State   string         `json:"state"`
	Context *ReviewContext `json:"context"`
}

// Status returns the current state and context.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *c.machine.Context()
	return Status{State: c.machine.Value(), Context: &copied}
}

// Transitions returns the last 50 recorded transitions.
func (c *Controller) Transitions() ([]Transition, error) {
	return c.store.RecentTransitions(50)
}

// AuditLog returns the most recent audit records for this PR.
func (c *Controller) AuditLog(limit int) ([]audit.Record, error) {
	return c.audit.List(c.cfg.EntityRef, limit)
}

// completeCurrentSession closes the open session row when the completion is
// reported externally rather than through the stream. Must hold c.mu.
func (c *Controller) completeCurrentSession(sessionID string, success bool, errMsg string) {
	if sessionID == "" {
		sessionID = c.machine.Context().CurrentSessionID
	}
	if sessionID == "" {
		return
	}
	if err := c.store.CompleteSession(sessionID, success, errMsg); err != nil {
		c.logger.Warn("failed to complete session", zap.Error(err))
	}
}
