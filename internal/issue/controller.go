package issue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/autodev/autodev/internal/agents"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/entity"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/persistence"
	"github.com/autodev/autodev/internal/sandbox"
	"github.com/autodev/autodev/internal/statemachine"
)

const machineSnapshotKey = "machineState"

// ErrAlreadyAssigned is returned when assign is called outside idle.
var ErrAlreadyAssigned = errors.New("agent already assigned")

// Config tunes one issue controller.
type Config struct {
	EntityRef      string
	TimeoutSeconds int
	MaxSteps       int
	MaxRetries     int
}

// AssignRequest is the assign-agent payload.
type AssignRequest struct {
	Agent              string   `json:"agent"`
	Credential         string   `json:"credential"`
	IssueID            string   `json:"issue_id"`
	Repo               string   `json:"repo"`
	InstallationID     int64    `json:"installation_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	Design             string   `json:"design"`
	RequiredTools      []string `json:"required_tools"`
}

// Controller drives one issue through agent execution. All public operations
// serialize on a single mutex; the entity is single-threaded.
type Controller struct {
	mu      sync.Mutex
	machine *statemachine.Machine[*ExecContext]
	agent   *agents.Agent

	base    *entity.Base
	store   *Store
	roster  agents.Roster
	conns   agents.Connections
	sandbox sandbox.Client
	alarm   *persistence.AlarmScheduler
	hub     *Hub
	cfg     Config
	logger  *logger.Logger
}

// NewController opens the controller for one issue, resuming from a local
// snapshot when one exists.
func NewController(p *persistence.Store, eventBus bus.EventBus, roster agents.Roster, conns agents.Connections, sandboxClient sandbox.Client, cfg Config, log *logger.Logger) (*Controller, error) {
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

	store, err := NewStore(p)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		base:    entity.NewBase("issue", cfg.EntityRef, machineSnapshotKey, p, eventBus, log),
		store:   store,
		roster:  roster,
		conns:   conns,
		sandbox: sandboxClient,
		alarm:   persistence.NewAlarmScheduler(),
		hub:     NewHub(),
		cfg:     cfg,
		logger:  log.WithEntity("issue", cfg.EntityRef),
	}

	snapshot, ok, err := c.base.Load()
	if err != nil {
		return nil, fmt.Errorf("load machine snapshot: %w", err)
	}
	if ok {
		machine, err := statemachine.Restore(Definition(), &ExecContext{}, snapshot)
		if err != nil {
			return nil, fmt.Errorf("restore machine: %w", err)
		}
		c.machine = machine
		if id := machine.Context().AssignedAgent; id != "" {
			if agent, err := roster.Lookup(id); err == nil {
				c.agent = agent
			}
		}
	} else {
		c.machine = NewMachine(cfg.MaxRetries)
	}
	return c, nil
}

// AssignAgent starts execution for an issue. Only legal in idle;
// re-assignment is rejected.
func (c *Controller) AssignAgent(ctx context.Context, req AssignRequest) (*agents.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.machine.Value() != StateIdle {
		return nil, fmt.Errorf("%w: state is %s", ErrAlreadyAssigned, c.machine.Value())
	}
	agent, err := c.roster.Lookup(req.Agent)
	if err != nil {
		return nil, err
	}
	c.agent = agent

	c.send(ctx, statemachine.Event{Type: EventAssignAgent, Payload: map[string]any{
		"agent":               req.Agent,
		"credential":          req.Credential,
		"issue_id":            req.IssueID,
		"repo":                req.Repo,
		"installation_id":     req.InstallationID,
		"title":               req.Title,
		"description":         req.Description,
		"acceptance_criteria": req.AcceptanceCriteria,
		"design":              req.Design,
		"required_tools":      req.RequiredTools,
		"max_retries":         c.cfg.MaxRetries,
	}})
	return agent, nil
}

// Cancel drives the machine to failed with last_error = "Cancelled". Legal
// in any non-terminal state; a no-op afterwards.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarm.Cancel()
	c.send(ctx, statemachine.Event{Type: EventCancel})
}

// send pushes one event through the machine, records the transition,
// persists the snapshot and executes queued IO. Must hold c.mu. Pending
// actions may feed further events back in synchronously.
func (c *Controller) send(ctx context.Context, ev statemachine.Event) {
	from := c.machine.Value()
	changed, _ := c.machine.Send(ev)
	to := c.machine.Value()

	if changed || from != to {
		c.broadcastState()
	}
	if err := c.store.RecordTransition(from, to, string(ev.Type)); err != nil {
		c.logger.Warn("failed to record transition", zap.Error(err))
	}
	c.persistSnapshot()

	for _, action := range c.machine.Context().Drain() {
		c.execute(ctx, action)
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
	case ActionCheckTools:
		c.runToolCheck(ctx)
	case ActionExecuteTask:
		c.dispatchExecution(ctx)
	case ActionScheduleAlarm:
		delayMS, _ := action.Params["delay_ms"].(int)
		if delayMS <= 0 {
			if f, ok := action.Params["delay_ms"].(float64); ok {
				delayMS = int(f)
			}
		}
		c.armRetryAlarm(time.Duration(delayMS) * time.Millisecond)
	case ActionVerifyResults:
		c.runVerification(ctx)
	default:
		c.logger.Warn("unknown pending action", zap.String("type", action.Type))
	}
}

func (c *Controller) runToolCheck(ctx context.Context) {
	mctx := c.machine.Context()
	patterns := []string{}
	if c.agent != nil {
		patterns = c.agent.ToolPatterns
	}
	check := CheckTools(mctx.RequiredTools, patterns, c.conns)
	if err := c.store.RecordToolCheck(mctx.AssignedAgent, mctx.RequiredTools, check); err != nil {
		c.logger.Warn("failed to record tool check", zap.Error(err))
	}

	if len(check.Missing) == 0 {
		c.send(ctx, statemachine.Event{Type: EventToolsReady, Payload: map[string]any{"available": check.Available}})
	} else {
		c.logger.Info("required tools missing", zap.Strings("missing", check.Missing))
		c.send(ctx, statemachine.Event{Type: EventToolsMissing, Payload: map[string]any{"missing": check.Missing}})
	}
}

// taskHeader is the YAML block prefixed to the agent instructions.
type taskHeader struct {
	IssueID            string `yaml:"issue_id"`
	Repo               string `yaml:"repo"`
	Title              string `yaml:"title"`
	Description        string `yaml:"description,omitempty"`
	AcceptanceCriteria string `yaml:"acceptance_criteria,omitempty"`
	Design             string `yaml:"design,omitempty"`
}

func (c *Controller) dispatchExecution(ctx context.Context) {
	mctx := c.machine.Context()
	sessionID := uuid.New().String()

	header, err := yaml.Marshal(taskHeader{
		IssueID:            mctx.IssueID,
		Repo:               mctx.Repo,
		Title:              mctx.Title,
		Description:        mctx.Description,
		AcceptanceCriteria: mctx.AcceptanceCriteria,
		Design:             mctx.Design,
	})
	if err != nil {
		c.send(ctx, statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": fmt.Sprintf("serialize task: %v", err)}})
		return
	}
	instructions := "---\n" + string(header) + "---\n\n"
	if c.agent != nil {
		instructions += c.agent.Instructions
	}

	if err := c.store.CreateSession(sessionID, mctx.AssignedAgent); err != nil {
		c.logger.Warn("failed to record session", zap.Error(err))
	}

	// The stream outlives the triggering request.
	events, err := c.sandbox.Submit(context.Background(), sandbox.Task{
		SessionID:    sessionID,
		Instructions: instructions,
		Stream:       true,
		Timeout:      c.cfg.TimeoutSeconds,
		MaxSteps:     c.cfg.MaxSteps,
	})
	if err != nil {
		c.send(ctx, statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": fmt.Sprintf("sandbox submit: %v", err)}})
		return
	}

	c.send(ctx, statemachine.Event{Type: EventStartExecution, Payload: map[string]any{"session_id": sessionID}})
	go c.consumeStream(sessionID, events)
}

// consumeStream drains one session's event stream and re-enters the
// controller per event.
func (c *Controller) consumeStream(sessionID string, events <-chan *sandbox.Event) {
	terminal := false
	for ev := range events {
		c.onAgentEvent(sessionID, ev)
		if ev.IsTerminal() {
			terminal = true
		}
	}
	if !terminal {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.machine.Context().SessionID != sessionID {
			return
		}
		c.logger.Warn("session stream closed without terminal event", zap.String("session_id", sessionID))
		_ = c.store.CompleteSession(sessionID, false, "stream closed")
		c.send(context.Background(), statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": "session stream closed"}})
	}
}

func (c *Controller) onAgentEvent(sessionID string, ev *sandbox.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.AppendAgentEvent(sessionID, ev.Type, ev.Data); err != nil {
		c.logger.Warn("failed to persist agent event", zap.Error(err))
	}
	c.hub.Broadcast(map[string]any{
		"type":       "agent_event",
		"session_id": sessionID,
		"event_type": ev.Type,
		"data":       ev.Data,
	})

	if !ev.IsTerminal() {
		return
	}
	if c.machine.Context().SessionID != sessionID {
		// A stale stream from a superseded session.
		c.logger.Info("ignoring terminal event from stale session", zap.String("session_id", sessionID))
		return
	}

	switch ev.Type {
	case sandbox.EventTimeout:
		_ = c.store.CompleteSession(sessionID, false, "timeout")
		c.send(context.Background(), statemachine.Event{Type: EventTimeout})
	case sandbox.EventFailed:
		errMsg := "execution failed"
		if ev.Result != nil && ev.Result.Error != "" {
			errMsg = ev.Result.Error
		}
		_ = c.store.CompleteSession(sessionID, false, errMsg)
		c.send(context.Background(), statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": errMsg}})
	case sandbox.EventCompleted:
		if ev.Result == nil || !ev.Result.Success {
			errMsg := "execution failed"
			if ev.Result != nil && ev.Result.Error != "" {
				errMsg = ev.Result.Error
			}
			_ = c.store.CompleteSession(sessionID, false, errMsg)
			c.send(context.Background(), statemachine.Event{Type: EventFailed, Payload: map[string]any{"error": errMsg}})
			return
		}
		_ = c.store.CompleteSession(sessionID, true, "")
		payload := extractArtifacts(ev.Result)
		c.send(context.Background(), statemachine.Event{Type: EventCompleted, Payload: payload})
	}
}

// extractArtifacts maps a sandbox result onto the COMPLETED payload:
// pr_number from the first pr artifact, commits from commit artifacts, and
// zeroed test results by default.
func extractArtifacts(result *sandbox.Result) map[string]any {
	payload := map[string]any{"test_results": TestResults{}}
	var commits []Commit
	for i := range result.Artifacts {
		artifact := result.Artifacts[i]
		switch artifact.Type {
		case "pr":
			if _, ok := payload["pr_number"]; !ok {
				if n, ok := artifact.PRNumber(); ok {
					payload["pr_number"] = n
				}
			}
		case "commit":
			commits = append(commits, Commit{Sha: artifact.Sha, Message: artifact.Message})
		}
	}
	if commits != nil {
		payload["commits"] = commits
	}
	return payload
}

func (c *Controller) armRetryAlarm(delay time.Duration) {
	c.logger.Info("scheduling execution retry", zap.Duration("delay", delay))
	c.alarm.Schedule(delay, c.onRetryAlarm)
}

// onRetryAlarm fires the single-shot retry. If the machine moved on, the
// alarm is ignored.
func (c *Controller) onRetryAlarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Value() != StateExecuting {
		c.logger.Info("retry alarm ignored, machine left executing",
			zap.String("state", c.machine.Value()))
		return
	}
	c.send(context.Background(), statemachine.Event{Type: EventRetry})
}

// runVerification performs the ordered checks: PR exists, tests did not
// fail, at least one commit. The first failure rejects the result.
func (c *Controller) runVerification(ctx context.Context) {
	mctx := c.machine.Context()
	reject := func(reason string) {
		if err := c.store.RecordVerification(mctx.SessionID, false, reason); err != nil {
			c.logger.Warn("failed to record verification", zap.Error(err))
		}
		c.send(ctx, statemachine.Event{Type: EventRejected, Payload: map[string]any{"reason": reason}})
	}

	if mctx.PRNumber <= 0 {
		reject("no pull request was created")
		return
	}
	if mctx.TestResults.Failed > 0 {
		reject(fmt.Sprintf("%d tests failed", mctx.TestResults.Failed))
		return
	}
	if len(mctx.Commits) == 0 {
		reject("no commits were produced")
		return
	}
	if err := c.store.RecordVerification(mctx.SessionID, true, ""); err != nil {
		c.logger.Warn("failed to record verification", zap.Error(err))
	}
	c.send(ctx, statemachine.Event{Type: EventVerified})
}

func (c *Controller) broadcastState() {
	c.hub.Broadcast(map[string]any{
		"type":    "state",
		"state":   c.machine.Value(),
		"context": c.machine.Context(),
	})
}

// Status is the externally visible machine state.
type Status struct {
	State         string       `json:"state"`
	Context       *ExecContext `json:"context"`
	CanTransition []string     `json:"can_transition"`
}

// Status returns the current state, context and acceptable events.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *c.machine.Context()
	var can []string
	for _, ev := range []statemachine.EventType{
		EventAssignAgent, EventToolsReady, EventToolsMissing, EventStartExecution,
		EventCompleted, EventFailed, EventTimeout, EventRetry,
		EventVerified, EventRejected, EventCancel,
	} {
		if c.machine.Can(statemachine.Event{Type: ev}) {
			can = append(can, string(ev))
		}
	}
	return Status{State: c.machine.Value(), Context: &copied, CanTransition: can}
}

// Logs bundles the recent activity the logs endpoint reports.
type Logs struct {
	Sessions      []Session         `json:"sessions"`
	ToolChecks    []ToolCheckRecord `json:"tool_checks"`
	Verifications []Verification    `json:"verifications"`
}

// Logs returns the last N sessions, tool checks and verifications.
func (c *Controller) Logs(limit int) (*Logs, error) {
	sessions, err := c.store.RecentSessions(limit)
	if err != nil {
		return nil, err
	}
	checks, err := c.store.RecentToolChecks(limit)
	if err != nil {
		return nil, err
	}
	verifications, err := c.store.RecentVerifications(limit)
	if err != nil {
		return nil, err
	}
	return &Logs{Sessions: sessions, ToolChecks: checks, Verifications: verifications}, nil
}

// Transitions returns the last 50 recorded transitions.
func (c *Controller) Transitions() ([]Transition, error) {
	return c.store.RecentTransitions(50)
}

// SessionEvents returns all persisted agent events for one session.
func (c *Controller) SessionEvents(sessionID string) ([]AgentEvent, error) {
	return c.store.SessionEvents(sessionID)
}

// Hub exposes the real-time subscriber hub.
func (c *Controller) Hub() *Hub {
	return c.hub
}
