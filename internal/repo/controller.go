package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/backlog"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/entity"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/host"
	"github.com/autodev/autodev/internal/model"
	"github.com/autodev/autodev/internal/persistence"
)

const (
	repoContextKey  = "repoContext"
	syncSnapshotKey = "syncState"
)

// HostAPI is the slice of the host client the repo controller uses.
type HostAPI interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*host.Issue, error)
	UpdateIssue(ctx context.Context, repo string, number int, patch host.IssuePatch) (*host.Issue, error)
	CloseIssue(ctx context.Context, repo string, number int) error
	GetFile(ctx context.Context, repo, path, ref string) (*host.File, error)
	CommitFile(ctx context.Context, repo, path string, content []byte, message string, attempts int) error
}

// Config carries the repo controller's identity and sync tuning.
type Config struct {
	RepoFullName     string
	InstallationID   int64
	BacklogPath      string
	ProtectionWindow time.Duration
	CommitRetries    int
}

// RepoContext is the controller identity persisted once per entity.
type RepoContext struct {
	RepoFullName   string `json:"repo_full_name"`
	InstallationID int64  `json:"installation_id"`
}

// ImportResult reports one backlog import.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted"`
}

// syncState is the snapshot mirrored by the stateful-entity base.
type syncState struct {
	LastImportAt time.Time     `json:"last_import_at"`
	LastResult   *ImportResult `json:"last_result,omitempty"`
	ReadyIDs     []string      `json:"ready_ids,omitempty"`
}

// BacklogPush is the payload of a backlog push webhook.
type BacklogPush struct {
	Commit         string   `json:"commit"`
	Files          []string `json:"files"`
	RepoFullName   string   `json:"repo_full_name"`
	InstallationID int64    `json:"installation_id"`
}

// HostIssuePayload is the issue portion of a host webhook.
type HostIssuePayload struct {
	ID     int64  `json:"id"`
	Number int64  `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignee *struct {
		Login string `json:"login"`
	} `json:"assignee"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

// HostIssueEvent is a host issue webhook body.
type HostIssueEvent struct {
	Action string           `json:"action"`
	Issue  HostIssuePayload `json:"issue"`
}

// Controller reconciles host issues, the backlog file and the internal store
// for one repository. Public operations serialize on a single mutex; the
// entity is effectively single-threaded.
type Controller struct {
	mu        sync.Mutex
	store     *Store
	base      *entity.Base
	host      HostAPI
	workflows WorkflowStarter
	cfg       Config
	logger    *logger.Logger
	now       func() time.Time
}

// NewController opens the controller for one repository, persisting its
// RepoContext on first construction and reloading sync state when present.
func NewController(p *persistence.Store, eventBus bus.EventBus, hostAPI HostAPI, workflows WorkflowStarter, cfg Config, log *logger.Logger) (*Controller, error) {
	if cfg.RepoFullName == "" {
		return nil, fmt.Errorf("repo_full_name is required")
	}
	if cfg.BacklogPath == "" {
		cfg.BacklogPath = backlog.DefaultPath
	}
	if cfg.ProtectionWindow <= 0 {
		cfg.ProtectionWindow = 60 * time.Second
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 3
	}

	store, err := NewStore(p)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		store:     store,
		base:      entity.NewBase("repo", cfg.RepoFullName, syncSnapshotKey, p, eventBus, log),
		host:      hostAPI,
		workflows: workflows,
		cfg:       cfg,
		logger:    log.WithEntity("repo", cfg.RepoFullName),
		now:       time.Now,
	}

	if err := c.persistContext(p); err != nil {
		return nil, err
	}
	if _, _, err := c.base.Load(); err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return c, nil
}

func (c *Controller) persistContext(p *persistence.Store) error {
	if _, ok, err := p.GetKV(repoContextKey); err != nil {
		return fmt.Errorf("read repo context: %w", err)
	} else if ok {
		return nil
	}
	data, err := json.Marshal(RepoContext{
		RepoFullName:   c.cfg.RepoFullName,
		InstallationID: c.cfg.InstallationID,
	})
	if err != nil {
		return fmt.Errorf("marshal repo context: %w", err)
	}
	return p.PutKV(repoContextKey, string(data))
}

// Context returns the controller's persisted identity.
func (c *Controller) Context() RepoContext {
	return RepoContext{RepoFullName: c.cfg.RepoFullName, InstallationID: c.cfg.InstallationID}
}

// OnBacklogPush imports the backlog when the push touched it. Pushes that do
// not include the backlog file are ignored.
func (c *Controller) OnBacklogPush(ctx context.Context, push BacklogPush) (*ImportResult, error) {
	touched := false
	for _, f := range push.Files {
		if f == c.cfg.BacklogPath {
			touched = true
			break
		}
	}
	if !touched {
		return &ImportResult{Created: []string{}, Updated: []string{}, Deleted: []string{}}, nil
	}

	file, err := c.host.GetFile(ctx, c.cfg.RepoFullName, c.cfg.BacklogPath, push.Commit)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog at %s: %w", push.Commit, err)
	}
	issues, err := backlog.ParseBytes(file.Content)
	if err != nil {
		return nil, err
	}
	return c.ImportFromBacklog(ctx, issues)
}

// ImportFromBacklog reconciles the parsed backlog against the local store:
// upserts everything present, deletes what disappeared (outside the
// protection window), then starts one development workflow per newly-ready
// issue. The whole import observes a single timestamp.
func (c *Controller) ImportFromBacklog(ctx context.Context, issues []model.Issue) (*ImportResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	readyBefore, err := c.readyIDs()
	if err != nil {
		return nil, err
	}

	meta, err := c.store.AllSyncMeta()
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Created: []string{}, Updated: []string{}, Deleted: []string{}}
	for i := range issues {
		issue := issues[i]
		issue.Normalize()
		_, existed := meta[issue.ID]
		if err := c.store.Upsert(&issue, now); err != nil {
			return nil, err
		}
		if existed {
			result.Updated = append(result.Updated, issue.ID)
		} else {
			result.Created = append(result.Created, issue.ID)
		}
		delete(meta, issue.ID)
	}

	for id, m := range meta {
		if m.LastSyncAt != nil && now.Sub(*m.LastSyncAt) < c.cfg.ProtectionWindow {
			// A freshly synced issue missing from this push is most likely a
			// concurrent-commit race, not a deletion.
			c.logger.Info("skipping deletion inside protection window",
				zap.String("issue_id", id),
				zap.Time("last_sync_at", *m.LastSyncAt))
			continue
		}
		if err := c.store.Delete(id); err != nil && !errors.Is(err, ErrIssueNotFound) {
			return nil, err
		}
		if m.HostNumber != nil {
			if err := c.host.CloseIssue(ctx, c.cfg.RepoFullName, int(*m.HostNumber)); err != nil {
				c.logger.Warn("failed to close host issue for deleted backlog entry",
					zap.String("issue_id", id),
					zap.Int64("host_number", *m.HostNumber),
					zap.Error(err))
			}
		}
		result.Deleted = append(result.Deleted, id)
	}

	if err := c.store.AppendSyncLog("import", map[string]any{
		"created": len(result.Created),
		"updated": len(result.Updated),
		"deleted": len(result.Deleted),
	}); err != nil {
		c.logger.Warn("failed to append sync log", zap.Error(err))
	}

	readyAfter, err := c.triggerNewlyReady(ctx, readyBefore)
	if err != nil {
		return nil, err
	}
	c.snapshotSyncState(now, result, readyAfter)
	return result, nil
}

// triggerNewlyReady diffs the ready set against before and starts one
// workflow per newly-ready issue. Returns the current ready ids.
func (c *Controller) triggerNewlyReady(ctx context.Context, before map[string]bool) ([]string, error) {
	after, err := c.readyIDs()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(after))
	for id := range after {
		ids = append(ids, id)
	}
	for id := range after {
		if before[id] {
			continue
		}
		instanceID := "develop-" + id
		started, err := c.workflows.Start(ctx, instanceID, id)
		if err != nil {
			c.logger.Error("failed to start development workflow",
				zap.String("instance_id", instanceID),
				zap.Error(err))
			continue
		}
		if started {
			c.logger.Info("started development workflow",
				zap.String("instance_id", instanceID),
				zap.String("issue_id", id))
		} else {
			c.logger.Debug("workflow instance already active",
				zap.String("instance_id", instanceID))
		}
	}
	return ids, nil
}

func (c *Controller) readyIDs() (map[string]bool, error) {
	ready, err := c.store.ListReady()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ready))
	for _, i := range ready {
		out[i.ID] = true
	}
	return out, nil
}

func (c *Controller) snapshotSyncState(at time.Time, result *ImportResult, readyIDs []string) {
	data, err := json.Marshal(syncState{LastImportAt: at, LastResult: result, ReadyIDs: readyIDs})
	if err != nil {
		c.logger.Error("failed to marshal sync state", zap.Error(err))
		return
	}
	if err := c.base.OnTransition(data); err != nil {
		c.logger.Error("failed to persist sync state", zap.Error(err))
	}
}

// OnHostIssue upserts a host issue webhook into the local store, then
// commits the refreshed backlog back to the repo. The upsert is idempotent
// on host_number, with a title-match fallback against rows the controller
// created remotely but has not yet stamped with their host number.
func (c *Controller) OnHostIssue(ctx context.Context, event HostIssueEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := event.Issue
	if payload.Number == 0 {
		return fmt.Errorf("host issue payload has no number")
	}

	now := c.now().UTC()
	readyBefore, err := c.readyIDs()
	if err != nil {
		return err
	}

	parsed := ParseHostLabels(labelNames(payload), payload.State)

	local, err := c.store.GetByHostNumber(payload.Number)
	if errors.Is(err, ErrIssueNotFound) {
		local, err = c.store.GetByTitleUnsynced(payload.Title)
		if errors.Is(err, ErrIssueNotFound) {
			local = nil
			err = nil
		}
	}
	if err != nil {
		return err
	}

	issue := model.Issue{
		ID:        fmt.Sprintf("gh-%d", payload.Number),
		CreatedAt: payload.CreatedAt,
	}
	if local != nil {
		issue = *local
	}
	issue.Title = payload.Title
	issue.Description = payload.Body
	issue.Status = parsed.Status
	issue.Priority = parsed.Priority
	issue.IssueType = parsed.IssueType
	issue.Labels = parsed.UserLabels
	issue.UpdatedAt = payload.UpdatedAt
	issue.ClosedAt = payload.ClosedAt
	if payload.Assignee != nil {
		issue.Assignee = payload.Assignee.Login
	} else {
		issue.Assignee = ""
	}
	if issue.Status == model.StatusClosed && issue.ClosedAt == nil {
		issue.ClosedAt = &now
	}
	issue.HostNumber = &payload.Number
	issue.HostID = &payload.ID
	issue.Normalize()

	if err := c.store.Upsert(&issue, now); err != nil {
		return err
	}
	if err := c.store.AppendSyncLog("host_issue", map[string]any{
		"action":      event.Action,
		"issue_id":    issue.ID,
		"host_number": payload.Number,
	}); err != nil {
		c.logger.Warn("failed to append sync log", zap.Error(err))
	}

	c.commitBacklog(ctx, fmt.Sprintf("sync: host issue #%d (%s)", payload.Number, event.Action))

	readyAfter, err := c.triggerNewlyReady(ctx, readyBefore)
	if err != nil {
		return err
	}
	c.snapshotSyncState(now, nil, readyAfter)
	return nil
}

// commitBacklog exports the local store and writes it back to the repo with
// SHA-conflict retries. Local state is authoritative: a final failure is
// logged and the next push reconciles.
func (c *Controller) commitBacklog(ctx context.Context, message string) {
	issues, err := c.store.List()
	if err != nil {
		c.logger.Error("failed to load issues for backlog export", zap.Error(err))
		return
	}
	content, err := backlog.Export(issues)
	if err != nil {
		c.logger.Error("failed to export backlog", zap.Error(err))
		return
	}
	if err := c.host.CommitFile(ctx, c.cfg.RepoFullName, c.cfg.BacklogPath, content, message, c.cfg.CommitRetries); err != nil {
		c.logger.Error("backlog commit failed, awaiting next push to reconcile",
			zap.String("path", c.cfg.BacklogPath),
			zap.Error(err))
	}
}

// CreateHostIssue mirrors a local issue to the host and records its host
// identity.
func (c *Controller) CreateHostIssue(ctx context.Context, id string) (*model.Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if issue.HostNumber != nil {
		return nil, fmt.Errorf("issue %s already synced to host issue #%d", id, *issue.HostNumber)
	}

	created, err := c.host.CreateIssue(ctx, c.cfg.RepoFullName, issue.Title, hostIssueBody(issue), HostLabels(issue))
	if err != nil {
		return nil, fmt.Errorf("create host issue for %s: %w", id, err)
	}

	now := c.now().UTC()
	if err := c.store.SetHostRefs(id, int64(created.Number), created.ID, now); err != nil {
		return nil, err
	}
	if err := c.store.AppendSyncLog("create_host_issue", map[string]any{
		"issue_id":    id,
		"host_number": created.Number,
	}); err != nil {
		c.logger.Warn("failed to append sync log", zap.Error(err))
	}
	return c.store.Get(id)
}

// UpdateHostIssue mirrors the local issue state to its host issue.
func (c *Controller) UpdateHostIssue(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if issue.HostNumber == nil {
		return fmt.Errorf("issue %s has no host issue", id)
	}

	state := "open"
	if issue.Status == model.StatusClosed {
		state = "closed"
	}
	body := hostIssueBody(issue)
	labels := HostLabels(issue)
	patch := host.IssuePatch{
		Title:  &issue.Title,
		Body:   &body,
		State:  &state,
		Labels: &labels,
	}
	if _, err := c.host.UpdateIssue(ctx, c.cfg.RepoFullName, int(*issue.HostNumber), patch); err != nil {
		return fmt.Errorf("update host issue #%d: %w", *issue.HostNumber, err)
	}
	return nil
}

// CloseHostIssue closes a host issue by number.
func (c *Controller) CloseHostIssue(ctx context.Context, number int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.host.CloseIssue(ctx, c.cfg.RepoFullName, number); err != nil {
		return fmt.Errorf("close host issue #%d: %w", number, err)
	}
	return nil
}

// hostIssueBody renders the issue content fields into the host issue body.
func hostIssueBody(issue *model.Issue) string {
	var b strings.Builder
	b.WriteString(issue.Description)
	if issue.Design != "" {
		b.WriteString("\n\n## Design\n\n")
		b.WriteString(issue.Design)
	}
	if issue.AcceptanceCriteria != "" {
		b.WriteString("\n\n## Acceptance Criteria\n\n")
		b.WriteString(issue.AcceptanceCriteria)
	}
	if issue.Notes != "" {
		b.WriteString("\n\n## Notes\n\n")
		b.WriteString(issue.Notes)
	}
	return b.String()
}

func labelNames(payload HostIssuePayload) []string {
	names := make([]string, 0, len(payload.Labels))
	for _, l := range payload.Labels {
		names = append(names, l.Name)
	}
	return names
}

// List returns all issues.
func (c *Controller) List() ([]model.Issue, error) { return c.store.List() }

// ListReady returns open issues with no open blocker.
func (c *Controller) ListReady() ([]model.Issue, error) { return c.store.ListReady() }

// ListBlocked returns issues held back by an open blocker.
func (c *Controller) ListBlocked() ([]model.Issue, error) { return c.store.ListBlocked() }

// Search matches a term against id, title and description.
func (c *Controller) Search(term string) ([]model.Issue, error) { return c.store.Search(term) }

// Get loads one issue.
func (c *Controller) Get(id string) (*model.Issue, error) { return c.store.Get(id) }

// SyncLog returns recent sync operations.
func (c *Controller) SyncLog(limit int) ([]SyncLogEntry, error) { return c.store.SyncLog(limit) }
