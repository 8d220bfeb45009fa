package host

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
)

const (
	defaultBaseURL = "https://api.github.com"

	commitRetryBase = 500 * time.Millisecond
)

// Sentinel errors surfaced to callers that branch on them.
var (
	// ErrNotFound is returned when the host reports 404 for the target.
	ErrNotFound = errors.New("host: not found")
	// ErrSHAConflict is returned when a contents write loses the
	// compare-and-swap on the file's blob SHA.
	ErrSHAConflict = errors.New("host: sha conflict")
)

// APIError carries a non-2xx host response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("host api error: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the GitHub REST API as an App installation. Every request
// mints a fresh installation token.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	creds          *AppCredentials
	installationID int64
	logger         *logger.Logger
}

// NewClient creates a host client. baseURL may be empty for the public API.
func NewClient(baseURL string, creds *AppCredentials, installationID int64, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		creds:          creds,
		installationID: installationID,
		logger:         log,
	}
}

// do executes one authenticated request and decodes the JSON response into
// out (when non-nil). Non-2xx responses become *APIError, with 404 mapped to
// ErrNotFound.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	token, err := c.creds.InstallationToken(ctx, c.httpClient, c.baseURL, c.installationID)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		msg := extractErrorMessage(raw)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, endpoint)
		}
		c.logger.Debug("host api error",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode))
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s %s: %w", method, endpoint, err)
		}
	}
	return nil
}

func extractErrorMessage(raw []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(raw))
}

// Issue is the host-side representation of an issue.
type Issue struct {
	ID     int64  `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LabelNames flattens the issue's label objects.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// CreateIssue opens an issue with the given labels.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	var issue Issue
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues", repo), payload, &issue); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return &issue, nil
}

// IssuePatch is a partial issue update. Nil fields are left untouched.
type IssuePatch struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	State  *string   `json:"state,omitempty"`
	Labels *[]string `json:"labels,omitempty"`
}

// UpdateIssue applies a partial update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, repo string, number int, patch IssuePatch) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), patch, &issue); err != nil {
		return nil, fmt.Errorf("update issue #%d: %w", number, err)
	}
	return &issue, nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	state := "closed"
	_, err := c.UpdateIssue(ctx, repo, number, IssuePatch{State: &state})
	return err
}

// GetIssue fetches one issue by number.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateComment posts an issue or PR comment.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) error {
	payload := map[string]any{"body": body}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), payload, nil); err != nil {
		return fmt.Errorf("create comment on #%d: %w", number, err)
	}
	return nil
}

// File is a repository file with its blob SHA, used for compare-and-swap
// writes.
type File struct {
	Content []byte
	SHA     string
}

// GetFile fetches a file's decoded content and blob SHA. A missing file
// returns ErrNotFound.
func (c *Client) GetFile(ctx context.Context, repo, path, ref string) (*File, error) {
	endpoint := fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(path))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	var out struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode file content %s: %w", path, err)
	}
	return &File{Content: decoded, SHA: out.SHA}, nil
}

// PutFile writes a file through the contents API. sha must be the current
// blob SHA for updates and empty for creation; a stale sha returns
// ErrSHAConflict.
func (c *Client) PutFile(ctx context.Context, repo, path string, content []byte, message, sha string) error {
	payload := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if sha != "" {
		payload["sha"] = sha
	}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(path)), payload, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusUnprocessableEntity) {
			return fmt.Errorf("%w: %s", ErrSHAConflict, apiErr.Message)
		}
		return fmt.Errorf("put file %s: %w", path, err)
	}
	return nil
}

// CommitFile writes a file with SHA-conflict retries: on each attempt the
// current blob SHA is re-fetched, and a lost compare-and-swap backs off
// 500ms*2^n before retrying, up to the given attempt count.
func (c *Client) CommitFile(ctx context.Context, repo, path string, content []byte, message string, attempts int) error {
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := commitRetryBase << (attempt - 1)
			c.logger.Info("retrying commit after sha conflict",
				zap.String("repo", repo),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		sha := ""
		existing, err := c.GetFile(ctx, repo, path, "")
		switch {
		case err == nil:
			sha = existing.SHA
		case errors.Is(err, ErrNotFound):
			// creating a new file
		default:
			lastErr = err
			continue
		}

		err = c.PutFile(ctx, repo, path, content, message, sha)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrSHAConflict) {
			return err
		}
	}
	return fmt.Errorf("commit %s gave up after %d attempts: %w", path, attempts, lastErr)
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Repo describes a repository; only the fields in use are decoded.
type Repo struct {
	DefaultBranch string `json:"default_branch"`
}

// GetRepo fetches repository metadata.
func (c *Client) GetRepo(ctx context.Context, repo string) (*Repo, error) {
	var out Repo
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s", repo), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBranchHead returns the commit SHA a branch points at.
func (c *Client) GetBranchHead(ctx context.Context, repo, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	endpoint := fmt.Sprintf("/repos/%s/git/ref/heads/%s", repo, url.PathEscape(branch))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

// CreateBranch points a new branch at the given commit SHA.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, sha string) error {
	payload := map[string]any{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repo), payload, nil); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// Pull is the host-side representation of a pull request.
type Pull struct {
	ID     int64  `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	Head   struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// CreatePull opens a pull request from head into base.
func (c *Client) CreatePull(ctx context.Context, repo, title, head, base, body string) (*Pull, error) {
	payload := map[string]any{
		"title": title,
		"head":  head,
		"base":  base,
		"body":  body,
	}
	var pull Pull
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), payload, &pull); err != nil {
		return nil, fmt.Errorf("create pull: %w", err)
	}
	return &pull, nil
}

// GetPull fetches one pull request by number.
func (c *Client) GetPull(ctx context.Context, repo string, number int) (*Pull, error) {
	var pull Pull
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, &pull); err != nil {
		return nil, err
	}
	return &pull, nil
}

// MergePull merges a pull request. method is "merge", "squash" or "rebase";
// empty defaults to "squash".
func (c *Client) MergePull(ctx context.Context, repo string, number int, method string) error {
	if method == "" {
		method = "squash"
	}
	payload := map[string]any{"merge_method": method}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number), payload, nil); err != nil {
		return fmt.Errorf("merge pull #%d: %w", number, err)
	}
	return nil
}

// ListPullFiles returns the changed file paths of a pull request.
func (c *Client) ListPullFiles(ctx context.Context, repo string, number int) ([]string, error) {
	var files []struct {
		Filename string `json:"filename"`
	}
	endpoint := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100", repo, number)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &files); err != nil {
		return nil, fmt.Errorf("list pull files #%d: %w", number, err)
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Filename)
	}
	return paths, nil
}

// RevertPull creates a revert pull request for a merged PR by delegating to
// the host. Falls back to an error the caller records when the host cannot
// revert automatically.
func (c *Client) RevertPull(ctx context.Context, repo string, number int, branch string) (*Pull, error) {
	base, err := c.GetPull(ctx, repo, number)
	if err != nil {
		return nil, fmt.Errorf("load pull #%d for revert: %w", number, err)
	}
	title := fmt.Sprintf("Revert #%d: %s", number, base.Title)
	body := fmt.Sprintf("Automated rollback of #%d.", number)
	return c.CreatePull(ctx, repo, title, branch, base.Base.Ref, body)
}
