package host

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/common/logger"
)

// fakeHost wires an httptest server that answers the installation token
// exchange plus whatever routes the test registers.
func fakeHost(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	mux.HandleFunc("POST /app/installations/77/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "ghs_test"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pemStr, _ := testKeyPEM(t, false)
	creds, err := NewAppCredentials(1234, pemStr)
	require.NoError(t, err)

	client := NewClient(srv.URL, creds, 77, logger.NewTestLogger())
	client.httpClient = srv.Client()
	return client
}

func TestCreateIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghs_test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Fix the flaky importer", body["title"])
		assert.ElementsMatch(t, []any{"P1", "type:bug"}, body["labels"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 9001, "number": 42, "title": "Fix the flaky importer", "state": "open"}`))
	})
	client := fakeHost(t, mux)

	issue, err := client.CreateIssue(context.Background(), "acme/widgets", "Fix the flaky importer", "details", []string{"P1", "type:bug"})
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, int64(9001), issue.ID)
}

func TestUpdateIssueOmitsNilFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /repos/acme/widgets/issues/42", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"state": "closed"}, body)
		_, _ = w.Write([]byte(`{"number": 42, "state": "closed"}`))
	})
	client := fakeHost(t, mux)

	require.NoError(t, client.CloseIssue(context.Background(), "acme/widgets", 42))
}

func TestGetFileNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/contents/missing.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})
	client := fakeHost(t, mux)

	_, err := client.GetFile(context.Background(), "acme/widgets", "missing.json", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFileDecodesContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/contents/docs/plan.md", func(w http.ResponseWriter, r *http.Request) {
		content := base64.StdEncoding.EncodeToString([]byte("hello\n"))
		_ = json.NewEncoder(w).Encode(map[string]string{"content": content, "sha": "abc123"})
	})
	client := fakeHost(t, mux)

	file, err := client.GetFile(context.Background(), "acme/widgets", "docs/plan.md", "")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(file.Content))
	assert.Equal(t, "abc123", file.SHA)
}

func TestCommitFileRetriesOnSHAConflict(t *testing.T) {
	var puts atomic.Int32
	currentSHA := "stale"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/contents/backlog.jsonl", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"content": base64.StdEncoding.EncodeToString([]byte("old")),
			"sha":     currentSHA,
		})
	})
	mux.HandleFunc("PUT /repos/acme/widgets/contents/backlog.jsonl", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if puts.Add(1) == 1 {
			// First write loses the race; a concurrent writer moved the SHA.
			currentSHA = "fresh"
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message": "is at fresh but expected stale"}`))
			return
		}
		assert.Equal(t, "fresh", body["sha"])
		_, _ = w.Write([]byte(`{}`))
	})
	client := fakeHost(t, mux)

	err := client.CommitFile(context.Background(), "acme/widgets", "backlog.jsonl", []byte("new"), "sync backlog", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), puts.Load())
}

func TestCommitFileGivesUpAfterAttempts(t *testing.T) {
	var puts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/contents/backlog.jsonl", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "", "sha": "s1"})
	})
	mux.HandleFunc("PUT /repos/acme/widgets/contents/backlog.jsonl", func(w http.ResponseWriter, r *http.Request) {
		puts.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message": "conflict"}`))
	})
	client := fakeHost(t, mux)

	err := client.CommitFile(context.Background(), "acme/widgets", "backlog.jsonl", []byte("new"), "sync backlog", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSHAConflict)
	assert.Equal(t, int32(3), puts.Load())
}

func TestCreateAndMergePull(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "develop-issue-7", body["head"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 11, "state": "open", "head": {"ref": "develop-issue-7", "sha": "deadbeef"}, "base": {"ref": "main"}}`))
	})
	mux.HandleFunc("PUT /repos/acme/widgets/pulls/11/merge", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "squash", body["merge_method"])
		_, _ = w.Write([]byte(`{"merged": true}`))
	})
	client := fakeHost(t, mux)

	pull, err := client.CreatePull(context.Background(), "acme/widgets", "Fix importer", "develop-issue-7", "main", "closes #7")
	require.NoError(t, err)
	assert.Equal(t, 11, pull.Number)

	require.NoError(t, client.MergePull(context.Background(), "acme/widgets", 11, ""))
}

func TestListPullFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/pulls/11/files", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"filename": "internal/auth/token.go"}, {"filename": "README.md"}]`))
	})
	client := fakeHost(t, mux)

	files, err := client.ListPullFiles(context.Background(), "acme/widgets", 11)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/auth/token.go", "README.md"}, files)
}

func TestCreateBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/widgets/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refs/heads/rollback-pr-11", body["ref"])
		assert.Equal(t, "deadbeef", body["sha"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	client := fakeHost(t, mux)

	require.NoError(t, client.CreateBranch(context.Background(), "acme/widgets", "rollback-pr-11", "deadbeef"))
}
