// Package backlog reads and writes the in-repo JSON-lines backlog file
// (.beads/issues.jsonl): one issue per line, empty fields omitted, export
// ordered by id.
package backlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/autodev/autodev/internal/model"
)

// DefaultPath is where the backlog lives inside a repository.
const DefaultPath = ".beads/issues.jsonl"

// Parse decodes a JSON-lines backlog. Blank lines are skipped; a malformed
// line fails the whole parse with its line number. Parsed issues are
// normalized (defaults, priority clamp, dependency source fill).
func Parse(r io.Reader) ([]model.Issue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var issues []model.Issue
	seen := make(map[string]int)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var issue model.Issue
		if err := json.Unmarshal([]byte(line), &issue); err != nil {
			return nil, fmt.Errorf("backlog line %d: %w", lineNo, err)
		}
		if issue.ID == "" {
			return nil, fmt.Errorf("backlog line %d: missing id", lineNo)
		}
		if prev, dup := seen[issue.ID]; dup {
			return nil, fmt.Errorf("backlog line %d: duplicate id %q (first seen on line %d)", lineNo, issue.ID, prev)
		}
		seen[issue.ID] = lineNo
		issue.Normalize()
		issues = append(issues, issue)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	return issues, nil
}

// ParseBytes decodes a backlog held in memory.
func ParseBytes(data []byte) ([]model.Issue, error) {
	return Parse(bytes.NewReader(data))
}

// Export encodes issues as a JSON-lines backlog, deterministically ordered
// by id ascending. Sync-only metadata (last_sync_at) is not written; the
// backlog carries the issue graph, not the sync bookkeeping.
func Export(issues []model.Issue) ([]byte, error) {
	sorted := make([]model.Issue, len(issues))
	copy(sorted, issues)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].ID < sorted[b].ID })

	var buf bytes.Buffer
	for i := range sorted {
		issue := sorted[i]
		issue.LastSyncAt = nil
		line, err := json.Marshal(&issue)
		if err != nil {
			return nil, fmt.Errorf("encode issue %s: %w", issue.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
