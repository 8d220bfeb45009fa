// Package sandbox defines the RPC surface of the external execution
// sandbox. The orchestrator submits a task and consumes a stream of agent
// events; the sandbox itself (container runtime, agent process) lives
// outside this module.
package sandbox

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Task is a unit of work submitted to the sandbox.
type Task struct {
	SessionID    string `json:"session_id"`
	Instructions string `json:"instructions"`
	Stream       bool   `json:"stream"`
	Timeout      int    `json:"timeout"`   // seconds
	MaxSteps     int    `json:"max_steps"` // agent step budget
}

// Event is one streamed agent event. Terminal events carry a Result.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Result    *Result        `json:"result,omitempty"`
}

// Terminal event types.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
)

// IsTerminal reports whether the event ends the session stream.
func (e *Event) IsTerminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventTimeout:
		return true
	}
	return false
}

// Result is the final outcome of a sandbox session.
type Result struct {
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is an output reference produced by the agent. Types in use:
// "pr" (Ref ends in #<number>), "commit" (Sha, Message).
type Artifact struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Sha     string `json:"sha,omitempty"`
	Message string `json:"message,omitempty"`
}

// PRNumber parses the trailing #<digits> from a pr artifact ref. ok is
// false when the ref carries no number.
func (a *Artifact) PRNumber() (int, bool) {
	idx := strings.LastIndex(a.Ref, "#")
	if idx < 0 || idx == len(a.Ref)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(a.Ref[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Client submits tasks to the sandbox and streams their events. The channel
// is closed after a terminal event (or on context cancellation).
type Client interface {
	Submit(ctx context.Context, task Task) (<-chan *Event, error)
}
