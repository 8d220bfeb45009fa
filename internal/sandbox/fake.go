package sandbox

import (
	"context"
	"sync"
)

// FakeClient is a scripted sandbox for tests. Each Submit call replays the
// next script in order (the last script repeats when exhausted).
type FakeClient struct {
	mu      sync.Mutex
	scripts [][]*Event
	calls   []Task
}

// NewFakeClient creates a fake sandbox replaying the given event scripts.
func NewFakeClient(scripts ...[]*Event) *FakeClient {
	return &FakeClient{scripts: scripts}
}

// Submit records the task and replays the next script.
func (f *FakeClient) Submit(ctx context.Context, task Task) (<-chan *Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task)
	var script []*Event
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		if len(f.scripts) > 1 {
			f.scripts = f.scripts[1:]
		}
	}
	f.mu.Unlock()

	out := make(chan *Event, len(script)+1)
	for _, ev := range script {
		copied := *ev
		copied.SessionID = task.SessionID
		out <- &copied
	}
	close(out)
	return out, nil
}

// Calls returns the submitted tasks in order.
func (f *FakeClient) Calls() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Task(nil), f.calls...)
}

// CompletedScript is a convenience script: one log event then success with
// the given artifacts.
func CompletedScript(artifacts ...Artifact) []*Event {
	return []*Event{
		{Type: "log", Data: map[string]any{"message": "starting"}},
		{Type: EventCompleted, Result: &Result{Success: true, Artifacts: artifacts}},
	}
}

// FailedScript is a convenience script ending in failure.
func FailedScript(errMsg string) []*Event {
	return []*Event{
		{Type: EventFailed, Result: &Result{Success: false, Error: errMsg}},
	}
}
