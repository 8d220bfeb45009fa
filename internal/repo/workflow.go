package repo

import (
	"context"
	"sync"

	"github.com/autodev/autodev/internal/events/bus"
)

// WorkflowStarter launches development workflow instances for newly-ready
// issues.
type WorkflowStarter interface {
	// Start launches the instance unless one with the same ID is already
	// running or paused. It reports whether a new instance was started.
	Start(ctx context.Context, instanceID, issueID string) (bool, error)
}

// BusStarter publishes workflow starts on the event bus and tracks instance
// liveness so duplicate starts for the same deterministic ID are skipped.
type BusStarter struct {
	bus bus.EventBus

	mu     sync.Mutex
	active map[string]string // instanceID -> running|paused
}

// NewBusStarter creates a bus-backed workflow starter.
func NewBusStarter(eventBus bus.EventBus) *BusStarter {
	return &BusStarter{bus: eventBus, active: make(map[string]string)}
}

// Start publishes a workflow.start event unless the instance is already
// running or paused.
func (s *BusStarter) Start(ctx context.Context, instanceID, issueID string) (bool, error) {
	s.mu.Lock()
	if state, ok := s.active[instanceID]; ok && (state == "running" || state == "paused") {
		s.mu.Unlock()
		return false, nil
	}
	s.active[instanceID] = "running"
	s.mu.Unlock()

	event := bus.NewEvent("workflow.start", "repo-controller", map[string]interface{}{
		"instance_id": instanceID,
		"issue_id":    issueID,
	})
	if err := s.bus.Publish(ctx, "workflow.start", event); err != nil {
		s.mu.Lock()
		delete(s.active, instanceID)
		s.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Pause marks an instance paused; a paused instance still blocks restarts.
func (s *BusStarter) Pause(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[instanceID]; ok {
		s.active[instanceID] = "paused"
	}
}

// Finish clears an instance so its ID may be started again.
func (s *BusStarter) Finish(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, instanceID)
}
