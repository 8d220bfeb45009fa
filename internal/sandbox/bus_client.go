package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
)

// BusClient submits tasks over the event bus: the task goes out on
// sandbox.task.submit and events come back on sandbox.session.<id>.events.
type BusClient struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBusClient creates a bus-backed sandbox client.
func NewBusClient(eventBus bus.EventBus, log *logger.Logger) *BusClient {
	return &BusClient{bus: eventBus, logger: log}
}

// Submit publishes the task and returns the session event stream. The
// channel closes after a terminal event or when ctx is done.
func (c *BusClient) Submit(ctx context.Context, task Task) (<-chan *Event, error) {
	if task.SessionID == "" {
		return nil, fmt.Errorf("task session_id is required")
	}

	out := make(chan *Event, 64)
	subject := fmt.Sprintf("sandbox.session.%s.events", task.SessionID)

	sub, err := c.bus.Subscribe(subject, func(ctx context.Context, busEvent *bus.Event) error {
		ev, err := decodeEvent(busEvent)
		if err != nil {
			return err
		}
		select {
		case out <- ev:
		default:
			c.logger.Warn("dropping sandbox event, stream buffer full",
				zap.String("session_id", task.SessionID),
				zap.String("type", ev.Type))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe session events: %w", err)
	}

	submit := bus.NewEvent("task.submit", "sandbox-client", map[string]interface{}{
		"session_id":   task.SessionID,
		"instructions": task.Instructions,
		"stream":       task.Stream,
		"timeout":      task.Timeout,
		"max_steps":    task.MaxSteps,
	})
	if err := c.bus.Publish(ctx, "sandbox.task.submit", submit); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("submit task: %w", err)
	}

	// Forward until terminal; the bus handler above feeds out.
	forwarded := make(chan *Event, 64)
	go func() {
		defer close(forwarded)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-out:
				if !ok {
					return
				}
				forwarded <- ev
				if ev.IsTerminal() {
					return
				}
			}
		}
	}()
	return forwarded, nil
}

func decodeEvent(busEvent *bus.Event) (*Event, error) {
	raw, err := json.Marshal(busEvent.Data)
	if err != nil {
		return nil, fmt.Errorf("encode bus event data: %w", err)
	}
	ev := &Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode sandbox event: %w", err)
	}
	if ev.Type == "" {
		ev.Type = busEvent.Type
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = busEvent.Timestamp
	}
	return ev, nil
}
