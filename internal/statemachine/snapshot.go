package statemachine

import (
	"encoding/json"
	"fmt"
)

// snapshot is the self-describing wire form of a machine:
// {"value": <state>, "context": <context>, "history": [...]}.
type snapshot struct {
	Value   string          `json:"value"`
	Context json.RawMessage `json:"context"`
	History []Record        `json:"history,omitempty"`
}

// Snapshot serializes the machine's current state, context, and history.
func (m *Machine[C]) Snapshot() ([]byte, error) {
	ctxData, err := json.Marshal(m.ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal machine context: %w", err)
	}
	return json.Marshal(snapshot{
		Value:   m.value,
		Context: ctxData,
		History: m.history,
	})
}

// Restore reconstructs a machine from a snapshot. The machine resumes in the
// recorded state; no entry actions are re-fired. ctx must be a pointer into
// which the recorded context is unmarshaled.
func Restore[C any](def Definition[C], ctx C, data []byte) (*Machine[C], error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Value == "" {
		return nil, fmt.Errorf("snapshot has no state value")
	}
	if len(snap.Context) > 0 {
		if err := json.Unmarshal(snap.Context, ctx); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot context: %w", err)
		}
	}
	return &Machine[C]{
		def:     def,
		value:   snap.Value,
		ctx:     ctx,
		history: snap.History,
	}, nil
}
