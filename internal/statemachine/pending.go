package statemachine

// PendingAction is a typed IO request queued by a machine action. The
// hosting controller drains the queue after each transition and performs the
// effect; the machine itself never does IO.
type PendingAction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Queue holds pending actions inside a machine context. Embed it in the
// context struct so it serializes with the snapshot.
type Queue struct {
	PendingActions []PendingAction `json:"pending_actions,omitempty"`
}

// Enqueue appends a pending action.
func (q *Queue) Enqueue(typ string, params map[string]any) {
	q.PendingActions = append(q.PendingActions, PendingAction{Type: typ, Params: params})
}

// Drain removes and returns all pending actions in order.
func (q *Queue) Drain() []PendingAction {
	out := q.PendingActions
	q.PendingActions = nil
	return out
}
