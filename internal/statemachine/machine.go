// Package statemachine implements pure, event-driven state machines whose
// snapshots serialize to JSON.
//
// Definitions map (state, event) pairs to guarded transitions. Actions are
// names, not functions: an action that only rearranges context is applied by
// a registered applier, and an action that needs IO appends a typed record to
// the context's pending-action queue instead of performing the effect. The
// hosting controller drains that queue after every Send and executes each
// record, which keeps the machine deterministic and testable in isolation.
package statemachine

import (
	"fmt"
)

// EventType identifies an input event.
type EventType string

// Event is an input to the machine.
type Event struct {
	Type    EventType
	Payload map[string]any
}

// ActionName labels a declarative action fired on a transition.
type ActionName string

// Transition is a guarded edge of the machine. A nil Guard always passes.
// Target equal to the current state is an internal transition: actions run,
// the state does not change.
type Transition[C any] struct {
	Target  string
	Guard   func(c C, ev Event) bool
	Actions []ActionName
}

// Definition declares a machine: an initial state, per-state transition
// tables, wildcard transitions legal in any non-terminal state, and the
// appliers that interpret action names as pure context mutations.
type Definition[C any] struct {
	ID       string
	Initial  string
	States   map[string]map[EventType][]Transition[C]
	AnyState map[EventType][]Transition[C]
	Appliers map[ActionName]func(c C, ev Event)
	// Terminals lists states that accept no further events.
	Terminals []string
}

// Record is one handled transition, kept in machine history.
type Record struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event EventType `json:"event"`
}

// historyLimit bounds the serialized history.
const historyLimit = 50

// Machine is a running instance of a Definition over context C. C must be a
// pointer to a JSON-serializable struct.
type Machine[C any] struct {
	def     Definition[C]
	value   string
	ctx     C
	history []Record
}

// New creates a machine in the definition's initial state.
func New[C any](def Definition[C], ctx C) *Machine[C] {
	return &Machine[C]{def: def, value: def.Initial, ctx: ctx}
}

// Value returns the current state name.
func (m *Machine[C]) Value() string {
	return m.value
}

// Context returns the machine context.
func (m *Machine[C]) Context() C {
	return m.ctx
}

// History returns the recorded transitions, oldest first.
func (m *Machine[C]) History() []Record {
	return m.history
}

// InTerminal reports whether the machine is in a terminal state.
func (m *Machine[C]) InTerminal() bool {
	for _, t := range m.def.Terminals {
		if m.value == t {
			return true
		}
	}
	return false
}

// Can reports whether the event would be handled in the current state.
func (m *Machine[C]) Can(ev Event) bool {
	_, ok := m.selectTransition(ev)
	return ok
}

// Send processes one event. It returns whether the state changed and the
// action names that fired. Unhandled events are ignored (changed=false, no
// actions), matching the tolerant webhook-driven environment the machines
// run in.
func (m *Machine[C]) Send(ev Event) (changed bool, fired []ActionName) {
	if m.InTerminal() {
		return false, nil
	}
	tr, ok := m.selectTransition(ev)
	if !ok {
		return false, nil
	}

	for _, name := range tr.Actions {
		if apply, ok := m.def.Appliers[name]; ok {
			apply(m.ctx, ev)
		}
		fired = append(fired, name)
	}

	from := m.value
	if tr.Target != "" && tr.Target != m.value {
		m.value = tr.Target
		changed = true
	}
	m.history = append(m.history, Record{From: from, To: m.value, Event: ev.Type})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return changed, fired
}

// selectTransition picks the first transition whose guard passes, checking
// the current state's table before the wildcard table.
func (m *Machine[C]) selectTransition(ev Event) (Transition[C], bool) {
	if state, ok := m.def.States[m.value]; ok {
		if trs, ok := state[ev.Type]; ok {
			for _, tr := range trs {
				if tr.Guard == nil || tr.Guard(m.ctx, ev) {
					return tr, true
				}
			}
		}
	}
	if trs, ok := m.def.AnyState[ev.Type]; ok {
		for _, tr := range trs {
			if tr.Guard == nil || tr.Guard(m.ctx, ev) {
				return tr, true
			}
		}
	}
	return Transition[C]{}, false
}

// validate sanity-checks transition targets against declared states.
func (d Definition[C]) validate() error {
	known := func(s string) bool {
		if _, ok := d.States[s]; ok {
			return true
		}
		for _, t := range d.Terminals {
			if s == t {
				return true
			}
		}
		return false
	}
	for state, table := range d.States {
		for evt, trs := range table {
			for _, tr := range trs {
				if tr.Target != "" && !known(tr.Target) {
					return fmt.Errorf("state %q event %q targets unknown state %q", state, evt, tr.Target)
				}
			}
		}
	}
	return nil
}

// Validate checks the definition for dangling transition targets.
func Validate[C any](def Definition[C]) error {
	return def.validate()
}
