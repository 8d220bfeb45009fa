// Package agents exposes the static agent roster the controllers consume by
// ID. Persona instruction text is treated as an opaque blob.
package agents

import "fmt"

// Agent describes one catalog entry.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Tier         string   `json:"tier"`
	Framework    string   `json:"framework"`
	ToolPatterns []string `json:"tool_patterns"`
	Instructions string   `json:"instructions"`
}

// Roster resolves agents by ID.
type Roster interface {
	Lookup(id string) (*Agent, error)
	List() []*Agent
}

// ErrUnknownAgent is returned when an agent ID is not in the catalog.
var ErrUnknownAgent = fmt.Errorf("unknown agent")

// StaticRoster is a fixed in-memory catalog.
type StaticRoster struct {
	byID  map[string]*Agent
	order []*Agent
}

// NewStaticRoster builds a roster from catalog entries.
func NewStaticRoster(entries []*Agent) *StaticRoster {
	r := &StaticRoster{byID: make(map[string]*Agent, len(entries))}
	for _, a := range entries {
		r.byID[a.ID] = a
		r.order = append(r.order, a)
	}
	return r
}

// Lookup returns the agent for an ID.
func (r *StaticRoster) Lookup(id string) (*Agent, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// List returns all agents in catalog order.
func (r *StaticRoster) List() []*Agent {
	return r.order
}

// Connections reports which external apps the acting user has connected, in
// storage-name form. Built-in apps never consult it.
type Connections interface {
	Has(app string) bool
}

// MapConnections is a simple map-backed Connections implementation.
type MapConnections map[string]bool

// Has reports whether the app is connected.
func (m MapConnections) Has(app string) bool {
	return m[app]
}
