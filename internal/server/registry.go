package server

import (
	"net/http"
	"sync"
)

// Registry resolves entity refs to their HTTP handlers, creating each
// controller on first use. Construction is serialized so concurrent requests
// for a new ref share a single controller.
type Registry struct {
	mu    sync.Mutex
	build func(ref string) (http.Handler, error)
	cache map[string]http.Handler
}

// NewRegistry creates a registry around a handler factory.
func NewRegistry(build func(ref string) (http.Handler, error)) *Registry {
	return &Registry{build: build, cache: make(map[string]http.Handler)}
}

// Handler returns the handler for ref, building it on first use.
func (r *Registry) Handler(ref string) (http.Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cache[ref]; ok {
		return h, nil
	}
	h, err := r.build(ref)
	if err != nil {
		return nil, err
	}
	r.cache[ref] = h
	return h, nil
}

// Len returns the number of live entity handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
