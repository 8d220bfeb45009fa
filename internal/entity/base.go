// Package entity provides the stateful-entity base shared by the repo,
// issue, and PR controllers: on every state-machine transition the snapshot
// is written synchronously to the entity's local store and mirrored
// asynchronously to the canonical external store.
//
// The mirror is eventually consistent. Controllers are authoritative for
// their own state and never read it back from the mirror.
package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/persistence"
)

const (
	mirrorBaseDelay   = 100 * time.Millisecond
	mirrorMaxDelay    = 100 * time.Second
	mirrorMaxAttempts = 10
)

// Base persists and mirrors state-machine snapshots for one entity.
type Base struct {
	entityType  string
	entityRef   string
	snapshotKey string
	store       *persistence.Store
	bus         bus.EventBus
	logger      *logger.Logger

	mu       sync.Mutex
	snapshot []byte
}

// NewBase creates the base for an entity. snapshotKey is the fixed KV key
// the snapshot lives under (machineState, prState, or syncState).
func NewBase(entityType, entityRef, snapshotKey string, store *persistence.Store, eventBus bus.EventBus, log *logger.Logger) *Base {
	return &Base{
		entityType:  entityType,
		entityRef:   entityRef,
		snapshotKey: snapshotKey,
		store:       store,
		bus:         eventBus,
		logger:      log.WithEntity(entityType, entityRef),
	}
}

// OnTransition records a new snapshot: in-memory copy, synchronous local
// write, then a fire-and-forget mirror that survives the current request.
func (b *Base) OnTransition(snapshot []byte) error {
	b.mu.Lock()
	b.snapshot = append([]byte(nil), snapshot...)
	b.mu.Unlock()

	if err := b.store.PutKV(b.snapshotKey, string(snapshot)); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	go b.mirror(append([]byte(nil), snapshot...))
	return nil
}

// Snapshot returns the last recorded snapshot, or nil.
func (b *Base) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

// Load re-reads the locally persisted snapshot on startup.
func (b *Base) Load() ([]byte, bool, error) {
	value, ok, err := b.store.GetKV(b.snapshotKey)
	if err != nil || !ok {
		return nil, false, err
	}
	data := []byte(value)
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return data, true, nil
}

// mirror writes the snapshot to the canonical store with exponential
// backoff. Each attempt is one idempotent write keyed by
// (entity_type, entity_ref); concurrent mirrors collapse to last-writer-wins
// per key, which is safe because snapshots are monotonic per entity. After
// exhausting retries the failure is logged and dropped; the next transition
// retries.
func (b *Base) mirror(snapshot []byte) {
	subject := fmt.Sprintf("mirror.%s.%s", b.entityType, b.entityRef)
	event := bus.NewEvent("snapshot", "entity", map[string]interface{}{
		"entity_type": b.entityType,
		"entity_ref":  b.entityRef,
		"snapshot":    string(snapshot),
	})

	var lastErr error
	for attempt := 0; attempt < mirrorMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := mirrorBaseDelay << (attempt - 1)
			if delay > mirrorMaxDelay {
				delay = mirrorMaxDelay
			}
			time.Sleep(delay)
		}
		if err := b.bus.Publish(context.Background(), subject, event); err != nil {
			lastErr = err
			continue
		}
		return
	}

	b.logger.Error("snapshot mirror failed, dropping until next transition",
		zap.Int("attempts", mirrorMaxAttempts),
		zap.Error(lastErr))
}
