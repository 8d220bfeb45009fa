package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/persistence"
)

func newTestBase(t *testing.T, eventBus bus.EventBus) (*Base, *persistence.Store) {
	t.Helper()
	p, err := persistence.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return NewBase("issue", "todo-a", "machineState", p, eventBus, logger.NewTestLogger()), p
}

func TestOnTransitionPersistsLocally(t *testing.T) {
	b, p := newTestBase(t, bus.NewMemoryEventBus(logger.NewTestLogger()))

	require.NoError(t, b.OnTransition([]byte(`{"value":"executing"}`)))
	assert.Equal(t, []byte(`{"value":"executing"}`), b.Snapshot())

	value, ok, err := p.GetKV("machineState")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"value":"executing"}`, value)
}

func TestLoadRestoresSnapshot(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.NewTestLogger())
	b, p := newTestBase(t, eventBus)
	require.NoError(t, b.OnTransition([]byte(`{"value":"blocked"}`)))

	fresh := NewBase("issue", "todo-a", "machineState", p, eventBus, logger.NewTestLogger())
	data, ok, err := fresh.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"value":"blocked"}`, string(data))
	assert.Equal(t, data, fresh.Snapshot())
}

func TestLoadWithoutSnapshot(t *testing.T) {
	b, _ := newTestBase(t, bus.NewMemoryEventBus(logger.NewTestLogger()))
	_, ok, err := b.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMirrorPublishesToEntitySubject(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.NewTestLogger())
	b, _ := newTestBase(t, eventBus)

	var mu sync.Mutex
	var got []*bus.Event
	_, err := eventBus.Subscribe("mirror.issue.todo-a", func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.OnTransition([]byte(`{"value":"done"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "snapshot", got[0].Type)
	assert.Equal(t, `{"value":"done"}`, got[0].Data["snapshot"])
	assert.Equal(t, "issue", got[0].Data["entity_type"])
	assert.Equal(t, "todo-a", got[0].Data["entity_ref"])
}

// A dead mirror target never fails the local write.
func TestMirrorFailureDoesNotFailTransition(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.NewTestLogger())
	eventBus.Close()
	b, p := newTestBase(t, eventBus)

	require.NoError(t, b.OnTransition([]byte(`{"value":"executing"}`)))
	_, ok, err := p.GetKV("machineState")
	require.NoError(t, err)
	assert.True(t, ok)
}
