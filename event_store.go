package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/btree"
)

// EventStore persists execution logs. It is the only storage the engine
// requires: append one event, read back every event of an execution in
// sequence order.
type EventStore interface {
	// Append persists ev. Sequence numbers of one execution must be strictly
	// increasing; stores reject anything else with ErrOutOfOrder.
	Append(ctx context.Context, ev ExecutionEvent) error

	// ReadAll returns the events of id ordered by sequence, or
	// ErrExecutionNotFound.
	ReadAll(ctx context.Context, id ExecutionID) ([]ExecutionEvent, error)
}

func eventLess(a, b ExecutionEvent) bool {
	return a.Sequence < b.Sequence
}

// MemoryEventStore provides an in-memory implementation of EventStore for
// testing or scenarios where persistence is not required.
type MemoryEventStore struct {
	mu   sync.RWMutex
	logs map[ExecutionID]*btree.BTreeG[ExecutionEvent]
}

// NewMemoryEventStore creates a new in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		logs: make(map[ExecutionID]*btree.BTreeG[ExecutionEvent]),
	}
}

// Append stores ev in memory.
func (m *MemoryEventStore) Append(_ context.Context, ev ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events, ok := m.logs[ev.ExecutionID]
	if !ok {
		events = btree.NewBTreeG(eventLess)
		m.logs[ev.ExecutionID] = events
	}
	if last, ok := events.Max(); ok && ev.Sequence <= last.Sequence {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, ev.Sequence, last.Sequence)
	}
	events.Set(ev)
	return nil
}

// ReadAll returns a copy of the events of id.
func (m *MemoryEventStore) ReadAll(_ context.Context, id ExecutionID) ([]ExecutionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return events.Items(), nil
}

// Executions returns the ids of every stored execution.
func (m *MemoryEventStore) Executions() []ExecutionID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ExecutionID, 0, len(m.logs))
	for id := range m.logs {
		ids = append(ids, id)
	}
	return ids
}
