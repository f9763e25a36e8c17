package apm

import (
	"container/list"

	"github.com/splax/tailscope/internal/domain"
)

const defaultEventStoreCapacity = 5000

// eventStore retains processed events keyed by identifier, bounded by
// capacity. The oldest insert is evicted once the cap is reached, so a lookup
// miss after heavy traffic is a normal outcome, not a fault. Reads never
// mutate, so the pipeline can serve them under its read lock.
type eventStore struct {
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type storeEntry struct {
	id    string
	event domain.TelemetryEvent
}

func newEventStore(capacity int) *eventStore {
	if capacity <= 0 {
		capacity = defaultEventStoreCapacity
	}
	return &eventStore{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Put stores or replaces an event. Replacing refreshes its position in the
// eviction order.
func (s *eventStore) Put(event domain.TelemetryEvent) {
	if elem, ok := s.items[event.EventID]; ok {
		elem.Value = storeEntry{id: event.EventID, event: event}
		s.order.MoveToBack(elem)
		return
	}
	s.items[event.EventID] = s.order.PushBack(storeEntry{id: event.EventID, event: event})
	for s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(storeEntry).id)
	}
}

// Get returns the stored event for id.
func (s *eventStore) Get(id string) (domain.TelemetryEvent, bool) {
	elem, ok := s.items[id]
	if !ok {
		return domain.TelemetryEvent{}, false
	}
	return elem.Value.(storeEntry).event, true
}

// Len reports the number of retained events.
func (s *eventStore) Len() int {
	return len(s.items)
}
