package broadcast

import (
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/model"
)

type storedEvent struct {
	evt   model.BroadcastEvent
	timer clockwork.Timer
}

// eventStore holds persistent events until their TTL elapses or the size cap
// pushes them out.
type eventStore struct {
	clock clockwork.Clock
	limit int

	mu     sync.Mutex
	events map[string]storedEvent
	order  []string // Insertion order of ids in events
}

func newEventStore(clk clockwork.Clock, limit int) *eventStore {
	return &eventStore{
		clock:  clk,
		limit:  limit,
		events: make(map[string]storedEvent),
	}
}

// put stores evt and arms its eviction timer. Returns events pushed out by
// the size cap, and false if evt had already expired and was not stored.
func (s *eventStore) put(evt model.BroadcastEvent, onExpire func(id string)) ([]model.BroadcastEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := evt.ExpiresAt().Sub(s.clock.Now())
	if delay <= 0 {
		return nil, false
	}

	id := evt.ID
	if prev, ok := s.events[id]; ok {
		prev.timer.Stop()
	} else {
		s.order = append(s.order, id)
	}
	// Armed after the insert; the callback blocks on mu until put returns.
	s.events[id] = storedEvent{evt: evt, timer: s.clock.AfterFunc(delay, func() { onExpire(id) })}

	var evicted []model.BroadcastEvent
	for s.limit > 0 && len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		se := s.events[oldest]
		se.timer.Stop()
		delete(s.events, oldest)
		evicted = append(evicted, se.evt)
	}
	return evicted, true
}

// remove deletes an event by id.
func (s *eventStore) remove(id string) (model.BroadcastEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.events[id]
	if !ok {
		return model.BroadcastEvent{}, false
	}
	se.timer.Stop()
	delete(s.events, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return se.evt, true
}

// snapshot returns stored events in insertion order.
func (s *eventStore) snapshot() []model.BroadcastEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.BroadcastEvent, 0, len(s.events))
	for _, id := range s.order {
		out = append(out, s.events[id].evt)
	}
	return out
}

func (s *eventStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// clear stops every timer and empties the store.
func (s *eventStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, se := range s.events {
		se.timer.Stop()
	}
	s.events = make(map[string]storedEvent)
	s.order = nil
}
