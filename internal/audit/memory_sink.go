package audit

import (
	"context"
	"sync"
)

// MemorySink keeps events in memory (development/testing use).
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Count returns how many events of type t were recorded; an empty t
// counts all.
func (s *MemorySink) Count(t EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == "" {
		return len(s.events)
	}
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
