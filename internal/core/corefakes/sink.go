package corefakes

import (
	"context"
	"sync"

	"github.com/dkeye/liveclass/internal/domain"
)

// Sink records emitted events.
type Sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *Sink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *Sink) Types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}
