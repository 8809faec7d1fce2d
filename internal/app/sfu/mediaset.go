// Package sfu keeps the per-participant bookkeeping of media engine handles.
package sfu

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

type transportSlot struct {
	handle     core.TransportHandle
	createdAt  time.Time
	connected  bool
	allocating bool
}

// MediaSet holds everything one participant allocated from the engine: at most
// one transport per direction plus its producers and consumers. It is guarded
// by the owning room's lock; once detached it belongs to whoever detached it.
type MediaSet struct {
	slots     map[domain.TransportKind]*transportSlot
	producers map[string]core.ProducerHandle
	consumers map[string]core.ConsumerHandle
}

func NewMediaSet() *MediaSet {
	return &MediaSet{
		slots: map[domain.TransportKind]*transportSlot{
			domain.TransportProducer: {},
			domain.TransportConsumer: {},
		},
		producers: make(map[string]core.ProducerHandle),
		consumers: make(map[string]core.ConsumerHandle),
	}
}

// Transport returns the handle in the slot for kind, if any.
func (m *MediaSet) Transport(kind domain.TransportKind) (core.TransportHandle, bool) {
	s := m.slots[kind]
	if s == nil || s.handle == nil {
		return nil, false
	}
	return s.handle, true
}

// TransportByID resolves id among both slots.
func (m *MediaSet) TransportByID(id string) (core.TransportHandle, bool) {
	for _, s := range m.slots {
		if s.handle != nil && s.handle.ID() == id {
			return s.handle, true
		}
	}
	return nil, false
}

// BeginAllocate reserves an empty slot while the engine call is in flight.
func (m *MediaSet) BeginAllocate(kind domain.TransportKind) bool {
	s := m.slots[kind]
	if s == nil || s.handle != nil || s.allocating {
		return false
	}
	s.allocating = true
	return true
}

func (m *MediaSet) AbortAllocate(kind domain.TransportKind) {
	if s := m.slots[kind]; s != nil {
		s.allocating = false
	}
}

// SetTransport fills a reserved slot.
func (m *MediaSet) SetTransport(t core.TransportHandle, now time.Time) {
	s := m.slots[t.Kind()]
	s.handle = t
	s.createdAt = now
	s.connected = false
	s.allocating = false
}

func (m *MediaSet) MarkConnected(transportID string) bool {
	for _, s := range m.slots {
		if s.handle != nil && s.handle.ID() == transportID {
			s.connected = true
			return true
		}
	}
	return false
}

// AnyConnected reports whether at least one transport finished connecting.
func (m *MediaSet) AnyConnected() bool {
	for _, s := range m.slots {
		if s.handle != nil && s.connected {
			return true
		}
	}
	return false
}

// TakeStaleTransports empties and returns slots whose transport never connected
// and was created before cutoff. Producers or consumers riding on them go too;
// the producers are also returned on their own.
func (m *MediaSet) TakeStaleTransports(cutoff time.Time) (stale []core.Handle, producers []core.ProducerHandle) {
	for kind, s := range m.slots {
		if s.handle == nil || s.connected || !s.createdAt.Before(cutoff) {
			continue
		}
		if kind == domain.TransportProducer {
			for id, p := range m.producers {
				stale = append(stale, p)
				producers = append(producers, p)
				delete(m.producers, id)
			}
		} else {
			for id, c := range m.consumers {
				stale = append(stale, c)
				delete(m.consumers, id)
			}
		}
		stale = append(stale, s.handle)
		s.handle = nil
	}
	return stale, producers
}

func (m *MediaSet) AddProducer(p core.ProducerHandle) { m.producers[p.ID()] = p }

func (m *MediaSet) Producer(id string) (core.ProducerHandle, bool) {
	p, ok := m.producers[id]
	return p, ok
}

func (m *MediaSet) RemoveProducer(id string) (core.ProducerHandle, bool) {
	p, ok := m.producers[id]
	delete(m.producers, id)
	return p, ok
}

// HasProducerKind reports whether another producer of kind remains.
func (m *MediaSet) HasProducerKind(kind domain.MediaKind) bool {
	for _, p := range m.producers {
		if p.Kind() == kind {
			return true
		}
	}
	return false
}

func (m *MediaSet) Producers() []core.ProducerHandle {
	out := make([]core.ProducerHandle, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

func (m *MediaSet) AddConsumer(c core.ConsumerHandle) { m.consumers[c.ID()] = c }

func (m *MediaSet) Consumer(id string) (core.ConsumerHandle, bool) {
	c, ok := m.consumers[id]
	return c, ok
}

// RemoveConsumersOf drops every consumer subscribed to producerID.
func (m *MediaSet) RemoveConsumersOf(producerID string) []core.ConsumerHandle {
	var out []core.ConsumerHandle
	for id, c := range m.consumers {
		if c.ProducerID() == producerID {
			out = append(out, c)
			delete(m.consumers, id)
		}
	}
	return out
}

// HandleIDs lists every id currently held, for owner indexes.
func (m *MediaSet) HandleIDs() []string {
	var out []string
	for _, s := range m.slots {
		if s.handle != nil {
			out = append(out, s.handle.ID())
		}
	}
	for id := range m.producers {
		out = append(out, id)
	}
	for id := range m.consumers {
		out = append(out, id)
	}
	return out
}

func (m *MediaSet) Len() int {
	n := len(m.producers) + len(m.consumers)
	for _, s := range m.slots {
		if s.handle != nil {
			n++
		}
	}
	return n
}

// Closer is the subset of the engine needed to release handles.
type Closer interface {
	Close(ctx context.Context, h core.Handle) error
}

// Close releases producers and consumers before the transports they ride on and
// empties the set, so a second call is a no-op. It returns the closed producers.
func (m *MediaSet) Close(ctx context.Context, engine Closer) ([]core.ProducerHandle, error) {
	var err error
	closed := make([]core.ProducerHandle, 0, len(m.producers))
	for id, p := range m.producers {
		err = multierr.Append(err, engine.Close(ctx, p))
		closed = append(closed, p)
		delete(m.producers, id)
	}
	for id, c := range m.consumers {
		err = multierr.Append(err, engine.Close(ctx, c))
		delete(m.consumers, id)
	}
	for _, s := range m.slots {
		if s.handle != nil {
			err = multierr.Append(err, engine.Close(ctx, s.handle))
			s.handle = nil
			s.connected = false
		}
		s.allocating = false
	}
	return closed, err
}
