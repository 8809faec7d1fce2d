package corefakes

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/liveclass/internal/core"
)

// Cache is an in-memory SharedCache. TTLs are recorded, not enforced.
type Cache struct {
	mu   sync.Mutex
	kv   map[string][]byte
	ttl  map[string]time.Duration
	subs map[string][]*subscription

	// Published records every payload per channel in order.
	Published map[string][][]byte
	// FailPublish makes Publish fail for the listed channels.
	FailPublish map[string]error
	// FailSet makes Set and SetNX fail while other calls succeed.
	FailSet error
	Err     error
}

var _ core.SharedCache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{
		kv:          make(map[string][]byte),
		ttl:         make(map[string]time.Duration),
		subs:        make(map[string][]*subscription),
		Published:   make(map[string][][]byte),
		FailPublish: make(map[string]error),
	}
}

func (c *Cache) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	v, ok := c.kv[key]
	return v, ok, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.FailSet != nil {
		return c.FailSet
	}
	c.kv[key] = append([]byte(nil), value...)
	c.ttl[key] = ttl
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	if c.FailSet != nil {
		return false, c.FailSet
	}
	if _, ok := c.kv[key]; ok {
		return false, nil
	}
	c.kv[key] = append([]byte(nil), value...)
	c.ttl[key] = ttl
	return true, nil
}

// SetFailSet toggles FailSet under the lock.
func (c *Cache) SetFailSet(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailSet = err
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	for _, k := range keys {
		delete(c.kv, k)
		delete(c.ttl, k)
	}
	return nil
}

// TTL returns the ttl last used for key.
func (c *Cache) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl[key]
}

func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	if err := c.FailPublish[channel]; err != nil {
		c.mu.Unlock()
		return err
	}
	c.Published[channel] = append(c.Published[channel], append([]byte(nil), payload...))
	subs := append([]*subscription(nil), c.subs[channel]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.deliver(payload)
	}
	return nil
}

// Messages returns a copy of what was published on channel.
func (c *Cache) Messages(channel string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.Published[channel]...)
}

func (c *Cache) Subscribe(ctx context.Context, channels ...string) (core.Subscription, error) {
	s := &subscription{ch: make(chan []byte, 64), parent: c, channels: channels}
	c.mu.Lock()
	for _, name := range channels {
		c.subs[name] = append(c.subs[name], s)
	}
	c.mu.Unlock()
	return s, nil
}

type subscription struct {
	mu       sync.Mutex
	ch       chan []byte
	closed   bool
	parent   *Cache
	channels []string
}

func (s *subscription) deliver(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- append([]byte(nil), p...):
	default:
	}
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	s.parent.mu.Lock()
	for _, name := range s.channels {
		list := s.parent.subs[name]
		for i, other := range list {
			if other == s {
				s.parent.subs[name] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	s.parent.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
