// Package redis is the cluster-wide room cache and event bus.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/core"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Buffer is the per-subscription message backlog.
	Buffer int
}

type Cache struct {
	client goredis.UniversalClient
	buffer int
}

var _ core.SharedCache = (*Cache)(nil)

func New(opts Options) *Cache {
	client := goredis.NewClient(&goredis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return NewWithClient(client, opts.Buffer)
}

func NewWithClient(client goredis.UniversalClient, buffer int) *Cache {
	if buffer <= 0 {
		buffer = 64
	}
	return &Cache{client: client, buffer: buffer}
}

func (c *Cache) Ping(ctx context.Context) error {
	return errors.Wrap(c.client.Ping(ctx).Err(), "redis ping")
}

func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Wrapf(c.client.Set(ctx, key, value, ttl).Err(), "redis set %s", key)
}

func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	return ok, errors.Wrapf(err, "redis setnx %s", key)
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(c.client.Del(ctx, keys...).Err(), "redis del")
}

func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	return errors.Wrapf(c.client.Publish(ctx, channel, payload).Err(), "redis publish %s", channel)
}

// Subscribe waits for the subscription to be confirmed, so nothing published
// after it returns is missed.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) (core.Subscription, error) {
	ps := c.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}
	s := &subscription{ps: ps, out: make(chan []byte, c.buffer), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type subscription struct {
	ps   *goredis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscription) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			default:
				log.Warn().Str("module", "redis").Str("channel", msg.Channel).Msg("subscriber too slow, message dropped")
			}
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
