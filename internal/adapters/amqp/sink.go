// Package amqp hands room events to external collaborators over a rabbitmq
// topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

const publishTimeout = 5 * time.Second

// Publisher is the part of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Sink publishes events one at a time in emit order. Emit never blocks the
// caller on the broker.
type Sink struct {
	pub      Publisher
	exchange string
	pool     *workerpool.WorkerPool
	closers  []func() error
}

var _ core.EventSink = (*Sink)(nil)

func NewSink(pub Publisher, exchange string) *Sink {
	return &Sink{pub: pub, exchange: exchange, pool: workerpool.New(1)}
}

// Dial connects with exponential backoff and declares the topic exchange.
func Dial(ctx context.Context, url, exchange string, maxTries uint) (*Sink, error) {
	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Str("module", "amqp").Msg("connect to rabbitmq failed, retrying")
			return nil, err
		}
		return conn, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}
	log.Info().Str("module", "amqp").Str("exchange", exchange).Msg("connected to rabbitmq")

	s := NewSink(ch, exchange)
	s.closers = []func() error{ch.Close, conn.Close}
	return s, nil
}

// RoutingKey is room.<event type>, e.g. room.participant-joined.
func RoutingKey(ev domain.Event) string { return "room." + string(ev.Type) }

func (s *Sink) Emit(_ context.Context, ev domain.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "amqp").Str("event", string(ev.Type)).Msg("encode event")
		return
	}
	key := RoutingKey(ev)
	s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := s.pub.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Body:         body,
		})
		if err != nil {
			log.Error().Err(err).Str("module", "amqp").Str("room", string(ev.RoomID)).Str("key", key).Msg("publish event")
		}
	})
}

// Close drains queued events, then closes the channel and connection.
func (s *Sink) Close() error {
	s.pool.StopWait()
	var err error
	for _, c := range s.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
