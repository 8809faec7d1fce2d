package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveclass/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	keys []string
	msgs []amqp.Publishing
	fail error
}

func (r *recorder) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.keys = append(r.keys, exchange+"/"+key)
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestEmitPublishesInOrder(t *testing.T) {
	rec := &recorder{}
	s := NewSink(rec, "liveclass")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	s.Emit(context.Background(), domain.Event{Type: domain.EventRoomStarted, RoomID: "r1", At: at})
	s.Emit(context.Background(), domain.Event{Type: domain.EventParticipantJoined, RoomID: "r1", UserID: "alice", At: at})
	s.Emit(context.Background(), domain.Event{Type: domain.EventRoomEnded, RoomID: "r1", At: at})
	require.NoError(t, s.Close())

	assert.Equal(t, []string{
		"liveclass/room.room-started",
		"liveclass/room.participant-joined",
		"liveclass/room.room-ended",
	}, rec.keys)

	var ev domain.Event
	require.NoError(t, json.Unmarshal(rec.msgs[1].Body, &ev))
	assert.Equal(t, domain.UserID("alice"), ev.UserID)
	assert.Equal(t, "application/json", rec.msgs[1].ContentType)
	assert.Equal(t, amqp.Persistent, rec.msgs[1].DeliveryMode)
}

func TestEmitSurvivesBrokerErrors(t *testing.T) {
	rec := &recorder{fail: errors.New("channel closed")}
	s := NewSink(rec, "liveclass")
	s.Emit(context.Background(), domain.Event{Type: domain.EventRoomCreated, RoomID: "r1"})
	require.NoError(t, s.Close())
	assert.Empty(t, rec.keys)
}
