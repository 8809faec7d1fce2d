package core

import (
	"context"
	"time"

	"github.com/dkeye/liveclass/internal/domain"
)

// RoomStore is the durable, authoritative tier.
type RoomStore interface {
	// CreateRoom inserts a new room at version 1.
	CreateRoom(ctx context.Context, room *domain.Room) error
	// GetRoom returns the room with its current participants or domain.ErrRoomNotFound.
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// SaveRoom writes room and participant rows when room.Version matches the
	// stored one, and bumps room.Version. A stale version yields domain.ErrConflict.
	SaveRoom(ctx context.Context, room *domain.Room) error
	ListRoomsByInstructor(ctx context.Context, instructor domain.UserID) ([]*domain.Room, error)
	ListParticipationsByUser(ctx context.Context, user domain.UserID) ([]*domain.Participant, error)
}

// SharedCache is the cluster-wide ephemeral tier with publish/subscribe.
type SharedCache interface {
	// Get returns found=false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// EventSink hands room events to external collaborators (recording, analytics).
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, domain.Event) {}
