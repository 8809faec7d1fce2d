// Package notify fans room events out to participants over the shared cache's
// pub/sub, one channel per participant.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
	"github.com/dkeye/liveclass/internal/telemetry/prometheus"
)

// Channel is where a participant's events are published.
func Channel(roomID domain.RoomID, userID domain.UserID) string {
	return fmt.Sprintf("room:%s:participant:%s", roomID, userID)
}

// RoomReader resolves the current participant set of a room.
type RoomReader interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}

type Notifier struct {
	bus   core.SharedCache
	rooms RoomReader
}

func New(bus core.SharedCache, rooms RoomReader) *Notifier {
	return &Notifier{bus: bus, rooms: rooms}
}

// Publish sends ev to every current participant of roomID except exclude.
func (n *Notifier) Publish(ctx context.Context, roomID domain.RoomID, ev domain.Event, exclude ...domain.UserID) error {
	room, err := n.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return n.PublishTo(ctx, roomID, room.ParticipantIDs(exclude...), ev)
}

// PublishTo sends ev to an explicit recipient list. The event is encoded once;
// a failed recipient never stops delivery to the rest, and all failures are
// returned together.
func (n *Notifier) PublishTo(ctx context.Context, roomID domain.RoomID, users []domain.UserID, ev domain.Event) error {
	if len(users) == 0 {
		return nil
	}
	ev.RoomID = roomID
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var errs error
	for _, uid := range users {
		if perr := n.bus.Publish(ctx, Channel(roomID, uid), payload); perr != nil {
			prometheus.FanoutFailure()
			log.Error().Err(perr).
				Str("module", "notify").
				Str("room", string(roomID)).
				Str("user", string(uid)).
				Str("event", string(ev.Type)).
				Msg("publish failed")
			errs = multierr.Append(errs, fmt.Errorf("notify %s: %w", uid, perr))
		}
	}
	return errs
}

// Subscribe opens the channel of one participant. The caller closes it.
func (n *Notifier) Subscribe(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (core.Subscription, error) {
	sub, err := n.bus.Subscribe(ctx, Channel(roomID, userID))
	if err != nil {
		return nil, domain.Unavailable("subscribe events", err)
	}
	return sub, nil
}
