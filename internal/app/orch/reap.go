package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

var _ app.StaleSweeper = (*Broker)(nil)

type reapedProducer struct {
	owner    domain.UserID
	producer core.ProducerHandle
}

// SweepStale closes transports in lr that never connected before cutoff.
// Producers riding on them are torn down the way CloseProducer does it: their
// consumers go too, media flags are cleared and peers hear producer-closed.
func (b *Broker) SweepStale(ctx context.Context, lr *app.LiveRoom, cutoff time.Time) int {
	var (
		closing     []core.Handle
		reaped      []reapedProducer
		producerIDs []string
		members     = make(map[domain.UserID]*app.Member)
		logger      = log.With().Str("module", "orch").Str("room", string(lr.ID)).Logger()
	)

	lr.Lock()
	if lr.Router() == nil || lr.Ending {
		lr.Unlock()
		return 0
	}
	lr.ForEachMember(func(uid domain.UserID, m *app.Member) {
		if m.Media == nil || m.Leaving {
			return
		}
		stale, ps := m.Media.TakeStaleTransports(cutoff)
		for _, h := range stale {
			lr.ReleaseHandles(h.ID())
		}
		closing = append(closing, stale...)
		for _, p := range ps {
			reaped = append(reaped, reapedProducer{owner: uid, producer: p})
			producerIDs = append(producerIDs, p.ID())
			members[uid] = m
		}
	})
	if len(closing) == 0 {
		lr.Unlock()
		return 0
	}
	dependents := b.detachConsumersOf(lr, producerIDs...)

	var others map[domain.UserID][]domain.UserID
	if len(reaped) > 0 {
		room, err := b.rooms.GetRoom(ctx, lr.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("reaped producers without clearing media flags")
		} else {
			others = make(map[domain.UserID][]domain.UserID, len(members))
			changed := false
			for _, r := range reaped {
				others[r.owner] = room.ParticipantIDs(r.owner)
				part, ok := room.Participants[r.owner]
				if ok && !members[r.owner].Media.HasProducerKind(r.producer.Kind()) {
					part.SetMediaFlag(r.producer.Kind(), false)
					changed = true
				}
			}
			if changed {
				room.UpdatedAt = b.clock.Now()
				if err := b.rooms.PutRoom(ctx, room); err != nil {
					logger.Warn().Err(b.counted("reap", err)).Msg("persist media flags of reaped producers")
				}
			}
		}
	}
	lr.Unlock()

	handles := append(dependents, closing...)
	b.closeHandles(ctx, lr.ID, handles...)
	for _, r := range reaped {
		b.publish(ctx, lr.ID, others[r.owner], domain.Event{
			Type:       domain.EventProducerClosed,
			RoomID:     lr.ID,
			UserID:     r.owner,
			ProducerID: r.producer.ID(),
			Kind:       r.producer.Kind(),
		})
	}
	return len(handles)
}
