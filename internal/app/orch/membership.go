package orch

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
	"github.com/dkeye/liveclass/internal/telemetry/prometheus"
)

type JoinRequest struct {
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

type JoinResult struct {
	Room               *domain.Room         `json:"room"`
	Participant        *domain.Participant  `json:"participant"`
	RouterCapabilities core.RTPCapabilities `json:"routerRtpCapabilities"`
}

// Membership admits and removes participants of active rooms.
type Membership struct {
	*base
}

func (m *Membership) Join(ctx context.Context, roomID domain.RoomID, req JoinRequest) (*JoinResult, error) {
	user, err := domain.NewUser(string(req.UserID), req.DisplayName)
	if err != nil {
		return nil, domain.Invalid("join", err)
	}
	lr, err := m.liveRoom(ctx, roomID, "join")
	if err != nil {
		return nil, err
	}
	defer m.registry.Release(lr)

	lr.Lock()
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		lr.Unlock()
		return nil, err
	}
	if room.Status != domain.RoomActive || lr.Ending || lr.Router() == nil {
		lr.Unlock()
		return nil, opErr(domain.ErrRoomNotActive, "join")
	}
	if _, ok := room.Participants[user.ID]; ok {
		lr.Unlock()
		return nil, opErr(domain.ErrAlreadyJoined, "join")
	}
	if _, ok := lr.Member(user.ID); ok {
		lr.Unlock()
		return nil, opErr(domain.ErrAlreadyJoined, "join")
	}
	if room.ParticipantCount() >= room.MaxParticipants {
		lr.Unlock()
		return nil, opErr(domain.ErrRoomFull, "join")
	}

	now := m.clock.Now()
	p := domain.NewParticipant(room, user, now)
	room.Participants[user.ID] = p
	room.UpdatedAt = now
	if err := m.rooms.PutRoom(ctx, room); err != nil {
		lr.Unlock()
		return nil, m.counted("join", err)
	}
	lr.AddMember(user.ID)
	caps := lr.Router().Capabilities()
	others := room.ParticipantIDs(user.ID)
	lr.Unlock()

	prometheus.ParticipantJoined()
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("user", string(user.ID)).Str("role", string(p.Role)).Msg("participant joined")
	ev := domain.Event{Type: domain.EventParticipantJoined, RoomID: roomID, UserID: user.ID, Participant: p.Clone(), At: now}
	m.publish(ctx, roomID, others, ev)
	m.emit(ctx, ev)
	return &JoinResult{Room: room, Participant: p.Clone(), RouterCapabilities: caps}, nil
}

// Leave removes a participant in three steps: disconnect and detach its media
// under the lock, close the media without the lock, then drop the record.
// Leaving a room one is not in, or is already leaving, does nothing.
func (m *Membership) Leave(ctx context.Context, roomID domain.RoomID, uid domain.UserID) error {
	lr := m.registry.Acquire(roomID)
	defer m.registry.Release(lr)

	lr.Lock()
	member, live := lr.Member(uid)
	if live && member.Leaving {
		lr.Unlock()
		return nil
	}
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		lr.Unlock()
		return err
	}
	p, present := room.Participants[uid]
	if !present && !live {
		lr.Unlock()
		return nil
	}
	if present {
		p.Disconnect(m.clock.Now())
		room.UpdatedAt = m.clock.Now()
		if err := m.rooms.PutRoom(ctx, room); err != nil {
			lr.Unlock()
			return m.counted("leave", err)
		}
	}
	set := lr.DetachMedia(uid)
	if live {
		member.Leaving = true
	}
	lr.Unlock()

	var closedProducers []core.ProducerHandle
	if set != nil {
		ectx, cancel := m.engineCtx(ctx)
		n := set.Len()
		closedProducers, err = set.Close(ectx, m.engine)
		cancel()
		prometheus.HandlesClosed(n)
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Msg("closing participant media")
		}
	}

	lr.Lock()
	producerIDs := make([]string, 0, len(closedProducers))
	for _, cp := range closedProducers {
		producerIDs = append(producerIDs, cp.ID())
	}
	dependents := m.detachConsumersOf(lr, producerIDs...)
	if cur, ok := lr.Member(uid); ok && cur == member {
		lr.RemoveMember(uid)
	}
	room, err = m.rooms.GetRoom(ctx, roomID)
	if err == nil {
		if p, ok := room.Participants[uid]; ok {
			p.Disconnect(m.clock.Now())
			delete(room.Participants, uid)
			room.UpdatedAt = m.clock.Now()
			err = m.rooms.PutRoom(ctx, room)
		}
	}
	var others []domain.UserID
	if room != nil {
		others = room.ParticipantIDs(uid)
	}
	lr.Unlock()

	m.closeHandles(ctx, roomID, dependents...)
	for _, cp := range closedProducers {
		m.publish(ctx, roomID, others, domain.Event{Type: domain.EventProducerClosed, RoomID: roomID, UserID: uid, ProducerID: cp.ID(), Kind: cp.Kind()})
	}
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Msg("remove participant")
		return m.counted("leave", err)
	}

	if present {
		prometheus.ParticipantLeft(1)
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Msg("participant left")
	ev := domain.Event{Type: domain.EventParticipantLeft, RoomID: roomID, UserID: uid}
	m.publish(ctx, roomID, others, ev)
	m.emit(ctx, ev)
	return nil
}

// Kick is the instructor's forced Leave of another participant.
func (m *Membership) Kick(ctx context.Context, roomID domain.RoomID, caller, uid domain.UserID) error {
	lr := m.registry.Acquire(roomID)
	defer m.registry.Release(lr)
	lr.Lock()
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err == nil {
		err = m.policy.Authorize(room, caller, app.ActionKick)
	}
	if err == nil {
		if _, ok := room.Participants[uid]; !ok {
			err = opErr(domain.ErrParticipantNotFound, "kick")
		}
	}
	lr.Unlock()
	if err != nil {
		return err
	}

	if err := m.Leave(ctx, roomID, uid); err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Str("by", string(caller)).Msg("participant kicked")
	m.publish(ctx, roomID, []domain.UserID{uid}, domain.Event{Type: domain.EventParticipantLeft, RoomID: roomID, UserID: uid})
	return nil
}

// ListParticipants returns the current members ordered by join time.
func (m *Membership) ListParticipants(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error) {
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// UpdateMedia applies a participant's own toggles (hand raise, screen share, mute).
func (m *Membership) UpdateMedia(ctx context.Context, roomID domain.RoomID, uid domain.UserID, upd domain.MediaUpdate) (*domain.Participant, error) {
	lr := m.registry.Acquire(roomID)
	defer m.registry.Release(lr)
	lr.Lock()
	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		lr.Unlock()
		return nil, err
	}
	p, ok := room.Participants[uid]
	if !ok || p.Status == domain.Disconnected {
		lr.Unlock()
		return nil, opErr(domain.ErrParticipantNotFound, "update media")
	}
	if upd.ScreenSharing != nil && *upd.ScreenSharing {
		if err := m.policy.Authorize(room, uid, app.ActionScreenShare); err != nil {
			lr.Unlock()
			return nil, err
		}
	}
	upd.Apply(&p.Media)
	room.UpdatedAt = m.clock.Now()
	if err := m.rooms.PutRoom(ctx, room); err != nil {
		lr.Unlock()
		return nil, m.counted("update_media", err)
	}
	others := room.ParticipantIDs(uid)
	lr.Unlock()

	m.publish(ctx, roomID, others, domain.Event{Type: domain.EventParticipantUpdated, RoomID: roomID, UserID: uid, Participant: p.Clone()})
	return p, nil
}
