package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
	"github.com/dkeye/liveclass/internal/telemetry/prometheus"
)

var (
	errSlotOccupied     = errors.New("transport slot occupied")
	errUnknownKind      = errors.New("unknown media kind")
	errUnknownDirection = errors.New("unknown transport direction")
)

// Broker allocates transports, producers and consumers for joined participants.
// Every engine call happens without the room lock and is committed only if the
// room generation and the caller's membership are unchanged.
type Broker struct {
	*base
}

func (b *Broker) CreateTransport(ctx context.Context, roomID domain.RoomID, uid domain.UserID, kind domain.TransportKind) (core.TransportDescriptor, error) {
	if !kind.Valid() {
		return core.TransportDescriptor{}, domain.Invalid("create transport", errUnknownDirection)
	}
	lr, err := b.liveRoom(ctx, roomID, "create transport")
	if err != nil {
		return core.TransportDescriptor{}, err
	}
	defer b.registry.Release(lr)

	var (
		router   core.RouterHandle
		existing core.TransportDescriptor
	)
	t, err := app.Optimistic(ctx, lr, uid, app.Step[core.TransportHandle]{
		Validate: func() error {
			m, err := b.member(lr, uid, "create transport")
			if err != nil {
				return err
			}
			if h, ok := m.Media.Transport(kind); ok {
				existing = h.Descriptor()
				return errSlotOccupied
			}
			if !m.Media.BeginAllocate(kind) {
				return opErr(domain.ErrConflict, "create transport")
			}
			router = lr.Router()
			return nil
		},
		Call: func(ctx context.Context) (core.TransportHandle, error) {
			ectx, cancel := b.engineCtx(ctx)
			defer cancel()
			t, err := b.engine.CreateTransport(ectx, router, kind)
			if err != nil {
				return nil, b.engineFailure("create_transport", roomID, err)
			}
			return t, nil
		},
		Commit: func(t core.TransportHandle) error {
			m, _ := lr.Member(uid)
			if err := lr.ClaimHandle(uid, t.ID()); err != nil {
				return err
			}
			m.Media.SetTransport(t, b.clock.Now())
			return nil
		},
		Abort: func() {
			if m, ok := lr.Member(uid); ok && m.Media != nil {
				m.Media.AbortAllocate(kind)
			}
		},
		Release: func(t core.TransportHandle) {
			b.closeHandles(ctx, roomID, t)
			prometheus.HandleOpened()
		},
	})
	if errors.Is(err, errSlotOccupied) {
		return existing, nil
	}
	if err != nil {
		return core.TransportDescriptor{}, b.counted("create_transport", err)
	}
	prometheus.HandleOpened()
	log.Debug().Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Str("transport", t.ID()).Str("kind", string(kind)).Msg("transport created")
	return t.Descriptor(), nil
}

// ConnectTransport completes the transport's negotiation and marks the
// participant connected.
func (b *Broker) ConnectTransport(ctx context.Context, roomID domain.RoomID, uid domain.UserID, transportID string, params core.NegotiationParameters) (core.NegotiationParameters, error) {
	lr, err := b.liveRoom(ctx, roomID, "connect transport")
	if err != nil {
		return core.NegotiationParameters{}, err
	}
	defer b.registry.Release(lr)

	var (
		transport core.TransportHandle
		updated   *domain.Participant
		others    []domain.UserID
	)
	answer, err := app.Optimistic(ctx, lr, uid, app.Step[core.NegotiationParameters]{
		Validate: func() error {
			m, err := b.member(lr, uid, "connect transport")
			if err != nil {
				return err
			}
			t, ok := m.Media.TransportByID(transportID)
			if !ok {
				return opErr(domain.ErrTransportNotFound, "connect transport")
			}
			transport = t
			return nil
		},
		Call: func(ctx context.Context) (core.NegotiationParameters, error) {
			ectx, cancel := b.engineCtx(ctx)
			defer cancel()
			answer, err := b.engine.Connect(ectx, transport, params)
			if err != nil {
				return core.NegotiationParameters{}, b.engineFailure("connect_transport", roomID, err)
			}
			return answer, nil
		},
		Commit: func(core.NegotiationParameters) error {
			m, _ := lr.Member(uid)
			if !m.Media.MarkConnected(transportID) {
				return opErr(domain.ErrTransportNotFound, "connect transport")
			}
			room, err := b.rooms.GetRoom(ctx, roomID)
			if err != nil {
				return err
			}
			p, ok := room.Participants[uid]
			if !ok {
				return opErr(domain.ErrParticipantNotFound, "connect transport")
			}
			if p.Status == domain.Connected {
				return nil
			}
			p.Status = domain.Connected
			room.UpdatedAt = b.clock.Now()
			if err := b.rooms.PutRoom(ctx, room); err != nil {
				return err
			}
			updated = p.Clone()
			others = room.ParticipantIDs(uid)
			return nil
		},
	})
	if err != nil {
		return core.NegotiationParameters{}, b.counted("connect_transport", err)
	}
	if updated != nil {
		b.publish(ctx, roomID, others, domain.Event{Type: domain.EventParticipantUpdated, RoomID: roomID, UserID: uid, Participant: updated})
	}
	return answer, nil
}

// Produce registers a new outgoing stream and announces it to everyone else.
func (b *Broker) Produce(ctx context.Context, roomID domain.RoomID, uid domain.UserID, transportID string, kind domain.MediaKind, params core.RTPParameters) (core.ProducerDescriptor, error) {
	if !kind.Valid() {
		return core.ProducerDescriptor{}, domain.Invalid("produce", errUnknownKind)
	}
	lr, err := b.liveRoom(ctx, roomID, "produce")
	if err != nil {
		return core.ProducerDescriptor{}, err
	}
	defer b.registry.Release(lr)

	var (
		transport core.TransportHandle
		others    []domain.UserID
	)
	p, err := app.Optimistic(ctx, lr, uid, app.Step[core.ProducerHandle]{
		Validate: func() error {
			m, err := b.member(lr, uid, "produce")
			if err != nil {
				return err
			}
			t, ok := m.Media.Transport(domain.TransportProducer)
			if !ok || t.ID() != transportID {
				return opErr(domain.ErrTransportNotFound, "produce")
			}
			transport = t
			return nil
		},
		Call: func(ctx context.Context) (core.ProducerHandle, error) {
			ectx, cancel := b.engineCtx(ctx)
			defer cancel()
			p, err := b.engine.Produce(ectx, transport, kind, params)
			if err != nil {
				return nil, b.engineFailure("produce", roomID, err)
			}
			return p, nil
		},
		Commit: func(p core.ProducerHandle) error {
			if err := lr.ClaimHandle(uid, p.ID()); err != nil {
				return err
			}
			room, err := b.rooms.GetRoom(ctx, roomID)
			if err == nil {
				if part, ok := room.Participants[uid]; ok {
					part.SetMediaFlag(kind, true)
					room.UpdatedAt = b.clock.Now()
					err = b.rooms.PutRoom(ctx, room)
				}
			}
			if err != nil {
				lr.ReleaseHandles(p.ID())
				return err
			}
			m, _ := lr.Member(uid)
			m.Media.AddProducer(p)
			others = room.ParticipantIDs(uid)
			return nil
		},
		Release: func(p core.ProducerHandle) {
			prometheus.HandleOpened()
			b.closeHandles(ctx, roomID, p)
		},
	})
	if err != nil {
		return core.ProducerDescriptor{}, b.counted("produce", err)
	}
	prometheus.HandleOpened()
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Str("producer", p.ID()).Str("kind", string(kind)).Msg("producer created")
	b.publish(ctx, roomID, others, domain.Event{Type: domain.EventNewProducer, RoomID: roomID, UserID: uid, ProducerID: p.ID(), Kind: kind})
	return core.ProducerDescriptor{ID: p.ID(), Kind: kind, UserID: uid}, nil
}

// Consume subscribes the caller to a producer in the same room. It returns nil
// without error when the caller's capabilities cannot decode the producer.
func (b *Broker) Consume(ctx context.Context, roomID domain.RoomID, uid domain.UserID, transportID, producerID string, caps core.RTPCapabilities) (*core.ConsumerDescriptor, error) {
	lr, err := b.liveRoom(ctx, roomID, "consume")
	if err != nil {
		return nil, err
	}
	defer b.registry.Release(lr)

	var (
		router    core.RouterHandle
		transport core.TransportHandle
	)
	producerLive := func() bool {
		owner, ok := lr.OwnerOf(producerID)
		if !ok {
			return false
		}
		om, ok := lr.Member(owner)
		if !ok || om.Media == nil {
			return false
		}
		_, ok = om.Media.Producer(producerID)
		return ok
	}
	c, err := app.Optimistic(ctx, lr, uid, app.Step[core.ConsumerHandle]{
		Validate: func() error {
			m, err := b.member(lr, uid, "consume")
			if err != nil {
				return err
			}
			t, ok := m.Media.Transport(domain.TransportConsumer)
			if !ok || t.ID() != transportID {
				return opErr(domain.ErrTransportNotFound, "consume")
			}
			if !producerLive() {
				return opErr(domain.ErrProducerNotFound, "consume")
			}
			router, transport = lr.Router(), t
			return nil
		},
		Call: func(ctx context.Context) (core.ConsumerHandle, error) {
			ectx, cancel := b.engineCtx(ctx)
			defer cancel()
			ok, err := b.engine.CanConsume(ectx, router, producerID, caps)
			if err != nil {
				return nil, b.engineFailure("can_consume", roomID, err)
			}
			if !ok {
				return nil, nil
			}
			c, err := b.engine.Consume(ectx, router, transport, producerID, caps)
			if err != nil {
				return nil, b.engineFailure("consume", roomID, err)
			}
			return c, nil
		},
		Commit: func(c core.ConsumerHandle) error {
			if c == nil {
				return nil
			}
			if !producerLive() {
				return opErr(domain.ErrProducerNotFound, "consume")
			}
			if err := lr.ClaimHandle(uid, c.ID()); err != nil {
				return err
			}
			m, _ := lr.Member(uid)
			m.Media.AddConsumer(c)
			return nil
		},
		Release: func(c core.ConsumerHandle) {
			if c != nil {
				prometheus.HandleOpened()
				b.closeHandles(ctx, roomID, c)
			}
		},
	})
	if err != nil {
		return nil, b.counted("consume", err)
	}
	if c == nil {
		log.Debug().Str("module", "orch").Str("room", string(roomID)).Str("user", string(uid)).Str("producer", producerID).Msg("capabilities cannot consume producer")
		return nil, nil
	}
	prometheus.HandleOpened()
	return &core.ConsumerDescriptor{
		ID:         c.ID(),
		ProducerID: c.ProducerID(),
		Kind:       c.Kind(),
		Codec:      c.Codec(),
		Paused:     c.Paused(),
	}, nil
}

// ResumeConsumer starts forwarding media on a consumer created paused.
func (b *Broker) ResumeConsumer(ctx context.Context, roomID domain.RoomID, uid domain.UserID, consumerID string) error {
	lr, err := b.liveRoom(ctx, roomID, "resume consumer")
	if err != nil {
		return err
	}
	defer b.registry.Release(lr)
	var consumer core.ConsumerHandle
	_, err = app.Optimistic(ctx, lr, uid, app.Step[struct{}]{
		Validate: func() error {
			m, err := b.member(lr, uid, "resume consumer")
			if err != nil {
				return err
			}
			c, ok := m.Media.Consumer(consumerID)
			if !ok {
				return opErr(domain.ErrConsumerNotFound, "resume consumer")
			}
			consumer = c
			return nil
		},
		Call: func(ctx context.Context) (struct{}, error) {
			ectx, cancel := b.engineCtx(ctx)
			defer cancel()
			if err := b.engine.Resume(ectx, consumer); err != nil {
				return struct{}{}, b.engineFailure("resume_consumer", roomID, err)
			}
			return struct{}{}, nil
		},
	})
	return b.counted("resume_consumer", err)
}

// CloseProducer stops one of the caller's producers along with every consumer
// fed by it.
func (b *Broker) CloseProducer(ctx context.Context, roomID domain.RoomID, uid domain.UserID, producerID string) error {
	lr, err := b.liveRoom(ctx, roomID, "close producer")
	if err != nil {
		return err
	}
	defer b.registry.Release(lr)

	lr.Lock()
	m, err := b.member(lr, uid, "close producer")
	if err != nil {
		lr.Unlock()
		return err
	}
	p, ok := m.Media.RemoveProducer(producerID)
	if !ok {
		lr.Unlock()
		return opErr(domain.ErrProducerNotFound, "close producer")
	}
	lr.ReleaseHandles(producerID)
	dependents := b.detachConsumersOf(lr, producerID)

	var others []domain.UserID
	room, err := b.rooms.GetRoom(ctx, roomID)
	if err == nil {
		others = room.ParticipantIDs(uid)
		if part, ok := room.Participants[uid]; ok && !m.Media.HasProducerKind(p.Kind()) {
			part.SetMediaFlag(p.Kind(), false)
			room.UpdatedAt = b.clock.Now()
			err = b.rooms.PutRoom(ctx, room)
		}
	}
	lr.Unlock()

	b.closeHandles(ctx, roomID, append(dependents, p)...)
	b.publish(ctx, roomID, others, domain.Event{Type: domain.EventProducerClosed, RoomID: roomID, UserID: uid, ProducerID: producerID, Kind: p.Kind()})
	if err != nil {
		return b.counted("close_producer", err)
	}
	return nil
}
