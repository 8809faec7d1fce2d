// Package orch holds the room lifecycle, membership and media transport
// controllers. All three share one Registry so a room's membership and media
// state are guarded by a single lock.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
	"github.com/dkeye/liveclass/internal/telemetry/prometheus"
)

const (
	defaultEngineTimeout       = 10 * time.Second
	defaultTeardownParallelism = 8
)

// Rooms is the tiered room store as the controllers see it.
type Rooms interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	CreateRoom(ctx context.Context, room *domain.Room) error
	PutRoom(ctx context.Context, room *domain.Room) error
	ListByInstructor(ctx context.Context, instructor domain.UserID) ([]*domain.Room, error)
}

// Notifier delivers events to an explicit list of participants.
type Notifier interface {
	PublishTo(ctx context.Context, roomID domain.RoomID, users []domain.UserID, ev domain.Event) error
}

type Deps struct {
	Registry *app.Registry
	Rooms    Rooms
	Engine   core.MediaEngine
	Notifier Notifier
	Sink     core.EventSink
	Policy   app.Policy
	Clock    clock.Clock

	EngineTimeout       time.Duration
	TeardownParallelism int
	NewID               func() string
}

// Orchestrator groups the three controllers built over the same dependencies.
type Orchestrator struct {
	Lifecycle  *Lifecycle
	Membership *Membership
	Broker     *Broker
}

func New(d Deps) *Orchestrator {
	b := newBase(d)
	return &Orchestrator{
		Lifecycle:  &Lifecycle{base: b, newID: d.NewID},
		Membership: &Membership{base: b},
		Broker:     &Broker{base: b},
	}
}

type base struct {
	registry *app.Registry
	rooms    Rooms
	engine   core.MediaEngine
	notifier Notifier
	sink     core.EventSink
	policy   app.Policy
	clock    clock.Clock

	engineTimeout time.Duration
	parallelism   int
}

func newBase(d Deps) *base {
	b := &base{
		registry:      d.Registry,
		rooms:         d.Rooms,
		engine:        d.Engine,
		notifier:      d.Notifier,
		sink:          d.Sink,
		policy:        d.Policy,
		clock:         d.Clock,
		engineTimeout: d.EngineTimeout,
		parallelism:   d.TeardownParallelism,
	}
	if b.registry == nil {
		b.registry = app.NewRegistry()
	}
	if b.sink == nil {
		b.sink = core.NoopSink{}
	}
	if b.policy == nil {
		b.policy = app.RolePolicy{}
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.engineTimeout <= 0 {
		b.engineTimeout = defaultEngineTimeout
	}
	if b.parallelism <= 0 {
		b.parallelism = defaultTeardownParallelism
	}
	return b
}

func opErr(kind error, op string) error { return &domain.OpError{Kind: kind, Op: op} }

// engineCtx bounds a single media engine call.
func (b *base) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.engineTimeout)
}

func (b *base) engineFailure(op string, roomID domain.RoomID, err error) error {
	prometheus.EngineError(op)
	log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("op", op).Msg("media engine call failed")
	return domain.MediaEngineFailure(op, err)
}

// closeHandles releases handles that are no longer referenced by any room state.
// Close is idempotent on the engine side; failures are only logged.
func (b *base) closeHandles(ctx context.Context, roomID domain.RoomID, hs ...core.Handle) {
	if len(hs) == 0 {
		return
	}
	ectx, cancel := b.engineCtx(ctx)
	defer cancel()
	for _, h := range hs {
		if err := b.engine.Close(ectx, h); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("handle", h.ID()).Msg("close handle")
		}
	}
	prometheus.HandlesClosed(len(hs))
}

// liveRoom pins the node-local entry of a room that must already be live.
// The caller releases it.
func (b *base) liveRoom(ctx context.Context, id domain.RoomID, op string) (*app.LiveRoom, error) {
	if lr, ok := b.registry.AcquireExisting(id); ok {
		return lr, nil
	}
	if _, err := b.rooms.GetRoom(ctx, id); err != nil {
		return nil, err
	}
	return nil, opErr(domain.ErrRoomNotActive, op)
}

// member returns the caller's live membership. Must be called with lr locked.
func (b *base) member(lr *app.LiveRoom, uid domain.UserID, op string) (*app.Member, error) {
	if lr.Router() == nil || lr.Ending {
		return nil, opErr(domain.ErrRoomNotActive, op)
	}
	m, ok := lr.Member(uid)
	if !ok || m.Leaving || m.Media == nil {
		return nil, opErr(domain.ErrParticipantNotFound, op)
	}
	return m, nil
}

// detachConsumersOf removes every consumer fed by the given producers from all
// members. Must be called with lr locked; the caller closes what is returned.
func (b *base) detachConsumersOf(lr *app.LiveRoom, producerIDs ...string) []core.Handle {
	var out []core.Handle
	lr.ForEachMember(func(_ domain.UserID, m *app.Member) {
		if m.Media == nil {
			return
		}
		for _, pid := range producerIDs {
			for _, c := range m.Media.RemoveConsumersOf(pid) {
				lr.ReleaseHandles(c.ID())
				out = append(out, c)
			}
		}
	})
	return out
}

func (b *base) publish(ctx context.Context, roomID domain.RoomID, users []domain.UserID, ev domain.Event) {
	if b.notifier == nil || len(users) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	if err := b.notifier.PublishTo(ctx, roomID, users, ev); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(roomID)).Str("event", string(ev.Type)).Msg("fan-out incomplete")
	}
}

func (b *base) emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	b.sink.Emit(ctx, ev)
}

// counted passes err through, recording lost races.
func (b *base) counted(op string, err error) error {
	if errors.Is(err, domain.ErrConflict) {
		prometheus.Conflict(op)
	}
	return err
}
