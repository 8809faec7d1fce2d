package orch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/app/sfu"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
	"github.com/dkeye/liveclass/internal/telemetry/prometheus"
)

var errRecordingNotAllowed = errors.New("recording is not allowed for this room")

type CreateRoomRequest struct {
	Name            string            `json:"name"`
	InstructorID    domain.UserID     `json:"instructorId"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	MaxParticipants int               `json:"maxParticipants"`
	Config          domain.RoomConfig `json:"config"`
}

// Lifecycle moves rooms through Scheduled, Active and Ended.
type Lifecycle struct {
	*base
	newID func() string
}

func (l *Lifecycle) Create(ctx context.Context, req CreateRoomRequest) (*domain.Room, error) {
	id := uuid.NewString()
	if l.newID != nil {
		id = l.newID()
	}
	room, err := domain.NewRoom(domain.RoomID(id), req.Name, req.InstructorID, req.ScheduledAt, req.MaxParticipants, req.Config, l.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := l.rooms.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	log.Info().Str("module", "orch").Str("room", id).Str("instructor", string(req.InstructorID)).Msg("room created")
	l.emit(ctx, domain.Event{Type: domain.EventRoomCreated, RoomID: room.ID, UserID: room.InstructorID, Room: room.Clone()})
	return room, nil
}

// Start allocates the room's router and activates it. The engine call runs
// without the room lock; a second start while one is in flight fails with
// ErrConflict.
func (l *Lifecycle) Start(ctx context.Context, roomID domain.RoomID, caller domain.UserID) (*domain.Room, error) {
	lr := l.registry.Acquire(roomID)
	defer l.registry.Release(lr)
	var room *domain.Room

	_, err := app.Optimistic(ctx, lr, "", app.Step[core.RouterHandle]{
		Validate: func() error {
			r, err := l.rooms.GetRoom(ctx, roomID)
			if err != nil {
				return err
			}
			if err := l.policy.Authorize(r, caller, app.ActionStart); err != nil {
				return err
			}
			if lr.Starting {
				return opErr(domain.ErrConflict, "start room")
			}
			if err := r.CanStart(); err != nil {
				return opErr(err, "start room")
			}
			lr.Starting = true
			room = r
			return nil
		},
		Call: func(ctx context.Context) (core.RouterHandle, error) {
			ectx, cancel := l.engineCtx(ctx)
			defer cancel()
			router, err := l.engine.CreateRouter(ectx, roomID)
			if err != nil {
				return nil, l.engineFailure("create_router", roomID, err)
			}
			return router, nil
		},
		Commit: func(router core.RouterHandle) error {
			room.MarkStarted(router.ID(), l.clock.Now())
			if err := l.rooms.PutRoom(ctx, room); err != nil {
				return err
			}
			lr.SetRouter(router)
			lr.Starting = false
			return nil
		},
		Abort: func() { lr.Starting = false },
		Release: func(router core.RouterHandle) {
			ectx, cancel := l.engineCtx(ctx)
			defer cancel()
			if err := l.engine.CloseRouter(ectx, router); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("close uncommitted router")
			}
		},
	})
	if err != nil {
		return nil, l.counted("start", err)
	}

	prometheus.RoomStarted()
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("router", room.RouterID).Msg("room started")
	l.publish(ctx, roomID, room.ParticipantIDs(), domain.Event{Type: domain.EventRoomStarted, RoomID: roomID})
	l.emit(ctx, domain.Event{Type: domain.EventRoomStarted, RoomID: roomID, UserID: caller, Room: room.Clone()})
	return room, nil
}

// End tears the room down. Joins fail with ErrRoomNotActive as soon as the
// room is marked ending; handles and the router are closed outside the lock
// before the final state is committed.
func (l *Lifecycle) End(ctx context.Context, roomID domain.RoomID, caller domain.UserID) (*domain.Room, error) {
	lr := l.registry.Acquire(roomID)
	defer l.registry.Release(lr)

	lr.Lock()
	room, err := l.rooms.GetRoom(ctx, roomID)
	if err == nil {
		err = l.policy.Authorize(room, caller, app.ActionEnd)
	}
	if err == nil && lr.Ending {
		err = opErr(domain.ErrInvalidTransition, "end room")
	}
	if err == nil {
		if terr := room.CanEnd(); terr != nil {
			err = opErr(terr, "end room")
		}
	}
	if err != nil {
		lr.Unlock()
		return nil, err
	}
	lr.Ending = true
	sets := lr.DetachAll()
	router := lr.Router()
	lr.Unlock()

	l.teardown(ctx, roomID, router, sets)

	lr.Lock()
	room, err = l.rooms.GetRoom(ctx, roomID)
	if err != nil {
		lr.Ending = false
		lr.SetRouter(nil)
		lr.Unlock()
		return nil, err
	}
	now := l.clock.Now()
	gone := room.MarkEnded(now)
	if err := l.rooms.PutRoom(ctx, room); err != nil {
		lr.Ending = false
		lr.SetRouter(nil)
		lr.Unlock()
		log.Error().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("persist ended room")
		return nil, l.counted("end", err)
	}
	lr.SetRouter(nil)
	lr.Ending = false
	lr.EndedAt = now
	lr.Unlock()

	former := make([]domain.UserID, 0, len(gone))
	for _, p := range gone {
		former = append(former, p.UserID)
	}
	if router != nil {
		prometheus.RoomEnded(room.StartedAt, now)
	}
	prometheus.ParticipantLeft(len(gone))
	log.Info().Str("module", "orch").Str("room", string(roomID)).Int("participants", len(gone)).Msg("room ended")
	l.publish(ctx, roomID, former, domain.Event{Type: domain.EventRoomEnded, RoomID: roomID, At: now})
	l.emit(ctx, domain.Event{Type: domain.EventRoomEnded, RoomID: roomID, UserID: caller, Room: room.Clone(), At: now})
	return room, nil
}

// teardown closes every detached media set with bounded parallelism, then the
// router. Failures are logged; the engine closes idempotently.
func (l *Lifecycle) teardown(ctx context.Context, roomID domain.RoomID, router core.RouterHandle, sets []*sfu.MediaSet) {
	ectx, cancel := l.engineCtx(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(l.parallelism)
	for _, set := range sets {
		g.Go(func() error {
			n := set.Len()
			_, err := set.Close(ectx, l.engine)
			prometheus.HandlesClosed(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(roomID)).Msg("closing participant media")
	}
	if router != nil {
		if err := l.engine.CloseRouter(ectx, router); err != nil {
			l.engineFailure("close_router", roomID, err)
		}
	}
}

// Get returns a snapshot for collaborators.
func (l *Lifecycle) Get(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return l.rooms.GetRoom(ctx, roomID)
}

func (l *Lifecycle) ListByInstructor(ctx context.Context, instructor domain.UserID) ([]*domain.Room, error) {
	rooms, err := l.rooms.ListByInstructor(ctx, instructor)
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ScheduledAt.Before(rooms[j].ScheduledAt) })
	return rooms, nil
}

// SetRecording is how the recording collaborator flips the room's flag.
func (l *Lifecycle) SetRecording(ctx context.Context, roomID domain.RoomID, caller domain.UserID, on bool) (*domain.Room, error) {
	lr := l.registry.Acquire(roomID)
	defer l.registry.Release(lr)
	lr.Lock()
	room, err := l.rooms.GetRoom(ctx, roomID)
	if err != nil {
		lr.Unlock()
		return nil, err
	}
	if err := l.policy.Authorize(room, caller, app.ActionSetRecording); err != nil {
		lr.Unlock()
		return nil, err
	}
	if room.Status != domain.RoomActive || lr.Ending {
		lr.Unlock()
		return nil, opErr(domain.ErrRoomNotActive, "set recording")
	}
	if on && !room.Config.RecordingAllowed {
		lr.Unlock()
		return nil, domain.Invalid("set recording", errRecordingNotAllowed)
	}
	if room.Recording == on {
		lr.Unlock()
		return room, nil
	}
	room.Recording = on
	room.UpdatedAt = l.clock.Now()
	if err := l.rooms.PutRoom(ctx, room); err != nil {
		lr.Unlock()
		return nil, l.counted("set_recording", err)
	}
	lr.Unlock()

	log.Info().Str("module", "orch").Str("room", string(roomID)).Bool("recording", on).Msg("recording changed")
	ev := domain.Event{Type: domain.EventRecordingChanged, RoomID: roomID, UserID: caller, Room: room.Clone()}
	l.publish(ctx, roomID, room.ParticipantIDs(), ev)
	l.emit(ctx, ev)
	return room, nil
}
