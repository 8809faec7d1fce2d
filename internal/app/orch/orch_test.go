package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/app/notify"
	"github.com/dkeye/liveclass/internal/app/roomstore"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/core/corefakes"
	"github.com/dkeye/liveclass/internal/domain"
)

const teacher domain.UserID = "teacher"

type harness struct {
	o      *Orchestrator
	reg    *app.Registry
	engine *corefakes.Engine
	store  *corefakes.Store
	cache  *corefakes.Cache
	sink   *corefakes.Sink
	clock  *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:    app.NewRegistry(),
		engine: corefakes.NewEngine(),
		store:  corefakes.NewStore(),
		cache:  corefakes.NewCache(),
		sink:   &corefakes.Sink{},
		clock:  clock.NewMock(),
	}
	h.clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tiered, err := roomstore.New(h.store, h.cache, roomstore.Options{})
	require.NoError(t, err)

	var seq atomic.Int64
	h.o = New(Deps{
		Registry: h.reg,
		Rooms:    tiered,
		Engine:   h.engine,
		Notifier: notify.New(h.cache, tiered),
		Sink:     h.sink,
		Clock:    h.clock,
		NewID:    func() string { return fmt.Sprintf("room-%d", seq.Add(1)) },
	})
	return h
}

func (h *harness) createRoom(t *testing.T, max int, cfg domain.RoomConfig) *domain.Room {
	t.Helper()
	room, err := h.o.Lifecycle.Create(context.Background(), CreateRoomRequest{
		Name:            "algebra",
		InstructorID:    teacher,
		MaxParticipants: max,
		Config:          cfg,
	})
	require.NoError(t, err)
	return room
}

func (h *harness) activeRoom(t *testing.T, max int, cfg domain.RoomConfig) domain.RoomID {
	t.Helper()
	room := h.createRoom(t, max, cfg)
	_, err := h.o.Lifecycle.Start(context.Background(), room.ID, teacher)
	require.NoError(t, err)
	return room.ID
}

func (h *harness) join(t *testing.T, roomID domain.RoomID, uid domain.UserID) *JoinResult {
	t.Helper()
	res, err := h.o.Membership.Join(context.Background(), roomID, JoinRequest{UserID: uid, DisplayName: string(uid)})
	require.NoError(t, err)
	return res
}

// connected joins uid and gives it both transports.
func (h *harness) connected(t *testing.T, roomID domain.RoomID, uid domain.UserID) (send, recv core.TransportDescriptor) {
	t.Helper()
	ctx := context.Background()
	h.join(t, roomID, uid)
	send, err := h.o.Broker.CreateTransport(ctx, roomID, uid, domain.TransportProducer)
	require.NoError(t, err)
	recv, err = h.o.Broker.CreateTransport(ctx, roomID, uid, domain.TransportConsumer)
	require.NoError(t, err)
	_, err = h.o.Broker.ConnectTransport(ctx, roomID, uid, send.ID, core.NegotiationParameters{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	return send, recv
}

func (h *harness) events(t *testing.T, roomID domain.RoomID, uid domain.UserID) []domain.Event {
	t.Helper()
	var out []domain.Event
	for _, raw := range h.cache.Messages(notify.Channel(roomID, uid)) {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.Lifecycle.Create(ctx, CreateRoomRequest{Name: "x", InstructorID: teacher, MaxParticipants: 0})
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	_, err = h.o.Lifecycle.Create(ctx, CreateRoomRequest{Name: "", InstructorID: teacher, MaxParticipants: 3})
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	room := h.createRoom(t, 3, domain.RoomConfig{})
	require.Equal(t, domain.RoomScheduled, room.Status)
	require.Equal(t, int64(1), room.Version)
	require.Equal(t, []domain.EventType{domain.EventRoomCreated}, h.sink.Types())
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, 3, domain.RoomConfig{})

	_, err := h.o.Lifecycle.End(ctx, room.ID, teacher)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	started, err := h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.NoError(t, err)
	require.Equal(t, domain.RoomActive, started.Status)
	require.NotEmpty(t, started.RouterID)
	require.NotNil(t, started.StartedAt)

	_, err = h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	ended, err := h.o.Lifecycle.End(ctx, room.ID, teacher)
	require.NoError(t, err)
	require.Equal(t, domain.RoomEnded, ended.Status)
	require.Empty(t, ended.RouterID)
	require.NotNil(t, ended.EndedAt)

	_, err = h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOnlyInstructorControlsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, 3, domain.RoomConfig{})

	_, err := h.o.Lifecycle.Start(ctx, room.ID, "student")
	require.ErrorIs(t, err, domain.ErrNotOwner)
	require.Zero(t, h.engine.Allocated("router"))

	_, err = h.o.Lifecycle.Start(ctx, "missing", teacher)
	require.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.NoError(t, err)
	_, err = h.o.Lifecycle.End(ctx, room.ID, "student")
	require.ErrorIs(t, err, domain.ErrNotOwner)
}

func TestStartEngineFailureLeavesRoomScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, 3, domain.RoomConfig{})

	h.engine.SetFail("CreateRouter", corefakes.ErrInjected)
	_, err := h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.ErrorIs(t, err, domain.ErrMediaEngine)
	require.ErrorIs(t, err, corefakes.ErrInjected)

	got, err := h.o.Lifecycle.Get(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoomScheduled, got.Status)

	h.engine.SetFail("CreateRouter", nil)
	_, err = h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.NoError(t, err)
}

func TestStartWhileStartInFlightConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, 3, domain.RoomConfig{})

	var inner error
	h.engine.SetHook("CreateRouter", func() {
		h.engine.SetHook("CreateRouter", nil)
		_, inner = h.o.Lifecycle.Start(ctx, room.ID, teacher)
	})
	_, err := h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.NoError(t, err)
	require.ErrorIs(t, inner, domain.ErrConflict)
	require.Equal(t, 1, h.engine.Allocated("router"))
}

func TestJoinBeforeStartThenAfter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, 3, domain.RoomConfig{MuteOnJoin: true})

	_, err := h.o.Membership.Join(ctx, room.ID, JoinRequest{UserID: "s1", DisplayName: "Sam"})
	require.ErrorIs(t, err, domain.ErrRoomNotActive)

	_, err = h.o.Membership.Join(ctx, "missing", JoinRequest{UserID: "s1"})
	require.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = h.o.Lifecycle.Start(ctx, room.ID, teacher)
	require.NoError(t, err)

	res := h.join(t, room.ID, "s1")
	require.Equal(t, domain.RoleStudent, res.Participant.Role)
	require.Equal(t, domain.Connecting, res.Participant.Status)
	require.False(t, res.Participant.Media.AudioEnabled)
	require.True(t, res.Participant.Media.VideoEnabled)
	require.Equal(t, []core.RTPCodec{corefakes.Opus, corefakes.VP8}, res.RouterCapabilities.Codecs)

	res = h.join(t, room.ID, teacher)
	require.Equal(t, domain.RoleInstructor, res.Participant.Role)

	_, err = h.o.Membership.Join(ctx, room.ID, JoinRequest{UserID: "s1"})
	require.ErrorIs(t, err, domain.ErrAlreadyJoined)

	evs := h.events(t, room.ID, "s1")
	require.Equal(t, []domain.EventType{domain.EventParticipantJoined}, eventTypes(evs))
	require.Equal(t, teacher, evs[0].UserID)
}

func TestCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 2, domain.RoomConfig{})

	h.join(t, roomID, "a")
	h.join(t, roomID, "b")
	_, err := h.o.Membership.Join(ctx, roomID, JoinRequest{UserID: "c"})
	require.ErrorIs(t, err, domain.ErrRoomFull)

	require.NoError(t, h.o.Membership.Leave(ctx, roomID, "a"))
	h.join(t, roomID, "c")

	ps, err := h.o.Membership.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
}

func TestConcurrentJoinOfSameUserAdmitsOne(t *testing.T) {
	h := newHarness(t)
	roomID := h.activeRoom(t, 50, domain.RoomConfig{})

	const n = 20
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		already atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.Membership.Join(context.Background(), roomID, JoinRequest{UserID: "dup"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyJoined):
				already.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(n-1), already.Load())

	ps, err := h.o.Membership.ListParticipants(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
}

func TestLeaveClosesEveryHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})

	aSend, aRecv := h.connected(t, roomID, "a")
	_, bRecv := h.connected(t, roomID, "b")

	prod, err := h.o.Broker.Produce(ctx, roomID, "a", aSend.ID, domain.MediaAudio, core.RTPParameters{})
	require.NoError(t, err)
	cons, err := h.o.Broker.Consume(ctx, roomID, "b", bRecv.ID, prod.ID, core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.Opus}})
	require.NoError(t, err)
	require.NotNil(t, cons)

	require.NoError(t, h.o.Membership.Leave(ctx, roomID, "a"))

	for _, id := range []string{aSend.ID, aRecv.ID, prod.ID, cons.ID} {
		require.Equal(t, 1, h.engine.CloseCount(id), id)
	}
	require.Equal(t, []domain.EventType{
		domain.EventNewProducer,
		domain.EventProducerClosed,
		domain.EventParticipantLeft,
	}, eventTypes(h.events(t, roomID, "b")))

	ps, err := h.o.Membership.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, ps, 1)

	// a second leave is a no-op
	require.NoError(t, h.o.Membership.Leave(ctx, roomID, "a"))
	require.Equal(t, 1, h.engine.CloseCount(aSend.ID))

	hist, err := h.store.ListParticipationsByUser(ctx, "a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, domain.Disconnected, hist[0].Status)
	require.NotNil(t, hist[0].LeftAt)
}

func TestEndReleasesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})

	aSend, _ := h.connected(t, roomID, "a")
	_, bRecv := h.connected(t, roomID, "b")
	prod, err := h.o.Broker.Produce(ctx, roomID, "a", aSend.ID, domain.MediaVideo, core.RTPParameters{})
	require.NoError(t, err)
	_, err = h.o.Broker.Consume(ctx, roomID, "b", bRecv.ID, prod.ID, core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.VP8}})
	require.NoError(t, err)

	ended, err := h.o.Lifecycle.End(ctx, roomID, teacher)
	require.NoError(t, err)
	require.Empty(t, ended.Participants)
	require.Empty(t, h.engine.Open(""))

	for _, uid := range []domain.UserID{"a", "b"} {
		evs := h.events(t, roomID, uid)
		require.Equal(t, domain.EventRoomEnded, evs[len(evs)-1].Type)
	}

	hist, err := h.store.ListParticipationsByUser(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, domain.Disconnected, hist[0].Status)

	_, err = h.o.Membership.Join(ctx, roomID, JoinRequest{UserID: "late"})
	require.ErrorIs(t, err, domain.ErrRoomNotActive)
}

func TestConcurrentEndSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	h.connected(t, roomID, "a")

	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.o.Lifecycle.End(context.Background(), roomID, teacher)
		}()
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
			invalid++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, invalid)
	require.Empty(t, h.engine.Open(""))
}

func TestCreateTransportIsIdempotentPerSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	h.join(t, roomID, "a")

	first, err := h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportProducer)
	require.NoError(t, err)
	second, err := h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportProducer)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, h.engine.Allocated("transport"))

	_, err = h.o.Broker.CreateTransport(ctx, roomID, "ghost", domain.TransportProducer)
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
	_, err = h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportKind("sideways"))
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestCreateTransportFailureLeavesSlotFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	h.join(t, roomID, "a")

	h.engine.SetFail("CreateTransport", corefakes.ErrInjected)
	_, err := h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportConsumer)
	require.ErrorIs(t, err, domain.ErrMediaEngine)

	h.engine.SetFail("CreateTransport", nil)
	_, err = h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportConsumer)
	require.NoError(t, err)
}

func TestLeaveDuringTransportAllocationReleasesHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	h.join(t, roomID, "a")

	h.engine.SetHook("CreateTransport", func() {
		h.engine.SetHook("CreateTransport", nil)
		require.NoError(t, h.o.Membership.Leave(ctx, roomID, "a"))
	})
	_, err := h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportProducer)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Empty(t, h.engine.Open("transport"))
}

func TestEndDuringProduceReleasesProducer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	send, _ := h.connected(t, roomID, "a")

	h.engine.SetHook("Produce", func() {
		h.engine.SetHook("Produce", nil)
		_, err := h.o.Lifecycle.End(ctx, roomID, teacher)
		require.NoError(t, err)
	})
	_, err := h.o.Broker.Produce(ctx, roomID, "a", send.ID, domain.MediaAudio, core.RTPParameters{})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Empty(t, h.engine.Open(""))
}

func TestProduceAnnouncesToOthersOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{MuteOnJoin: true})
	send, recv := h.connected(t, roomID, "a")
	h.join(t, roomID, "b")

	_, err := h.o.Broker.Produce(ctx, roomID, "a", recv.ID, domain.MediaAudio, core.RTPParameters{})
	require.ErrorIs(t, err, domain.ErrTransportNotFound)

	prod, err := h.o.Broker.Produce(ctx, roomID, "a", send.ID, domain.MediaAudio, core.RTPParameters{})
	require.NoError(t, err)
	require.Equal(t, domain.MediaAudio, prod.Kind)

	for _, ev := range h.events(t, roomID, "a") {
		require.NotEqual(t, domain.EventNewProducer, ev.Type)
	}
	evs := h.events(t, roomID, "b")
	last := evs[len(evs)-1]
	require.Equal(t, domain.EventNewProducer, last.Type)
	require.Equal(t, prod.ID, last.ProducerID)
	require.Equal(t, domain.UserID("a"), last.UserID)

	ps, err := h.o.Membership.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	require.True(t, ps[0].Media.AudioEnabled)
	require.Equal(t, domain.Connected, ps[0].Status)
}

func TestConsumeCompatibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	send, _ := h.connected(t, roomID, "a")
	_, recv := h.connected(t, roomID, "b")

	prod, err := h.o.Broker.Produce(ctx, roomID, "a", send.ID, domain.MediaVideo, core.RTPParameters{Codecs: []core.RTPCodec{corefakes.VP8}})
	require.NoError(t, err)

	cons, err := h.o.Broker.Consume(ctx, roomID, "b", recv.ID, prod.ID, core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.Opus}})
	require.NoError(t, err)
	require.Nil(t, cons)
	require.Zero(t, h.engine.Allocated("consumer"))

	cons, err = h.o.Broker.Consume(ctx, roomID, "b", recv.ID, prod.ID, core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.VP8}})
	require.NoError(t, err)
	require.NotNil(t, cons)
	require.True(t, cons.Paused)
	require.Equal(t, prod.ID, cons.ProducerID)
	require.Equal(t, domain.MediaVideo, cons.Kind)

	require.NoError(t, h.o.Broker.ResumeConsumer(ctx, roomID, "b", cons.ID))
	require.ErrorIs(t, h.o.Broker.ResumeConsumer(ctx, roomID, "b", "nope"), domain.ErrConsumerNotFound)

	_, err = h.o.Broker.Consume(ctx, roomID, "b", recv.ID, "producer-404", core.RTPCapabilities{})
	require.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestCloseProducerDropsDependentConsumers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	send, _ := h.connected(t, roomID, "a")
	_, recv := h.connected(t, roomID, "b")

	prod, err := h.o.Broker.Produce(ctx, roomID, "a", send.ID, domain.MediaAudio, core.RTPParameters{})
	require.NoError(t, err)
	cons, err := h.o.Broker.Consume(ctx, roomID, "b", recv.ID, prod.ID, core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.Opus}})
	require.NoError(t, err)

	require.ErrorIs(t, h.o.Broker.CloseProducer(ctx, roomID, "b", prod.ID), domain.ErrProducerNotFound)
	require.NoError(t, h.o.Broker.CloseProducer(ctx, roomID, "a", prod.ID))
	require.Equal(t, 1, h.engine.CloseCount(prod.ID))
	require.Equal(t, 1, h.engine.CloseCount(cons.ID))

	require.ErrorIs(t, h.o.Broker.ResumeConsumer(ctx, roomID, "b", cons.ID), domain.ErrConsumerNotFound)

	ps, err := h.o.Membership.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	require.False(t, ps[0].Media.AudioEnabled)
}

func TestSweepStaleTearsDownReapedProducer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})

	h.join(t, roomID, "a")
	aSend, err := h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportProducer)
	require.NoError(t, err)
	prod, err := h.o.Broker.Produce(ctx, roomID, "a", aSend.ID, domain.MediaAudio, core.RTPParameters{})
	require.NoError(t, err)

	_, bRecv := h.connected(t, roomID, "b")
	_, err = h.o.Broker.ConnectTransport(ctx, roomID, "b", bRecv.ID, core.NegotiationParameters{Type: "answer", SDP: "v=0"})
	require.NoError(t, err)
	cons, err := h.o.Broker.Consume(ctx, roomID, "b", bRecv.ID, prod.ID, core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.Opus}})
	require.NoError(t, err)
	require.NotNil(t, cons)

	r := app.NewReaper(h.reg, h.o.Broker, nil, h.clock, app.ReaperConfig{ReapAfter: time.Minute})
	require.Zero(t, r.Sweep(ctx))

	h.clock.Add(2 * time.Minute)
	require.Equal(t, 3, r.Sweep(ctx))
	for _, id := range []string{aSend.ID, prod.ID, cons.ID} {
		require.Equal(t, 1, h.engine.CloseCount(id), id)
	}
	require.Zero(t, h.engine.CloseCount(bRecv.ID))

	require.ErrorIs(t, h.o.Broker.ResumeConsumer(ctx, roomID, "b", cons.ID), domain.ErrConsumerNotFound)

	lr, ok := h.reg.Lookup(roomID)
	require.True(t, ok)
	lr.Lock()
	_, owned := lr.OwnerOf(aSend.ID)
	lr.Unlock()
	require.False(t, owned)

	ps, err := h.o.Membership.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	for _, p := range ps {
		if p.UserID == "a" {
			require.False(t, p.Media.AudioEnabled)
		}
	}

	evs := h.events(t, roomID, "b")
	last := evs[len(evs)-1]
	require.Equal(t, domain.EventProducerClosed, last.Type)
	require.Equal(t, prod.ID, last.ProducerID)
	require.Equal(t, domain.UserID("a"), last.UserID)

	// nothing left to reap
	require.Zero(t, r.Sweep(ctx))
}

func TestConcurrentLeaveAndEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		roomID := h.activeRoom(t, 5, domain.RoomConfig{})
		send, _ := h.connected(t, roomID, "a")
		_, err := h.o.Broker.Produce(ctx, roomID, "a", send.ID, domain.MediaAudio, core.RTPParameters{})
		require.NoError(t, err)
		h.connected(t, roomID, "b")

		var (
			wg       sync.WaitGroup
			leaveErr error
			endErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			leaveErr = h.o.Membership.Leave(ctx, roomID, "a")
		}()
		go func() {
			defer wg.Done()
			_, endErr = h.o.Lifecycle.End(ctx, roomID, teacher)
		}()
		wg.Wait()

		require.NoError(t, leaveErr)
		require.NoError(t, endErr)
		require.Empty(t, h.engine.Open(""))

		room, err := h.o.Lifecycle.Get(ctx, roomID)
		require.NoError(t, err)
		require.Equal(t, domain.RoomEnded, room.Status)
		require.Empty(t, room.Participants)
	}
}

func TestConnectUnknownTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	h.join(t, roomID, "a")

	_, err := h.o.Broker.ConnectTransport(ctx, roomID, "a", "transport-999", core.NegotiationParameters{})
	require.ErrorIs(t, err, domain.ErrTransportNotFound)

	h.engine.SetFail("Connect", corefakes.ErrInjected)
	tr, err := h.o.Broker.CreateTransport(ctx, roomID, "a", domain.TransportProducer)
	require.NoError(t, err)
	_, err = h.o.Broker.ConnectTransport(ctx, roomID, "a", tr.ID, core.NegotiationParameters{})
	require.ErrorIs(t, err, domain.ErrMediaEngine)

	ps, err := h.o.Membership.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, domain.Connecting, ps[0].Status)
}

func TestKick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	send, _ := h.connected(t, roomID, "a")
	h.join(t, roomID, "b")

	require.ErrorIs(t, h.o.Membership.Kick(ctx, roomID, "b", "a"), domain.ErrNotOwner)
	require.ErrorIs(t, h.o.Membership.Kick(ctx, roomID, teacher, "ghost"), domain.ErrParticipantNotFound)
	require.NoError(t, h.o.Membership.Kick(ctx, roomID, teacher, "a"))
	require.Equal(t, 1, h.engine.CloseCount(send.ID))

	evs := h.events(t, roomID, "a")
	require.Equal(t, domain.EventParticipantLeft, evs[len(evs)-1].Type)
}

func TestSetRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	blocked := h.activeRoom(t, 5, domain.RoomConfig{})
	_, err := h.o.Lifecycle.SetRecording(ctx, blocked, teacher, true)
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	roomID := h.activeRoom(t, 5, domain.RoomConfig{RecordingAllowed: true})
	h.join(t, roomID, "a")
	_, err = h.o.Lifecycle.SetRecording(ctx, roomID, "a", true)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	room, err := h.o.Lifecycle.SetRecording(ctx, roomID, teacher, true)
	require.NoError(t, err)
	require.True(t, room.Recording)
	evs := h.events(t, roomID, "a")
	require.Equal(t, domain.EventRecordingChanged, evs[len(evs)-1].Type)

	scheduled := h.createRoom(t, 5, domain.RoomConfig{RecordingAllowed: true})
	_, err = h.o.Lifecycle.SetRecording(ctx, scheduled.ID, teacher, true)
	require.ErrorIs(t, err, domain.ErrRoomNotActive)
}

func TestUpdateMedia(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})
	h.join(t, roomID, "a")
	h.join(t, roomID, teacher)

	on := true
	_, err := h.o.Membership.UpdateMedia(ctx, roomID, "a", domain.MediaUpdate{ScreenSharing: &on})
	require.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	p, err := h.o.Membership.UpdateMedia(ctx, roomID, "a", domain.MediaUpdate{HandRaised: &on})
	require.NoError(t, err)
	require.True(t, p.Media.HandRaised)

	p, err = h.o.Membership.UpdateMedia(ctx, roomID, teacher, domain.MediaUpdate{ScreenSharing: &on})
	require.NoError(t, err)
	require.True(t, p.Media.ScreenSharing)

	_, err = h.o.Membership.UpdateMedia(ctx, roomID, "ghost", domain.MediaUpdate{HandRaised: &on})
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestListByInstructor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createRoom(t, 5, domain.RoomConfig{})
	h.clock.Add(time.Hour)
	h.createRoom(t, 5, domain.RoomConfig{})

	rooms, err := h.o.Lifecycle.ListByInstructor(ctx, teacher)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	require.True(t, rooms[0].ScheduledAt.Before(rooms[1].ScheduledAt))

	rooms, err = h.o.Lifecycle.ListByInstructor(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func TestStoreOutageSurfaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.activeRoom(t, 5, domain.RoomConfig{})

	h.store.SetErr(errors.New("connection refused"))
	_, err := h.o.Membership.Join(ctx, roomID, JoinRequest{UserID: "a"})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	h.store.SetErr(nil)
	h.join(t, roomID, "a")
}
