package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/liveclass/internal/app/sfu"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

// Member is the node-local side of a participant: its engine handles and the
// epoch it joined under.
type Member struct {
	Media   *sfu.MediaSet
	Epoch   uint64
	Leaving bool
}

// LiveRoom is the per-room exclusion domain. Every field is guarded by its
// mutex; callers Lock/Unlock around the accessor methods.
type LiveRoom struct {
	mu sync.Mutex

	ID         domain.RoomID
	router     core.RouterHandle
	members    map[domain.UserID]*Member
	owners     map[string]domain.UserID
	generation uint64
	epochs     uint64
	refs       int // guarded by the Registry

	Starting bool
	Ending   bool
	EndedAt  time.Time
}

func newLiveRoom(id domain.RoomID) *LiveRoom {
	return &LiveRoom{
		ID:      id,
		members: make(map[domain.UserID]*Member),
		owners:  make(map[string]domain.UserID),
	}
}

func (lr *LiveRoom) Lock()   { lr.mu.Lock() }
func (lr *LiveRoom) Unlock() { lr.mu.Unlock() }

func (lr *LiveRoom) Router() core.RouterHandle { return lr.router }

// SetRouter installs or clears the router and starts a new generation.
func (lr *LiveRoom) SetRouter(r core.RouterHandle) {
	lr.router = r
	lr.generation++
}

func (lr *LiveRoom) Generation() uint64 { return lr.generation }

func (lr *LiveRoom) Member(uid domain.UserID) (*Member, bool) {
	m, ok := lr.members[uid]
	return m, ok
}

// AddMember registers uid with an empty MediaSet under a fresh epoch.
func (lr *LiveRoom) AddMember(uid domain.UserID) *Member {
	lr.epochs++
	m := &Member{Media: sfu.NewMediaSet(), Epoch: lr.epochs}
	lr.members[uid] = m
	return m
}

// DetachMedia hands the member's MediaSet to the caller and forgets its handles.
func (lr *LiveRoom) DetachMedia(uid domain.UserID) *sfu.MediaSet {
	m, ok := lr.members[uid]
	if !ok || m.Media == nil {
		return nil
	}
	media := m.Media
	m.Media = nil
	lr.ReleaseHandles(media.HandleIDs()...)
	return media
}

func (lr *LiveRoom) RemoveMember(uid domain.UserID) {
	if m, ok := lr.members[uid]; ok && m.Media != nil {
		lr.ReleaseHandles(m.Media.HandleIDs()...)
	}
	delete(lr.members, uid)
}

// DetachAll removes every member and returns their media sets.
func (lr *LiveRoom) DetachAll() []*sfu.MediaSet {
	out := make([]*sfu.MediaSet, 0, len(lr.members))
	for uid, m := range lr.members {
		if m.Media != nil {
			out = append(out, m.Media)
		}
		delete(lr.members, uid)
	}
	lr.owners = make(map[string]domain.UserID)
	return out
}

// ForEachMember visits every member. Must be called with lr locked.
func (lr *LiveRoom) ForEachMember(fn func(uid domain.UserID, m *Member)) {
	for uid, m := range lr.members {
		fn(uid, m)
	}
}

// Idle reports an entry holding nothing: no router, no members and no
// lifecycle operation in flight.
func (lr *LiveRoom) Idle() bool {
	return lr.router == nil && len(lr.members) == 0 && !lr.Starting && !lr.Ending
}

func (lr *LiveRoom) MemberIDs() []domain.UserID {
	out := make([]domain.UserID, 0, len(lr.members))
	for uid := range lr.members {
		out = append(out, uid)
	}
	return out
}

// ClaimHandle records uid as the single owner of a handle id.
func (lr *LiveRoom) ClaimHandle(uid domain.UserID, id string) error {
	if owner, ok := lr.owners[id]; ok && owner != uid {
		return &domain.OpError{Kind: domain.ErrConflict, Op: "claim handle " + id}
	}
	lr.owners[id] = uid
	return nil
}

func (lr *LiveRoom) ReleaseHandles(ids ...string) {
	for _, id := range ids {
		delete(lr.owners, id)
	}
}

// OwnerOf returns the participant holding a handle id.
func (lr *LiveRoom) OwnerOf(id string) (domain.UserID, bool) {
	uid, ok := lr.owners[id]
	return uid, ok
}

// Registry is the node-local set of live rooms. It is constructed explicitly
// and torn down with Close. Callers pin an entry with Acquire while they use it
// so the reaper never retires a room out from under an operation.
type Registry struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*LiveRoom
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*LiveRoom)}
}

// Acquire returns the live entry for id, creating it on first use, and pins it
// until Release.
func (r *Registry) Acquire(id domain.RoomID) *LiveRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.rooms[id]
	if !ok {
		lr = newLiveRoom(id)
		r.rooms[id] = lr
	}
	lr.refs++
	return lr
}

// AcquireExisting pins the entry for id only if this node already has one.
func (r *Registry) AcquireExisting(id domain.RoomID) (*LiveRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.rooms[id]
	if ok {
		lr.refs++
	}
	return lr, ok
}

func (r *Registry) Release(lr *LiveRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr.refs--
}

func (r *Registry) Lookup(id domain.RoomID) (*LiveRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.rooms[id]
	return lr, ok
}

// Retire removes the entry for id when nobody holds it and retire, called with
// the room locked, agrees.
func (r *Registry) Retire(id domain.RoomID, retire func(lr *LiveRoom) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.rooms[id]
	if !ok || lr.refs > 0 {
		return false
	}
	lr.Lock()
	gone := retire(lr)
	lr.Unlock()
	if gone {
		delete(r.rooms, id)
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("retired live room")
	}
	return gone
}

func (r *Registry) Rooms() []*LiveRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LiveRoom, 0, len(r.rooms))
	for _, lr := range r.rooms {
		out = append(out, lr)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close releases every handle and router still held on this node.
func (r *Registry) Close(ctx context.Context, engine core.MediaEngine) error {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[domain.RoomID]*LiveRoom)
	r.mu.Unlock()

	var err error
	for id, lr := range rooms {
		lr.Lock()
		sets := lr.DetachAll()
		router := lr.router
		lr.router = nil
		lr.Unlock()
		for _, set := range sets {
			_, cerr := set.Close(ctx, engine)
			err = multierr.Append(err, cerr)
		}
		if router != nil {
			err = multierr.Append(err, engine.CloseRouter(ctx, router))
		}
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("closed live room")
	}
	return err
}
