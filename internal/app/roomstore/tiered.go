// Package roomstore is the read-through, write-through Room store spanning the
// in-process LRU, the shared cache and the durable store.
package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

// InvalidationChannel carries invalidation notices every node applies to its local tier.
const InvalidationChannel = "room-invalidations"

const (
	defaultTTL       = 10 * time.Minute
	defaultLocalSize = 4096
)

func roomKey(id domain.RoomID) string { return "room:" + string(id) }

// invalidation is the payload on InvalidationChannel. Version 0 drops the
// entry unconditionally.
type invalidation struct {
	Room    domain.RoomID `json:"room"`
	Version int64         `json:"version"`
	Node    string        `json:"node"`
}

type Options struct {
	TTL       time.Duration
	LocalSize int
	// NodeID tags this node's invalidations so Run can skip its own.
	NodeID string
}

type Tiered struct {
	mu      sync.Mutex // orders local adds against written
	local   *lru.Cache[domain.RoomID, *domain.Room]
	written *lru.Cache[domain.RoomID, int64]
	shared  core.SharedCache
	durable core.RoomStore
	ttl     time.Duration
	node    string
	group   singleflight.Group
}

func New(durable core.RoomStore, shared core.SharedCache, opts Options) (*Tiered, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.LocalSize <= 0 {
		opts.LocalSize = defaultLocalSize
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	local, err := lru.New[domain.RoomID, *domain.Room](opts.LocalSize)
	if err != nil {
		return nil, err
	}
	written, err := lru.New[domain.RoomID, int64](opts.LocalSize)
	if err != nil {
		return nil, err
	}
	return &Tiered{
		local:   local,
		written: written,
		shared:  shared,
		durable: durable,
		ttl:     opts.TTL,
		node:    opts.NodeID,
	}, nil
}

// GetRoom reads the in-process tier, then the shared cache, then the durable
// store, backfilling the faster tiers on each miss. Callers get their own copy.
func (t *Tiered) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	if room, ok := t.local.Get(id); ok {
		return room.Clone(), nil
	}
	// coalesced waiters must not inherit the first caller's cancellation
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := t.group.Do(string(id), func() (any, error) {
		return t.loadShared(loadCtx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Room).Clone(), nil
}

func (t *Tiered) loadShared(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, found, err := t.shared.Get(ctx, roomKey(id))
	if err != nil {
		return nil, domain.Unavailable("shared cache get", err)
	}
	if found {
		room := &domain.Room{}
		if err := json.Unmarshal(data, room); err != nil {
			log.Warn().Err(err).Str("module", "roomstore").Str("room", string(id)).Msg("dropping undecodable shared entry")
		} else if t.superseded(room) {
			log.Debug().Str("module", "roomstore").Str("room", string(id)).Int64("version", room.Version).Msg("shared entry older than last write")
		} else {
			if room.Participants == nil {
				room.Participants = make(map[domain.UserID]*domain.Participant)
			}
			t.storeLocal(room)
			return room, nil
		}
	}

	room, err := t.durable.GetRoom(ctx, id)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.Unavailable("durable get", err)
	}
	// a write that landed while we were loading owns both tiers
	if t.superseded(room) {
		return room, nil
	}
	data, err = json.Marshal(room)
	if err != nil {
		return nil, err
	}
	if _, err := t.shared.SetNX(ctx, roomKey(id), data, t.ttl); err != nil {
		return nil, domain.Unavailable("shared cache backfill", err)
	}
	t.storeLocal(room)
	return room, nil
}

// noteWrite records the newest version known to exist for id.
func (t *Tiered) noteWrite(id domain.RoomID, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.written.Peek(id); !ok || version > cur {
		t.written.Add(id, version)
	}
}

func (t *Tiered) superseded(room *domain.Room) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.written.Peek(room.ID)
	return ok && room.Version < cur
}

// storeLocal caches room unless a newer version is known or already cached.
func (t *Tiered) storeLocal(room *domain.Room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.written.Peek(room.ID); ok && room.Version < cur {
		return
	}
	if cur, ok := t.local.Peek(room.ID); ok && cur.Version > room.Version {
		return
	}
	t.local.Add(room.ID, room.Clone())
}

func (t *Tiered) writeShared(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := t.shared.Set(ctx, roomKey(room.ID), data, t.ttl); err != nil {
		t.local.Remove(room.ID)
		return domain.Unavailable("shared cache set", err)
	}
	return nil
}

func (t *Tiered) announce(ctx context.Context, id domain.RoomID, version int64) error {
	payload, err := json.Marshal(invalidation{Room: id, Version: version, Node: t.node})
	if err != nil {
		return err
	}
	return t.shared.Publish(ctx, InvalidationChannel, payload)
}

// CreateRoom persists a new room and seeds both caches.
func (t *Tiered) CreateRoom(ctx context.Context, room *domain.Room) error {
	if err := t.durable.CreateRoom(ctx, room); err != nil {
		return domain.Unavailable("durable create", err)
	}
	t.noteWrite(room.ID, room.Version)
	if err := t.writeShared(ctx, room); err != nil {
		return err
	}
	t.storeLocal(room)
	return nil
}

// PutRoom writes the durable store first, then overwrites the shared cache and
// the in-process entry, then tells peer nodes. room.Version is advanced on success.
//
// Once the durable save commits the call succeeds even if the shared cache
// cannot be refreshed, as long as the old shared entry could be dropped.
func (t *Tiered) PutRoom(ctx context.Context, room *domain.Room) error {
	if err := t.durable.SaveRoom(ctx, room); err != nil {
		t.local.Remove(room.ID)
		if errors.Is(err, domain.ErrConflict) {
			_ = t.shared.Del(ctx, roomKey(room.ID))
			return err
		}
		if errors.Is(err, domain.ErrRoomNotFound) {
			return err
		}
		return domain.Unavailable("durable save", err)
	}
	t.noteWrite(room.ID, room.Version)

	logger := log.With().Str("module", "roomstore").Str("room", string(room.ID)).Int64("version", room.Version).Logger()
	if err := t.writeShared(ctx, room); err != nil {
		if derr := t.shared.Del(ctx, roomKey(room.ID)); derr != nil {
			logger.Error().Err(err).AnErr("del", derr).Msg("saved room but shared entry is stale")
			return err
		}
		logger.Warn().Err(err).Msg("saved room without refreshing shared cache")
	}
	t.storeLocal(room)

	if err := t.announce(ctx, room.ID, room.Version); err != nil {
		logger.Warn().Err(err).Msg("publish invalidation")
	}
	return nil
}

// InvalidateRoom drops the room from both cache tiers here and asks peer nodes
// to drop their in-process copy. The durable record is untouched.
func (t *Tiered) InvalidateRoom(ctx context.Context, id domain.RoomID) error {
	t.local.Remove(id)
	if err := t.shared.Del(ctx, roomKey(id)); err != nil {
		return domain.Unavailable("shared cache del", err)
	}
	if err := t.announce(ctx, id, 0); err != nil {
		return domain.Unavailable("publish invalidation", err)
	}
	return nil
}

// EvictLocal forgets the in-process copy only.
func (t *Tiered) EvictLocal(id domain.RoomID) { t.local.Remove(id) }

func (t *Tiered) ListByInstructor(ctx context.Context, instructor domain.UserID) ([]*domain.Room, error) {
	rooms, err := t.durable.ListRoomsByInstructor(ctx, instructor)
	if err != nil {
		return nil, domain.Unavailable("durable list rooms", err)
	}
	return rooms, nil
}

func (t *Tiered) ListParticipationsByUser(ctx context.Context, user domain.UserID) ([]*domain.Participant, error) {
	ps, err := t.durable.ListParticipationsByUser(ctx, user)
	if err != nil {
		return nil, domain.Unavailable("durable list participations", err)
	}
	return ps, nil
}

// Run applies peer invalidations to the local tier until ctx ends. An entry is
// dropped when the notice names a newer version than the one cached here.
func (t *Tiered) Run(ctx context.Context) error {
	sub, err := t.shared.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return domain.Unavailable("subscribe invalidations", err)
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			t.apply(msg)
		}
	}
}

func (t *Tiered) apply(msg []byte) {
	var inv invalidation
	if err := json.Unmarshal(msg, &inv); err != nil {
		// bare room id
		inv = invalidation{Room: domain.RoomID(msg)}
	}
	if inv.Node == t.node {
		return
	}
	t.mu.Lock()
	if inv.Version > 0 {
		if cur, ok := t.written.Peek(inv.Room); !ok || inv.Version > cur {
			t.written.Add(inv.Room, inv.Version)
		}
	}
	cur, ok := t.local.Peek(inv.Room)
	drop := ok && (inv.Version == 0 || cur.Version < inv.Version)
	if drop {
		t.local.Remove(inv.Room)
	}
	t.mu.Unlock()
	if drop {
		log.Debug().Str("module", "roomstore").Str("room", string(inv.Room)).Int64("version", inv.Version).Msg("invalidated local entry")
	}
}
