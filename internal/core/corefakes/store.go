package corefakes

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

// Store is an in-memory RoomStore with the same version semantics as the gorm one.
type Store struct {
	mu      sync.Mutex
	rooms   map[domain.RoomID]*domain.Room
	history map[domain.RoomID]map[domain.UserID]*domain.Participant

	Err   error
	Reads int
}

var _ core.RoomStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		rooms:   make(map[domain.RoomID]*domain.Room),
		history: make(map[domain.RoomID]map[domain.UserID]*domain.Participant),
	}
}

func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Store) CreateRoom(ctx context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	room.Version = 1
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads++
	if s.Err != nil {
		return nil, s.Err
	}
	r, ok := s.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return r.Clone(), nil
}

func (s *Store) SaveRoom(ctx context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.rooms[room.ID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if cur.Version != room.Version {
		return &domain.OpError{Kind: domain.ErrConflict, Op: "save room"}
	}
	room.Version++
	s.rooms[room.ID] = room.Clone()
	h := s.history[room.ID]
	if h == nil {
		h = make(map[domain.UserID]*domain.Participant)
		s.history[room.ID] = h
	}
	now := time.Now()
	for uid, p := range h {
		if _, present := room.Participants[uid]; !present && p.LeftAt == nil {
			p.Disconnect(now)
		}
	}
	for uid, p := range room.Participants {
		h[uid] = p.Clone()
	}
	return nil
}

func (s *Store) ListRoomsByInstructor(ctx context.Context, instructor domain.UserID) ([]*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Room
	for _, r := range s.rooms {
		if r.InstructorID == instructor {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListParticipationsByUser(ctx context.Context, user domain.UserID) ([]*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Participant
	for _, h := range s.history {
		if p, ok := h[user]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}
