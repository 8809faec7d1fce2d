package domain

import (
	"time"
)

type RoomID string

type RoomStatus string

const (
	RoomScheduled RoomStatus = "scheduled"
	RoomActive    RoomStatus = "active"
	RoomEnded     RoomStatus = "ended"
)

// RoomConfig is fixed at creation time.
type RoomConfig struct {
	MuteOnJoin         bool `json:"muteOnJoin"`
	VideoOffOnJoin     bool `json:"videoOffOnJoin"`
	RecordingAllowed   bool `json:"recordingAllowed"`
	ScreenShareAllowed bool `json:"screenShareAllowed"`
	ChatEnabled        bool `json:"chatEnabled"`
}

// Room is a scheduled live session. It owns its participants by value;
// participants refer back to it only through RoomID.
type Room struct {
	ID              RoomID     `json:"id"`
	Name            string     `json:"name"`
	InstructorID    UserID     `json:"instructorId"`
	Status          RoomStatus `json:"status"`
	MaxParticipants int        `json:"maxParticipants"`
	Config          RoomConfig `json:"config"`
	RouterID        string     `json:"routerId,omitempty"`
	Recording       bool       `json:"recording"`
	Version         int64      `json:"version"`

	ScheduledAt time.Time  `json:"scheduledAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	Participants map[UserID]*Participant `json:"participants"`
}

// NewRoom validates the request and returns a Scheduled room.
func NewRoom(id RoomID, name string, instructor UserID, scheduledAt time.Time, maxParticipants int, cfg RoomConfig, now time.Time) (*Room, error) {
	if name == "" || len(name) > MaxRoomNameLen {
		return nil, Invalid("create room", ErrRoomNameInvalid)
	}
	if instructor == "" {
		return nil, Invalid("create room", ErrUserIDEmpty)
	}
	if maxParticipants <= 0 {
		return nil, Invalid("create room", ErrMaxParticipantsRange)
	}
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return &Room{
		ID:              id,
		Name:            name,
		InstructorID:    instructor,
		Status:          RoomScheduled,
		MaxParticipants: maxParticipants,
		Config:          cfg,
		ScheduledAt:     scheduledAt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Participants:    make(map[UserID]*Participant),
	}, nil
}

// IsOwner is the single authorization point for instructor-only operations.
func (r *Room) IsOwner(uid UserID) bool { return uid != "" && uid == r.InstructorID }

// RoleOf reports the role a user takes when joining this room.
func (r *Room) RoleOf(uid UserID) Role {
	if r.IsOwner(uid) {
		return RoleInstructor
	}
	return RoleStudent
}

// CanStart reports ErrInvalidTransition unless the room is Scheduled.
func (r *Room) CanStart() error {
	if r.Status != RoomScheduled {
		return ErrInvalidTransition
	}
	return nil
}

// CanEnd reports ErrInvalidTransition unless the room is Active.
func (r *Room) CanEnd() error {
	if r.Status != RoomActive {
		return ErrInvalidTransition
	}
	return nil
}

func (r *Room) MarkStarted(routerID string, now time.Time) {
	r.Status = RoomActive
	r.RouterID = routerID
	r.StartedAt = &now
	r.UpdatedAt = now
}

// MarkEnded disconnects and removes every participant.
func (r *Room) MarkEnded(now time.Time) []*Participant {
	gone := make([]*Participant, 0, len(r.Participants))
	for uid, p := range r.Participants {
		p.Disconnect(now)
		gone = append(gone, p)
		delete(r.Participants, uid)
	}
	r.Status = RoomEnded
	r.RouterID = ""
	r.Recording = false
	r.EndedAt = &now
	r.UpdatedAt = now
	return gone
}

func (r *Room) ParticipantCount() int { return len(r.Participants) }

// ParticipantIDs lists members, optionally leaving some out.
func (r *Room) ParticipantIDs(exclude ...UserID) []UserID {
	out := make([]UserID, 0, len(r.Participants))
	for uid := range r.Participants {
		skip := false
		for _, e := range exclude {
			if e == uid {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, uid)
		}
	}
	return out
}

// Clone returns a deep copy so cache tiers never share mutable state.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	c.Participants = make(map[UserID]*Participant, len(r.Participants))
	for uid, p := range r.Participants {
		c.Participants[uid] = p.Clone()
	}
	return &c
}
