package postgres

import (
	"time"

	"github.com/dkeye/liveclass/internal/domain"
)

type roomModel struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"size:200;not null"`
	InstructorID    string `gorm:"size:64;not null;index"`
	Status          string `gorm:"size:16;not null"`
	MaxParticipants int    `gorm:"not null"`
	RouterID        string
	Recording       bool
	Version         int64 `gorm:"not null"`

	MuteOnJoin         bool
	VideoOffOnJoin     bool
	RecordingAllowed   bool
	ScreenShareAllowed bool
	ChatEnabled        bool

	ScheduledAt time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
	StartedAt   *time.Time
	EndedAt     *time.Time
}

func (roomModel) TableName() string { return "rooms" }

// participantModel keeps one row per (room, user). Rows of departed users stay
// with Active=false as attendance history.
type participantModel struct {
	RoomID      string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"primaryKey;size:64;index"`
	DisplayName string `gorm:"size:64"`
	Role        string `gorm:"size:16"`
	Status      string `gorm:"size:16"`
	Active      bool   `gorm:"index"`

	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
	HandRaised    bool

	JoinedAt time.Time
	LeftAt   *time.Time
}

func (participantModel) TableName() string { return "participants" }

func fromRoom(r *domain.Room) roomModel {
	return roomModel{
		ID:                 string(r.ID),
		Name:               r.Name,
		InstructorID:       string(r.InstructorID),
		Status:             string(r.Status),
		MaxParticipants:    r.MaxParticipants,
		RouterID:           r.RouterID,
		Recording:          r.Recording,
		Version:            r.Version,
		MuteOnJoin:         r.Config.MuteOnJoin,
		VideoOffOnJoin:     r.Config.VideoOffOnJoin,
		RecordingAllowed:   r.Config.RecordingAllowed,
		ScreenShareAllowed: r.Config.ScreenShareAllowed,
		ChatEnabled:        r.Config.ChatEnabled,
		ScheduledAt:        r.ScheduledAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		StartedAt:          r.StartedAt,
		EndedAt:            r.EndedAt,
	}
}

func (m roomModel) toDomain(parts []participantModel) *domain.Room {
	r := &domain.Room{
		ID:              domain.RoomID(m.ID),
		Name:            m.Name,
		InstructorID:    domain.UserID(m.InstructorID),
		Status:          domain.RoomStatus(m.Status),
		MaxParticipants: m.MaxParticipants,
		RouterID:        m.RouterID,
		Recording:       m.Recording,
		Version:         m.Version,
		Config: domain.RoomConfig{
			MuteOnJoin:         m.MuteOnJoin,
			VideoOffOnJoin:     m.VideoOffOnJoin,
			RecordingAllowed:   m.RecordingAllowed,
			ScreenShareAllowed: m.ScreenShareAllowed,
			ChatEnabled:        m.ChatEnabled,
		},
		ScheduledAt:  m.ScheduledAt.UTC(),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		StartedAt:    utcPtr(m.StartedAt),
		EndedAt:      utcPtr(m.EndedAt),
		Participants: make(map[domain.UserID]*domain.Participant, len(parts)),
	}
	for _, p := range parts {
		r.Participants[domain.UserID(p.UserID)] = p.toDomain()
	}
	return r
}

func fromParticipant(p *domain.Participant) participantModel {
	return participantModel{
		RoomID:        string(p.RoomID),
		UserID:        string(p.UserID),
		DisplayName:   p.DisplayName,
		Role:          string(p.Role),
		Status:        string(p.Status),
		Active:        true,
		AudioEnabled:  p.Media.AudioEnabled,
		VideoEnabled:  p.Media.VideoEnabled,
		ScreenSharing: p.Media.ScreenSharing,
		HandRaised:    p.Media.HandRaised,
		JoinedAt:      p.JoinedAt,
		LeftAt:        p.LeftAt,
	}
}

func (m participantModel) toDomain() *domain.Participant {
	return &domain.Participant{
		RoomID:      domain.RoomID(m.RoomID),
		UserID:      domain.UserID(m.UserID),
		DisplayName: m.DisplayName,
		Role:        domain.Role(m.Role),
		Status:      domain.ConnectionStatus(m.Status),
		Media: domain.MediaFlags{
			AudioEnabled:  m.AudioEnabled,
			VideoEnabled:  m.VideoEnabled,
			ScreenSharing: m.ScreenSharing,
			HandRaised:    m.HandRaised,
		},
		JoinedAt: m.JoinedAt.UTC(),
		LeftAt:   utcPtr(m.LeftAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
