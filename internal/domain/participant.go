package domain

import "time"

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

type ConnectionStatus string

const (
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

type TransportKind string

const (
	TransportProducer TransportKind = "producer"
	TransportConsumer TransportKind = "consumer"
)

func (k TransportKind) Valid() bool { return k == TransportProducer || k == TransportConsumer }

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

// MediaFlags are independently toggleable.
type MediaFlags struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
	HandRaised    bool `json:"handRaised"`
}

// Participant is one user's membership in a room. Transport, producer and
// consumer handles are node-local and tracked outside this record.
type Participant struct {
	RoomID      RoomID           `json:"roomId"`
	UserID      UserID           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Role        Role             `json:"role"`
	Status      ConnectionStatus `json:"status"`
	Media       MediaFlags       `json:"media"`
	JoinedAt    time.Time        `json:"joinedAt"`
	LeftAt      *time.Time       `json:"leftAt,omitempty"`
}

// NewParticipant applies the room's join defaults.
func NewParticipant(room *Room, user *User, now time.Time) *Participant {
	return &Participant{
		RoomID:      room.ID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        room.RoleOf(user.ID),
		Status:      Connecting,
		Media: MediaFlags{
			AudioEnabled: !room.Config.MuteOnJoin,
			VideoEnabled: !room.Config.VideoOffOnJoin,
		},
		JoinedAt: now,
	}
}

func (p *Participant) Disconnect(now time.Time) {
	p.Status = Disconnected
	if p.LeftAt == nil {
		p.LeftAt = &now
	}
}

// SetMediaFlag flips the flag matching a produced or closed media kind.
func (p *Participant) SetMediaFlag(kind MediaKind, on bool) {
	switch kind {
	case MediaAudio:
		p.Media.AudioEnabled = on
	case MediaVideo:
		p.Media.VideoEnabled = on
	}
}

func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	c := *p
	if p.LeftAt != nil {
		t := *p.LeftAt
		c.LeftAt = &t
	}
	return &c
}

// MediaUpdate carries self-service toggles; nil fields are left unchanged.
type MediaUpdate struct {
	AudioEnabled  *bool `json:"audioEnabled,omitempty"`
	VideoEnabled  *bool `json:"videoEnabled,omitempty"`
	ScreenSharing *bool `json:"screenSharing,omitempty"`
	HandRaised    *bool `json:"handRaised,omitempty"`
}

func (u MediaUpdate) Apply(f *MediaFlags) {
	if u.AudioEnabled != nil {
		f.AudioEnabled = *u.AudioEnabled
	}
	if u.VideoEnabled != nil {
		f.VideoEnabled = *u.VideoEnabled
	}
	if u.ScreenSharing != nil {
		f.ScreenSharing = *u.ScreenSharing
	}
	if u.HandRaised != nil {
		f.HandRaised = *u.HandRaised
	}
}
