package domain

import "time"

type EventType string

const (
	EventRoomCreated        EventType = "room-created"
	EventRoomStarted        EventType = "room-started"
	EventRoomEnded          EventType = "room-ended"
	EventRecordingChanged   EventType = "recording-changed"
	EventParticipantJoined  EventType = "participant-joined"
	EventParticipantLeft    EventType = "participant-left"
	EventParticipantUpdated EventType = "participant-updated"
	EventNewProducer        EventType = "new-producer"
	EventProducerClosed     EventType = "producer-closed"
)

// Event is what participants and collaborators observe about a room.
type Event struct {
	Type        EventType    `json:"type"`
	RoomID      RoomID       `json:"roomId"`
	UserID      UserID       `json:"userId,omitempty"`
	ProducerID  string       `json:"producerId,omitempty"`
	Kind        MediaKind    `json:"kind,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Room        *Room        `json:"room,omitempty"`
	At          time.Time    `json:"at"`
}
