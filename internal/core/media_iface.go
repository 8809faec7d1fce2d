package core

import (
	"context"

	"github.com/dkeye/liveclass/internal/domain"
)

// RTPCodec describes one codec as both sides of a negotiation see it.
type RTPCodec struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// RTPCapabilities is what a router can route or a receiver can decode.
type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

// RTPParameters describe a stream a participant is about to send.
type RTPParameters struct {
	Codecs  []RTPCodec `json:"codecs"`
	TrackID string     `json:"trackId,omitempty"`
}

// NegotiationParameters is the opaque payload exchanged while connecting a
// transport. The pion engine carries SDP in it.
type NegotiationParameters struct {
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp,omitempty"`
}

type TransportDescriptor struct {
	ID         string               `json:"id"`
	Kind       domain.TransportKind `json:"kind"`
	ICEServers []string             `json:"iceServers,omitempty"`
}

type ProducerDescriptor struct {
	ID     string           `json:"id"`
	Kind   domain.MediaKind `json:"kind"`
	UserID domain.UserID    `json:"userId"`
}

type ConsumerDescriptor struct {
	ID         string           `json:"id"`
	ProducerID string           `json:"producerId"`
	Kind       domain.MediaKind `json:"kind"`
	Codec      RTPCodec         `json:"codec"`
	Paused     bool             `json:"paused"`
}

// Handle is any object allocated by the media engine.
type Handle interface {
	ID() string
}

type RouterHandle interface {
	Handle
	Capabilities() RTPCapabilities
}

type TransportHandle interface {
	Handle
	Kind() domain.TransportKind
	Descriptor() TransportDescriptor
}

type ProducerHandle interface {
	Handle
	Kind() domain.MediaKind
}

type ConsumerHandle interface {
	Handle
	ProducerID() string
	Kind() domain.MediaKind
	Codec() RTPCodec
	Paused() bool
}

// MediaEngine is the external SFU. Every close is idempotent and CloseRouter
// cascades to everything created under the router. A failed call must not
// leave an engine-side allocation behind.
type MediaEngine interface {
	CreateRouter(ctx context.Context, roomID domain.RoomID) (RouterHandle, error)
	CloseRouter(ctx context.Context, router RouterHandle) error
	CreateTransport(ctx context.Context, router RouterHandle, kind domain.TransportKind) (TransportHandle, error)
	Connect(ctx context.Context, transport TransportHandle, params NegotiationParameters) (NegotiationParameters, error)
	Produce(ctx context.Context, transport TransportHandle, kind domain.MediaKind, params RTPParameters) (ProducerHandle, error)
	CanConsume(ctx context.Context, router RouterHandle, producerID string, caps RTPCapabilities) (bool, error)
	// Consume returns a nil handle without error when caps cannot decode the producer.
	Consume(ctx context.Context, router RouterHandle, transport TransportHandle, producerID string, caps RTPCapabilities) (ConsumerHandle, error)
	Resume(ctx context.Context, consumer ConsumerHandle) error
	Close(ctx context.Context, h Handle) error
}
