package rtc

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

// Router owns every transport and producer allocated for one room.
type Router struct {
	id     string
	roomID domain.RoomID
	caps   core.RTPCapabilities

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func (r *Router) ID() string                         { return r.id }
func (r *Router) Capabilities() core.RTPCapabilities { return r.caps }

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// close marks the router closed and hands back what it still owned.
func (r *Router) close() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	out := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	r.transports = map[string]*Transport{}
	r.producers = map[string]*Producer{}
	return out
}

// Producer is one inbound track relayed to any number of consumers.
type Producer struct {
	id        string
	kind      domain.MediaKind
	codec     core.RTPCodec
	trackID   string
	transport *Transport
	relay     *Relay
	bound     bool // guarded by transport.mu
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Codec() core.RTPCodec   { return p.codec }

// Consumer is a local track on a consumer transport fed by a producer's relay.
type Consumer struct {
	id        string
	producer  *Producer
	codec     core.RTPCodec
	transport *Transport
	out       *OutTrack
	sender    *webrtc.RTPSender
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }
func (c *Consumer) Codec() core.RTPCodec   { return c.codec }
func (c *Consumer) Paused() bool           { return c.out.GetState() != TrackStateOk }

// matchCodec finds the entry of caps that can decode codec.
func matchCodec(codec core.RTPCodec, caps core.RTPCapabilities) (core.RTPCodec, bool) {
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) && (c.ClockRate == 0 || c.ClockRate == codec.ClockRate) {
			return c, true
		}
	}
	return core.RTPCodec{}, false
}

func kindOf(mime string) domain.MediaKind {
	if strings.HasPrefix(strings.ToLower(mime), "video/") {
		return domain.MediaVideo
	}
	return domain.MediaAudio
}

func toCapability(c core.RTPCodec) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: c.MimeType, ClockRate: c.ClockRate, Channels: c.Channels, SDPFmtpLine: c.SDPFmtpLine}
}
