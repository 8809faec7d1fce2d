package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

var errUnknownSDPType = errors.New("unknown negotiation type")

// Transport wraps one PeerConnection. Producer transports only receive,
// consumer transports only send.
type Transport struct {
	id         string
	kind       domain.TransportKind
	router     *Router
	pc         *webrtc.PeerConnection
	iceServers []string

	mu        sync.Mutex
	producers map[string]*Producer
	consumers map[string]*Consumer
	unclaimed []*webrtc.TrackRemote
	closed    bool
}

func (t *Transport) ID() string                 { return t.id }
func (t *Transport) Kind() domain.TransportKind { return t.kind }
func (t *Transport) Descriptor() core.TransportDescriptor {
	return core.TransportDescriptor{ID: t.id, Kind: t.kind, ICEServers: t.iceServers}
}

func (t *Transport) start() {
	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("transport", t.id).Str("state", s.String()).Msg("ICE state")
	})
	if t.kind == domain.TransportProducer {
		t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			t.bind(remote)
		})
	}
}

// bind attaches an arriving remote track to the producer that announced it,
// first by track id, then by kind. Tracks nobody claimed yet wait for Produce.
func (t *Transport) bind(remote *webrtc.TrackRemote) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	p := t.pendingFor(remote)
	if p == nil {
		t.unclaimed = append(t.unclaimed, remote)
		t.mu.Unlock()
		log.Debug().Str("module", "rtc").Str("transport", t.id).Str("track", remote.ID()).Msg("track waiting for producer")
		return
	}
	t.mu.Unlock()
	startRelay(p, remote)
}

// pendingFor claims the producer waiting for remote. Must be called with t.mu held.
func (t *Transport) pendingFor(remote *webrtc.TrackRemote) *Producer {
	kind := kindOf(remote.Codec().MimeType)
	var byKind *Producer
	for _, p := range t.producers {
		if p.bound {
			continue
		}
		if p.trackID != "" && p.trackID == remote.ID() {
			p.bound = true
			return p
		}
		if byKind == nil && p.trackID == "" && p.kind == kind {
			byKind = p
		}
	}
	if byKind != nil {
		byKind.bound = true
	}
	return byKind
}

// takeUnclaimed must be called with t.mu held.
func (t *Transport) takeUnclaimed(p *Producer) *webrtc.TrackRemote {
	for i, remote := range t.unclaimed {
		idMatch := p.trackID != "" && p.trackID == remote.ID()
		kindMatch := p.trackID == "" && kindOf(remote.Codec().MimeType) == p.kind
		if idMatch || kindMatch {
			t.unclaimed = append(t.unclaimed[:i], t.unclaimed[i+1:]...)
			return remote
		}
	}
	return nil
}

func startRelay(p *Producer, remote *webrtc.TrackRemote) {
	logger := log.With().Str("module", "rtc").Str("producer", p.id).Logger()
	if p.relay.Start(context.Background(), remote, &logger) {
		logger.Info().Str("track", remote.ID()).Str("codec", remote.Codec().MimeType).Msg("producer bound to track")
	}
}

// negotiate applies the peer's description and returns ours. An empty type
// asks for a server offer, used after consumers were added.
func (t *Transport) negotiate(ctx context.Context, params core.NegotiationParameters) (core.NegotiationParameters, error) {
	switch params.Type {
	case "offer":
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: params.SDP}); err != nil {
			return core.NegotiationParameters{}, errors.Wrap(err, "set remote offer")
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return core.NegotiationParameters{}, errors.Wrap(err, "create answer")
		}
		return t.settle(ctx, answer)
	case "answer":
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: params.SDP}); err != nil {
			return core.NegotiationParameters{}, errors.Wrap(err, "set remote answer")
		}
		return core.NegotiationParameters{}, nil
	case "":
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			return core.NegotiationParameters{}, errors.Wrap(err, "create offer")
		}
		return t.settle(ctx, offer)
	default:
		return core.NegotiationParameters{}, errors.Wrapf(errUnknownSDPType, "%q", params.Type)
	}
}

// settle sets the local description and waits for ICE gathering so the
// returned SDP carries every candidate.
func (t *Transport) settle(ctx context.Context, desc webrtc.SessionDescription) (core.NegotiationParameters, error) {
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return core.NegotiationParameters{}, errors.Wrap(err, "set local description")
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return core.NegotiationParameters{}, errors.Wrap(ctx.Err(), "ICE gathering")
	}
	local := t.pc.LocalDescription()
	return core.NegotiationParameters{Type: local.Type.String(), SDP: local.SDP}, nil
}

// close is idempotent and also stops everything the transport carried.
func (t *Transport) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = map[string]*Producer{}
	t.consumers = map[string]*Consumer{}
	t.unclaimed = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.relay.Stop()
	}
	for _, c := range consumers {
		c.producer.relay.RemoveOutTrack(c.id)
		c.out.MarkDelete()
	}
	if err := t.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("close peer connection")
		return
	}
	log.Debug().Str("module", "rtc").Str("transport", t.id).Msg("transport closed")
}
