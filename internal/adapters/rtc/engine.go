// Package rtc is the pion based media engine: one PeerConnection per
// transport, producers relayed to consumers by RTP copy.
package rtc

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

var (
	ErrClosed          = errors.New("media object closed")
	ErrUnknownHandle   = errors.New("handle not created by this engine")
	ErrUnknownProducer = errors.New("producer not found on router")
	ErrWrongTransport  = errors.New("transport kind does not allow this operation")
	ErrUnsupportedKind = errors.New("no codec for media kind")
)

var (
	opus = core.RTPCodec{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"}
	vp8  = core.RTPCodec{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

type Config struct {
	ICEServers []string
}

type Engine struct {
	api        *webrtc.API
	iceServers []string
	caps       core.RTPCapabilities
}

func New(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{RTPCodecCapability: toCapability(opus), PayloadType: 111}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "register opus")
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{RTPCodecCapability: toCapability(vp8), PayloadType: 96}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "register vp8")
	}
	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		iceServers: cfg.ICEServers,
		caps:       core.RTPCapabilities{Codecs: []core.RTPCodec{opus, vp8}},
	}, nil
}

func (e *Engine) CreateRouter(_ context.Context, roomID domain.RoomID) (core.RouterHandle, error) {
	r := &Router{
		id:         "rt-" + uuid.NewString(),
		roomID:     roomID,
		caps:       e.caps,
		transports: map[string]*Transport{},
		producers:  map[string]*Producer{},
	}
	log.Info().Str("module", "rtc").Str("room", string(roomID)).Str("router", r.id).Msg("router created")
	return r, nil
}

func (e *Engine) CloseRouter(_ context.Context, router core.RouterHandle) error {
	r, ok := router.(*Router)
	if !ok {
		return ErrUnknownHandle
	}
	transports := r.close()
	for _, t := range transports {
		t.close()
	}
	if transports != nil {
		log.Info().Str("module", "rtc").Str("room", string(r.roomID)).Str("router", r.id).Int("transports", len(transports)).Msg("router closed")
	}
	return nil
}

func (e *Engine) CreateTransport(_ context.Context, router core.RouterHandle, kind domain.TransportKind) (core.TransportHandle, error) {
	r, ok := router.(*Router)
	if !ok {
		return nil, ErrUnknownHandle
	}
	cfg := webrtc.Configuration{}
	if len(e.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: e.iceServers}}
	}
	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	if kind == domain.TransportProducer {
		for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				_ = pc.Close()
				return nil, errors.Wrap(err, "add receiver")
			}
		}
	}
	t := &Transport{
		id:         "tp-" + uuid.NewString(),
		kind:       kind,
		router:     r,
		pc:         pc,
		iceServers: e.iceServers,
		producers:  map[string]*Producer{},
		consumers:  map[string]*Consumer{},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pc.Close()
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	t.start()
	return t, nil
}

func (e *Engine) Connect(ctx context.Context, transport core.TransportHandle, params core.NegotiationParameters) (core.NegotiationParameters, error) {
	t, ok := transport.(*Transport)
	if !ok {
		return core.NegotiationParameters{}, ErrUnknownHandle
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return core.NegotiationParameters{}, ErrClosed
	}
	return t.negotiate(ctx, params)
}

func (e *Engine) Produce(_ context.Context, transport core.TransportHandle, kind domain.MediaKind, params core.RTPParameters) (core.ProducerHandle, error) {
	t, ok := transport.(*Transport)
	if !ok {
		return nil, ErrUnknownHandle
	}
	if t.kind != domain.TransportProducer {
		return nil, ErrWrongTransport
	}
	codec, ok := e.codecFor(kind, params.Codecs)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedKind, "%s", kind)
	}
	p := &Producer{
		id:        "pr-" + uuid.NewString(),
		kind:      kind,
		codec:     codec,
		trackID:   params.TrackID,
		transport: t,
		relay:     NewRelay(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	remote := t.takeUnclaimed(p)
	if remote != nil {
		p.bound = true
	}
	t.mu.Unlock()

	r := t.router
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.mu.Lock()
		delete(t.producers, p.id)
		t.mu.Unlock()
		return nil, ErrClosed
	}
	r.producers[p.id] = p
	r.mu.Unlock()

	if remote != nil {
		startRelay(p, remote)
	}
	return p, nil
}

// codecFor picks the codec a producer will send: the first offered codec the
// router supports, else the router's default for the kind.
func (e *Engine) codecFor(kind domain.MediaKind, offered []core.RTPCodec) (core.RTPCodec, bool) {
	for _, c := range offered {
		if kindOf(c.MimeType) != kind {
			continue
		}
		if rc, ok := matchCodec(c, e.caps); ok {
			return rc, true
		}
	}
	for _, c := range e.caps.Codecs {
		if kindOf(c.MimeType) == kind && len(offered) == 0 {
			return c, true
		}
	}
	return core.RTPCodec{}, false
}

func (e *Engine) CanConsume(_ context.Context, router core.RouterHandle, producerID string, caps core.RTPCapabilities) (bool, error) {
	r, ok := router.(*Router)
	if !ok {
		return false, ErrUnknownHandle
	}
	p, ok := r.producer(producerID)
	if !ok {
		return false, ErrUnknownProducer
	}
	_, ok = matchCodec(p.codec, caps)
	return ok, nil
}

func (e *Engine) Consume(_ context.Context, router core.RouterHandle, transport core.TransportHandle, producerID string, caps core.RTPCapabilities) (core.ConsumerHandle, error) {
	r, ok := router.(*Router)
	if !ok {
		return nil, ErrUnknownHandle
	}
	t, ok := transport.(*Transport)
	if !ok {
		return nil, ErrUnknownHandle
	}
	if t.kind != domain.TransportConsumer {
		return nil, ErrWrongTransport
	}
	p, ok := r.producer(producerID)
	if !ok {
		return nil, ErrUnknownProducer
	}
	codec, ok := matchCodec(p.codec, caps)
	if !ok {
		return nil, nil
	}

	id := "cn-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(toCapability(p.codec), id, p.id)
	if err != nil {
		return nil, errors.Wrap(err, "new local track")
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, errors.Wrap(err, "add track")
	}
	c := &Consumer{id: id, producer: p, codec: codec, transport: t, out: NewOutTrack(track), sender: sender}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = t.pc.RemoveTrack(sender)
		return nil, ErrClosed
	}
	t.consumers[id] = c
	t.mu.Unlock()

	if !p.relay.AddOutTrack(id, c.out) {
		e.closeConsumer(c)
		return nil, ErrClosed
	}
	go drainRTCP(sender)
	return c, nil
}

// drainRTCP keeps the sender's interceptors running until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) Resume(_ context.Context, consumer core.ConsumerHandle) error {
	c, ok := consumer.(*Consumer)
	if !ok {
		return ErrUnknownHandle
	}
	if c.out.GetState() == TrackStateDelete {
		return ErrClosed
	}
	c.out.MarkOk()
	return nil
}

func (e *Engine) Close(ctx context.Context, h core.Handle) error {
	switch v := h.(type) {
	case *Router:
		return e.CloseRouter(ctx, v)
	case *Transport:
		v.router.mu.Lock()
		delete(v.router.transports, v.id)
		for id, p := range v.router.producers {
			if p.transport == v {
				delete(v.router.producers, id)
			}
		}
		v.router.mu.Unlock()
		v.close()
	case *Producer:
		v.transport.router.mu.Lock()
		delete(v.transport.router.producers, v.id)
		v.transport.router.mu.Unlock()
		v.transport.mu.Lock()
		delete(v.transport.producers, v.id)
		v.transport.mu.Unlock()
		v.relay.Stop()
	case *Consumer:
		e.closeConsumer(v)
	default:
		return ErrUnknownHandle
	}
	return nil
}

func (e *Engine) closeConsumer(c *Consumer) {
	c.producer.relay.RemoveOutTrack(c.id)
	c.out.MarkDelete()
	t := c.transport
	t.mu.Lock()
	_, present := t.consumers[c.id]
	delete(t.consumers, c.id)
	closed := t.closed
	t.mu.Unlock()
	if present && !closed {
		if err := t.pc.RemoveTrack(c.sender); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("remove track")
		}
	}
}

var _ core.MediaEngine = (*Engine)(nil)
