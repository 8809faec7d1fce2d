// Package corefakes provides in-memory fakes of the core interfaces for tests.
package corefakes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

var ErrInjected = errors.New("injected engine failure")

var (
	Opus = core.RTPCodec{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}
	VP8  = core.RTPCodec{MimeType: "video/VP8", ClockRate: 90000}
)

type handle struct {
	id     string
	parent string
	closed bool
}

type fakeRouter struct {
	*handle
	caps core.RTPCapabilities
}

func (r *fakeRouter) ID() string                         { return r.id }
func (r *fakeRouter) Capabilities() core.RTPCapabilities { return r.caps }

type fakeTransport struct {
	*handle
	kind domain.TransportKind
}

func (t *fakeTransport) ID() string                 { return t.id }
func (t *fakeTransport) Kind() domain.TransportKind { return t.kind }
func (t *fakeTransport) Descriptor() core.TransportDescriptor {
	return core.TransportDescriptor{ID: t.id, Kind: t.kind}
}

type fakeProducer struct {
	*handle
	kind  domain.MediaKind
	codec core.RTPCodec
}

func (p *fakeProducer) ID() string             { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }

type fakeConsumer struct {
	*handle
	producer string
	kind     domain.MediaKind
	codec    core.RTPCodec
	paused   bool
}

func (c *fakeConsumer) ID() string             { return c.id }
func (c *fakeConsumer) ProducerID() string     { return c.producer }
func (c *fakeConsumer) Kind() domain.MediaKind { return c.kind }
func (c *fakeConsumer) Codec() core.RTPCodec   { return c.codec }
func (c *fakeConsumer) Paused() bool           { return c.paused }

// Engine is a MediaEngine that records every allocation and close.
type Engine struct {
	mu      sync.Mutex
	seq     int
	handles map[string]*handle
	closes  map[string]int
	codecs  map[string]core.RTPCodec

	// Fail makes the named operation ("CreateRouter", "CreateTransport", ...) fail.
	Fail map[string]error
	// Hook runs at the start of the named operation, outside the engine lock.
	Hook map[string]func()
}

func NewEngine() *Engine {
	return &Engine{
		handles: make(map[string]*handle),
		closes:  make(map[string]int),
		codecs:  make(map[string]core.RTPCodec),
		Fail:    make(map[string]error),
		Hook:    make(map[string]func()),
	}
}

func (e *Engine) begin(op string) error {
	e.mu.Lock()
	hook := e.Hook[op]
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Fail[op]
}

// SetFail arms or clears a failure for op.
func (e *Engine) SetFail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.Fail, op)
		return
	}
	e.Fail[op] = err
}

// SetHook installs fn to run when op is entered.
func (e *Engine) SetHook(op string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.Hook, op)
		return
	}
	e.Hook[op] = fn
}

func (e *Engine) alloc(prefix, parent string) *handle {
	e.seq++
	h := &handle{id: fmt.Sprintf("%s-%d", prefix, e.seq), parent: parent}
	e.handles[h.id] = h
	return h
}

func (e *Engine) CreateRouter(ctx context.Context, roomID domain.RoomID) (core.RouterHandle, error) {
	if err := e.begin("CreateRouter"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &fakeRouter{handle: e.alloc("router", ""), caps: core.RTPCapabilities{Codecs: []core.RTPCodec{Opus, VP8}}}, nil
}

func (e *Engine) CloseRouter(ctx context.Context, router core.RouterHandle) error {
	if err := e.begin("CloseRouter"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked(router.ID())
	// cascade: anything whose ancestry leads to the router
	for id := range e.handles {
		if e.descends(id, router.ID()) {
			e.closeLocked(id)
		}
	}
	return nil
}

func (e *Engine) descends(id, root string) bool {
	for h := e.handles[id]; h != nil && h.parent != ""; h = e.handles[h.parent] {
		if h.parent == root {
			return true
		}
	}
	return false
}

func (e *Engine) closeLocked(id string) {
	e.closes[id]++
	if h, ok := e.handles[id]; ok {
		h.closed = true
	}
}

func (e *Engine) CreateTransport(ctx context.Context, router core.RouterHandle, kind domain.TransportKind) (core.TransportHandle, error) {
	if err := e.begin("CreateTransport"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if h := e.handles[router.ID()]; h == nil || h.closed {
		return nil, errors.New("router closed")
	}
	return &fakeTransport{handle: e.alloc("transport", router.ID()), kind: kind}, nil
}

func (e *Engine) Connect(ctx context.Context, t core.TransportHandle, params core.NegotiationParameters) (core.NegotiationParameters, error) {
	if err := e.begin("Connect"); err != nil {
		return core.NegotiationParameters{}, err
	}
	return core.NegotiationParameters{Type: "answer", SDP: "answer-for-" + t.ID()}, nil
}

func (e *Engine) Produce(ctx context.Context, t core.TransportHandle, kind domain.MediaKind, params core.RTPParameters) (core.ProducerHandle, error) {
	if err := e.begin("Produce"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	codec := Opus
	if kind == domain.MediaVideo {
		codec = VP8
	}
	if len(params.Codecs) > 0 {
		codec = params.Codecs[0]
	}
	p := &fakeProducer{handle: e.alloc("producer", t.ID()), kind: kind, codec: codec}
	e.codecs[p.id] = codec
	return p, nil
}

func (e *Engine) CanConsume(ctx context.Context, router core.RouterHandle, producerID string, caps core.RTPCapabilities) (bool, error) {
	if err := e.begin("CanConsume"); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	codec, ok := e.codecs[producerID]
	if !ok {
		return false, nil
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) Consume(ctx context.Context, router core.RouterHandle, t core.TransportHandle, producerID string, caps core.RTPCapabilities) (core.ConsumerHandle, error) {
	if err := e.begin("Consume"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	codec, ok := e.codecs[producerID]
	if !ok {
		return nil, nil
	}
	kind := domain.MediaAudio
	if strings.HasPrefix(codec.MimeType, "video/") {
		kind = domain.MediaVideo
	}
	return &fakeConsumer{handle: e.alloc("consumer", t.ID()), producer: producerID, kind: kind, codec: codec, paused: true}, nil
}

func (e *Engine) Resume(ctx context.Context, c core.ConsumerHandle) error {
	if err := e.begin("Resume"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if fc, ok := c.(*fakeConsumer); ok {
		fc.paused = false
	}
	return nil
}

func (e *Engine) Close(ctx context.Context, h core.Handle) error {
	if err := e.begin("Close"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked(h.ID())
	return nil
}

// CloseCount reports how many times a handle was closed, directly or by cascade.
func (e *Engine) CloseCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes[id]
}

// Open lists handles with the given prefix that are still open.
func (e *Engine) Open(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, h := range e.handles {
		if !h.closed && strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out
}

// Allocated reports how many handles with the given prefix were ever created.
func (e *Engine) Allocated(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id := range e.handles {
		if strings.HasPrefix(id, prefix) {
			n++
		}
	}
	return n
}
