package rtc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{})
	require.NoError(t, err)
	return e
}

func producing(t *testing.T, e *Engine) (core.RouterHandle, core.TransportHandle, core.ProducerHandle) {
	t.Helper()
	ctx := context.Background()
	r, err := e.CreateRouter(ctx, "room-1")
	require.NoError(t, err)
	send, err := e.CreateTransport(ctx, r, domain.TransportProducer)
	require.NoError(t, err)
	p, err := e.Produce(ctx, send, domain.MediaAudio, core.RTPParameters{})
	require.NoError(t, err)
	return r, send, p
}

func TestRouterAdvertisesOpusAndVP8(t *testing.T) {
	e := newEngine(t)
	r, err := e.CreateRouter(context.Background(), "room-1")
	require.NoError(t, err)

	var mimes []string
	for _, c := range r.Capabilities().Codecs {
		mimes = append(mimes, c.MimeType)
	}
	assert.ElementsMatch(t, []string{"audio/opus", "video/VP8"}, mimes)
}

func TestConsumeRequiresCompatibleCaps(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	r, _, p := producing(t, e)
	recv, err := e.CreateTransport(ctx, r, domain.TransportConsumer)
	require.NoError(t, err)

	videoOnly := core.RTPCapabilities{Codecs: []core.RTPCodec{vp8}}
	ok, err := e.CanConsume(ctx, r, p.ID(), videoOnly)
	require.NoError(t, err)
	assert.False(t, ok)
	c, err := e.Consume(ctx, r, recv, p.ID(), videoOnly)
	require.NoError(t, err)
	assert.Nil(t, c)

	upper := core.RTPCapabilities{Codecs: []core.RTPCodec{{MimeType: "AUDIO/OPUS", ClockRate: 48000}}}
	ok, err = e.CanConsume(ctx, r, p.ID(), upper)
	require.NoError(t, err)
	assert.True(t, ok)

	c, err = e.Consume(ctx, r, recv, p.ID(), r.Capabilities())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, p.ID(), c.ProducerID())
	assert.Equal(t, domain.MediaAudio, c.Kind())
	assert.True(t, c.Paused())

	require.NoError(t, e.Resume(ctx, c))
	assert.False(t, c.Paused())
}

func TestUnknownProducer(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	r, err := e.CreateRouter(ctx, "room-1")
	require.NoError(t, err)
	_, err = e.CanConsume(ctx, r, "nope", r.Capabilities())
	assert.ErrorIs(t, err, ErrUnknownProducer)
}

func TestProduceNeedsProducerTransport(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	r, err := e.CreateRouter(ctx, "room-1")
	require.NoError(t, err)
	recv, err := e.CreateTransport(ctx, r, domain.TransportConsumer)
	require.NoError(t, err)

	_, err = e.Produce(ctx, recv, domain.MediaVideo, core.RTPParameters{})
	assert.ErrorIs(t, err, ErrWrongTransport)
}

func TestProduceRejectsUnsupportedCodec(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	r, err := e.CreateRouter(ctx, "room-1")
	require.NoError(t, err)
	send, err := e.CreateTransport(ctx, r, domain.TransportProducer)
	require.NoError(t, err)

	_, err = e.Produce(ctx, send, domain.MediaVideo, core.RTPParameters{Codecs: []core.RTPCodec{{MimeType: "video/H265", ClockRate: 90000}}})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	r, send, p := producing(t, e)

	require.NoError(t, e.Close(ctx, p))
	require.NoError(t, e.Close(ctx, p))
	_, err := e.CanConsume(ctx, r, p.ID(), r.Capabilities())
	assert.ErrorIs(t, err, ErrUnknownProducer)

	require.NoError(t, e.Close(ctx, send))
	require.NoError(t, e.Close(ctx, send))
	require.NoError(t, e.CloseRouter(ctx, r))
	require.NoError(t, e.CloseRouter(ctx, r))
}

func TestCloseRouterCascades(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	r, send, p := producing(t, e)
	recv, err := e.CreateTransport(ctx, r, domain.TransportConsumer)
	require.NoError(t, err)
	c, err := e.Consume(ctx, r, recv, p.ID(), r.Capabilities())
	require.NoError(t, err)

	require.NoError(t, e.CloseRouter(ctx, r))

	assert.True(t, send.(*Transport).closed)
	assert.True(t, recv.(*Transport).closed)
	assert.Equal(t, TrackStateDelete, c.(*Consumer).out.GetState())
	assert.ErrorIs(t, e.Resume(ctx, c), ErrClosed)

	_, err = e.CreateTransport(ctx, r, domain.TransportProducer)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Connect(ctx, send, core.NegotiationParameters{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestForeignHandles(t *testing.T) {
	e := newEngine(t)
	assert.ErrorIs(t, e.Close(context.Background(), fakeHandle("x")), ErrUnknownHandle)
}

type fakeHandle string

func (f fakeHandle) ID() string { return string(f) }
