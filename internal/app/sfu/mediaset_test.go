package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/core/corefakes"
	"github.com/dkeye/liveclass/internal/domain"
)

type ordered struct {
	*corefakes.Engine
	order []string
}

func (o *ordered) Close(ctx context.Context, h core.Handle) error {
	o.order = append(o.order, h.ID())
	return o.Engine.Close(ctx, h)
}

func TestMediaSetCloseOrderAndIdempotence(t *testing.T) {
	ctx := context.Background()
	engine := corefakes.NewEngine()
	router, err := engine.CreateRouter(ctx, "room")
	require.NoError(t, err)

	m := NewMediaSet()
	now := time.Now()

	require.True(t, m.BeginAllocate(domain.TransportProducer))
	require.False(t, m.BeginAllocate(domain.TransportProducer))
	pt, err := engine.CreateTransport(ctx, router, domain.TransportProducer)
	require.NoError(t, err)
	m.SetTransport(pt, now)

	require.True(t, m.BeginAllocate(domain.TransportConsumer))
	ct, err := engine.CreateTransport(ctx, router, domain.TransportConsumer)
	require.NoError(t, err)
	m.SetTransport(ct, now)

	p, err := engine.Produce(ctx, pt, domain.MediaAudio, core.RTPParameters{})
	require.NoError(t, err)
	m.AddProducer(p)
	c, err := engine.Consume(ctx, router, ct, p.ID(), core.RTPCapabilities{Codecs: []core.RTPCodec{corefakes.Opus}})
	require.NoError(t, err)
	m.AddConsumer(c)
	require.Equal(t, 4, m.Len())

	rec := &ordered{Engine: corefakes.NewEngine()}
	closed, err := m.Close(ctx, rec)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Len(t, rec.order, 4)
	// transports are always released last
	last := rec.order[2:]
	require.ElementsMatch(t, []string{pt.ID(), ct.ID()}, last)

	closed, err = m.Close(ctx, rec)
	require.NoError(t, err)
	require.Empty(t, closed)
	require.Len(t, rec.order, 4)
	require.Zero(t, m.Len())
}

func TestMediaSetStaleTransports(t *testing.T) {
	ctx := context.Background()
	engine := corefakes.NewEngine()
	router, err := engine.CreateRouter(ctx, "room")
	require.NoError(t, err)

	m := NewMediaSet()
	start := time.Unix(1700000000, 0)

	pt, _ := engine.CreateTransport(ctx, router, domain.TransportProducer)
	m.BeginAllocate(domain.TransportProducer)
	m.SetTransport(pt, start)
	ct, _ := engine.CreateTransport(ctx, router, domain.TransportConsumer)
	m.BeginAllocate(domain.TransportConsumer)
	m.SetTransport(ct, start)
	require.True(t, m.MarkConnected(ct.ID()))

	stale, _ := m.TakeStaleTransports(start)
	require.Empty(t, stale)
	stale, producers := m.TakeStaleTransports(start.Add(time.Minute))
	require.Empty(t, producers)
	require.Len(t, stale, 1)
	require.Equal(t, pt.ID(), stale[0].ID())

	_, ok := m.Transport(domain.TransportProducer)
	require.False(t, ok)
	got, ok := m.TransportByID(ct.ID())
	require.True(t, ok)
	require.Equal(t, ct.ID(), got.ID())
	require.True(t, m.AnyConnected())
}
