package rtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outTrack(t *testing.T, id string) *OutTrack {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(toCapability(opus), id, "stream")
	require.NoError(t, err)
	return NewOutTrack(track)
}

func TestOutTrackStates(t *testing.T) {
	ot := outTrack(t, "c1")
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkDelete()
	ot.MarkOk()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}

func TestRelayForwardDropsDeletedTracks(t *testing.T) {
	logger := zerolog.Nop()
	r := NewRelay()
	live, gone := outTrack(t, "live"), outTrack(t, "gone")
	live.MarkOk()
	require.True(t, r.AddOutTrack("live", live))
	require.True(t, r.AddOutTrack("gone", gone))
	gone.MarkDelete()

	r.forward(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}}, &logger)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Contains(t, r.outTracks, "live")
	assert.NotContains(t, r.outTracks, "gone")
}

func TestRelayStopIsFinal(t *testing.T) {
	r := NewRelay()
	ot := outTrack(t, "c1")
	require.True(t, r.AddOutTrack("c1", ot))

	r.Stop()
	assert.Equal(t, TrackStateDelete, ot.GetState())
	assert.False(t, r.AddOutTrack("c2", outTrack(t, "c2")))
	assert.False(t, r.Start(t.Context(), nil, nil))
}
