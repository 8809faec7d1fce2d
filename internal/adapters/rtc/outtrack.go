package rtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is one consumer's copy of a relayed stream.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

// NewOutTrack returns a track that forwards nothing until it is marked Ok.
func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	ot := &OutTrack{Track: track}
	ot.MarkMuted()
	return ot
}

func (ot *OutTrack) GetState() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is final; later MarkOk/MarkMuted calls are ignored.
func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }
