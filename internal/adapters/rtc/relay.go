package rtc

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay reads one producer's remote track and copies every RTP packet to the
// out-tracks of its consumers.
type Relay struct {
	mu        sync.RWMutex
	src       *webrtc.TrackRemote
	outTracks map[string]*OutTrack
	cancel    context.CancelFunc
	stopped   bool
}

func NewRelay() *Relay {
	return &Relay{outTracks: make(map[string]*OutTrack)}
}

// Start binds the remote track and begins forwarding. Only the first call has
// an effect.
func (r *Relay) Start(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) bool {
	r.mu.Lock()
	if r.src != nil || r.stopped {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	r.src = src
	r.cancel = cancel
	r.mu.Unlock()

	go r.loop(ctx, src, logger)
	return true
}

func (r *Relay) loop(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay stopped")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []string
	for id, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write failed, dropping out-track")
				ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, id := range dirty {
			delete(r.outTracks, id)
		}
		r.mu.Unlock()
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(consumerID string, ot *OutTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.outTracks[consumerID] = ot
	return true
}

func (r *Relay) RemoveOutTrack(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outTracks[consumerID]; ok {
		ot.MarkDelete()
		delete(r.outTracks, consumerID)
	}
}

// Stop ends forwarding for good and marks every out-track deleted.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	for id, ot := range r.outTracks {
		ot.MarkDelete()
		delete(r.outTracks, id)
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
