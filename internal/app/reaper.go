package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/domain"
)

// StaleSweeper releases the transports in one room that never connected before
// cutoff, along with everything riding on them, and reports how many handles
// it closed. It takes the room lock itself.
type StaleSweeper interface {
	SweepStale(ctx context.Context, lr *LiveRoom, cutoff time.Time) int
}

// LocalCache is the in-process room tier the reaper evicts from.
type LocalCache interface {
	EvictLocal(id domain.RoomID)
}

type ReaperConfig struct {
	Interval  time.Duration
	ReapAfter time.Duration
	Retention time.Duration
}

// Reaper periodically closes transports that never finished connecting and
// forgets rooms that ended long enough ago or hold nothing.
type Reaper struct {
	registry *Registry
	sweeper  StaleSweeper
	local    LocalCache
	clock    clock.Clock
	cfg      ReaperConfig
}

func NewReaper(registry *Registry, sweeper StaleSweeper, local LocalCache, clk clock.Clock, cfg ReaperConfig) *Reaper {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReapAfter <= 0 {
		cfg.ReapAfter = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &Reaper{registry: registry, sweeper: sweeper, local: local, clock: clk, cfg: cfg}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and reports how many handles it closed.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.ReapAfter)
	closed := 0

	for _, lr := range r.registry.Rooms() {
		n := r.sweeper.SweepStale(ctx, lr, cutoff)
		closed += n
		if n > 0 {
			log.Info().Str("module", "app.reaper").Str("room", string(lr.ID)).Int("handles", n).Msg("reaped unconnected transports")
		}

		expired := false
		r.registry.Retire(lr.ID, func(lr *LiveRoom) bool {
			if !lr.EndedAt.IsZero() {
				expired = now.Sub(lr.EndedAt) >= r.cfg.Retention
				return expired
			}
			return lr.Idle()
		})
		if expired && r.local != nil {
			r.local.EvictLocal(lr.ID)
		}
	}
	return closed
}
