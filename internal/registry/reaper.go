package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/log"
)

// Reaper periodically marks nodes Offline whose heartbeat went stale. It
// runs only when the custom voice backend is active.
type Reaper struct {
	reg        *Registry
	interval   time.Duration
	staleAfter time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// NewReaper builds a stopped reaper.
func NewReaper(reg *Registry, interval, staleAfter time.Duration) *Reaper {
	return &Reaper{
		reg:        reg,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     log.WithComponent("reaper"),
	}
}

// Start launches the scan loop. The returned cancellation is owned by the
// caller via Stop.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.logger.Info().
		Dur("interval", r.interval).
		Dur("stale_after", r.staleAfter).
		Msg("reaper started")
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info().Msg("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stale := r.reg.MarkStale(r.staleAfter); len(stale) > 0 {
				r.logger.Warn().
					Strs("nodes", stale).
					Msg("stale nodes marked offline")
			}
		}
	}
}
