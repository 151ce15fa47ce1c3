package payment

import (
	"context"
	"time"

	"github.com/unicitynetwork/aggregator-proxy/async"
	"github.com/unicitynetwork/aggregator-proxy/timeutil"
)

// Sweeper periodically expires overdue pending sessions so abandoned
// payments do not hold the one-pending-per-key slot forever.
type Sweeper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sessions SessionStore
	clock    timeutil.Clock
	interval time.Duration
}

// NewSweeper creates the expiry sweep service.
func NewSweeper(ctx context.Context, sessions SessionStore, clock timeutil.Clock, interval time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		ctx:      ctx,
		cancel:   cancel,
		sessions: sessions,
		clock:    clock,
		interval: interval,
	}
}

// Start schedules the sweep loop.
func (s *Sweeper) Start() {
	async.RunEvery(s.ctx, s.interval, s.sweep)
}

func (s *Sweeper) sweep() {
	swept, err := s.sessions.ExpirePendingSessions(s.ctx, s.clock.Now())
	if err != nil {
		log.WithError(err).Error("Could not expire pending payment sessions")
		return
	}
	if swept > 0 {
		log.WithField("sessions", swept).Info("Expired overdue payment sessions")
	}
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy; a failed sweep retries on the next tick.
func (s *Sweeper) Status() error {
	return nil
}
