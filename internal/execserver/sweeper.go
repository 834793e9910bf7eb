package execserver

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/logger"
)

// DefaultSweepInterval is how often finished executions are checked for eviction
const DefaultSweepInterval = time.Minute

// Sweeper performs periodic eviction of finished executions.
type Sweeper struct {
	manager  *Manager
	limiter  *RateLimiter
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper for the manager. limiter may be nil.
func NewSweeper(manager *Manager, limiter *RateLimiter, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, limiter: limiter, interval: interval}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.manager.Sweep()
				if s.limiter != nil {
					s.limiter.Reset()
				}
			}
		}
	}()

	logger.Slog().Info("sweeper started", "interval", s.interval, "retention", s.manager.retention)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		logger.Slog().Info("sweeper stopped")
	}
}
