package application

import (
	"context"
	"sync"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"go.uber.org/zap"
)

// DefaultSweepInterval is the time between sweeps
const DefaultSweepInterval = 5 * time.Minute

// SweepResult counts what one sweep removed
type SweepResult struct {
	Attempts     int
	Tokens       int
	Codes        int
	LoginResults int
}

// Sweeper periodically removes expired attempts, tokens, codes and parked login
// results. A failing step is logged and retried on the next tick.
type Sweeper struct {
	tracker  *StateTracker
	tokens   *TokenService
	codes    domain.CodeRepository
	waiters  *LoginWaiters
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(tracker *StateTracker, tokens *TokenService, codes domain.CodeRepository, waiters *LoginWaiters, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		tracker:  tracker,
		tokens:   tokens,
		codes:    codes,
		waiters:  waiters,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the sweep loop in the background until Stop is called or ctx ends.
// Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	s.logger.Info("Expiry sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-progress sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Expiry sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep synchronously
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var result SweepResult
	var err error

	if s.tracker != nil {
		if result.Attempts, err = s.tracker.Sweep(ctx); err != nil {
			s.logger.Error("Failed to sweep authorization attempts", zap.Error(err))
		}
	}
	if s.tokens != nil {
		if result.Tokens, err = s.tokens.Sweep(ctx); err != nil {
			s.logger.Error("Failed to sweep tokens", zap.Error(err))
		}
	}
	if s.codes != nil {
		if result.Codes, err = s.codes.DeleteExpired(ctx, s.now()); err != nil {
			s.logger.Error("Failed to sweep authorization codes", zap.Error(err))
		}
	}
	if s.waiters != nil {
		result.LoginResults = s.waiters.Sweep()
	}

	if result != (SweepResult{}) {
		s.logger.Debug("Sweep removed expired records",
			zap.Int("attempts", result.Attempts),
			zap.Int("tokens", result.Tokens),
			zap.Int("codes", result.Codes),
			zap.Int("login_results", result.LoginResults))
	}
	return result
}
