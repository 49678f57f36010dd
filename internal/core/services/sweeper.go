package services

import (
	"context"
	"time"

	"camrelay/internal/core/ports"

	"go.uber.org/zap"
)

const sweepLockKey = "sweep:expired"

// LeaderLock lets one instance out of several run the sweep per tick.
type LeaderLock interface {
	TryLock(ctx context.Context, key string) (func(), bool, error)
}

// Sweeper runs SweepExpired on a fixed interval, independent of admission
// traffic.
type Sweeper struct {
	grants   ports.GrantService
	interval time.Duration
	leader   LeaderLock
	logger   *zap.SugaredLogger
}

func NewSweeper(grants ports.GrantService, interval time.Duration, leader LeaderLock, logger *zap.SugaredLogger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{grants: grants, interval: interval, leader: leader, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infow("grant sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("grant sweeper stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep, skipping it when another instance holds the leader
// lock.
func (s *Sweeper) Tick(ctx context.Context) int {
	if s.leader != nil {
		release, ok, err := s.leader.TryLock(ctx, sweepLockKey)
		if err != nil {
			s.logger.Warnw("sweep leader lock failed", "error", err)
			return 0
		}
		if !ok {
			s.logger.Debug("sweep skipped, another instance is leading")
			return 0
		}
		defer release()
	}

	retired, err := s.grants.SweepExpired(ctx)
	if err != nil {
		s.logger.Errorw("grant sweep incomplete", "retired", retired, "error", err)
	}
	return retired
}
