package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshspace/internal/core/ports"
	"meshspace/pkg/distributed"
)

// Sweeper evicts roster records whose owners stopped refreshing them.
// Peers that disconnect cleanly are removed by the hub; the sweeper
// catches records orphaned by crashed relay instances.
type Sweeper struct {
	roster   ports.RosterRepository
	interval time.Duration
	timeout  time.Duration
	// lock is nil for a standalone relay. With multiple instances it
	// keeps all but one of them from sweeping the shared roster.
	lock   *distributed.Lock
	logger *zap.SugaredLogger
}

func NewSweeper(roster ports.RosterRepository, interval, timeout time.Duration, lock *distributed.Lock, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		roster:   roster,
		interval: interval,
		timeout:  timeout,
		lock:     lock,
		logger:   logger,
	}
}

// Run sweeps on every interval tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every roster record older than the timeout.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.TryAcquire(ctx)
		if err != nil {
			s.logger.Warnw("sweep lock acquisition failed", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				s.logger.Warnw("sweep lock release failed", "error", err)
			}
		}()
	}

	records, err := s.roster.List(ctx)
	if err != nil {
		s.logger.Warnw("sweep list failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.timeout)
	for _, rec := range records {
		if rec.LastSeen.After(cutoff) {
			continue
		}
		if err := s.roster.Remove(ctx, rec.ID); err != nil {
			s.logger.Warnw("sweep remove failed", "peer_id", rec.ID, "error", err)
			continue
		}
		s.logger.Infow("swept stale roster record", "peer_id", rec.ID, "last_seen", rec.LastSeen)
	}
}
