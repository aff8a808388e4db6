package reliability

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"
	"meshspace/pkg/circuitbreaker"
	"meshspace/pkg/retry"
)

// RosterWrapper shields callers from transient roster backend failures.
// Every call goes through a retry loop and a shared circuit breaker, so
// a dead Redis fails fast instead of stalling the relay loop.
type RosterWrapper struct {
	inner   ports.RosterRepository
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewRosterWrapper(inner ports.RosterRepository, cbConfig circuitbreaker.Config, retryConfig retry.Config, logger *zap.SugaredLogger) *RosterWrapper {
	breaker := circuitbreaker.New(cbConfig)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("roster circuit breaker state changed",
			"from", from.String(),
			"to", to.String())
	})

	return &RosterWrapper{
		inner:   inner,
		breaker: breaker,
		retry:   retryConfig,
		logger:  logger,
	}
}

func (w *RosterWrapper) execute(ctx context.Context, op string, fn func() error) error {
	// Not-found is a real answer, not an outage. It bypasses both the
	// retry loop and the breaker's failure count.
	var notFound error
	err := retry.Retry(ctx, w.retry, func() error {
		return w.breaker.Execute(ctx, func() error {
			innerErr := fn()
			if errors.Is(innerErr, domain.ErrPeerNotFound) {
				notFound = innerErr
				return nil
			}
			notFound = nil
			return innerErr
		})
	})
	if err != nil {
		w.logger.Warnw("roster operation failed", "op", op, "error", err)
		return err
	}
	return notFound
}

func (w *RosterWrapper) Upsert(ctx context.Context, rec *domain.PeerRecord) error {
	return w.execute(ctx, "upsert", func() error {
		return w.inner.Upsert(ctx, rec)
	})
}

func (w *RosterWrapper) Get(ctx context.Context, id domain.PeerID) (*domain.PeerRecord, error) {
	var rec *domain.PeerRecord
	err := w.execute(ctx, "get", func() error {
		var innerErr error
		rec, innerErr = w.inner.Get(ctx, id)
		return innerErr
	})
	return rec, err
}

func (w *RosterWrapper) Remove(ctx context.Context, id domain.PeerID) error {
	return w.execute(ctx, "remove", func() error {
		return w.inner.Remove(ctx, id)
	})
}

func (w *RosterWrapper) List(ctx context.Context) ([]*domain.PeerRecord, error) {
	var records []*domain.PeerRecord
	err := w.execute(ctx, "list", func() error {
		var innerErr error
		records, innerErr = w.inner.List(ctx)
		return innerErr
	})
	return records, err
}

// BreakerState exposes the underlying breaker state for health reporting.
func (w *RosterWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.GetState()
}
