package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type Config struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter adds up to 25% randomness to each delay so retries from
	// many clients do not align.
	Jitter bool
	// NonRetryableErrors short-circuit the loop immediately.
	NonRetryableErrors []error
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry runs fn up to MaxAttempts times with exponential delays between
// attempts. The last error is returned when all attempts fail.
func Retry(ctx context.Context, config Config, fn func() error) error {
	if !config.Enabled {
		return fn()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isNonRetryable(lastErr, config.NonRetryableErrors) {
			return lastErr
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateDelay(config, attempt)):
		}
	}
	return lastErr
}

func isNonRetryable(err error, nonRetryable []error) bool {
	for _, target := range nonRetryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= config.Multiplier
	}
	if max := float64(config.MaxDelay); delay > max {
		delay = max
	}
	if config.Jitter {
		delay += delay * 0.25 * rand.Float64()
	}
	return time.Duration(delay)
}
