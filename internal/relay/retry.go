package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/iotaledger/hive.go/logger"
)

// RetryConfig configures the retry behavior
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.1,
	}
}

// RetryManager handles retry logic with exponential backoff
type RetryManager struct {
	*logger.WrappedLogger
	config *RetryConfig
}

// NewRetryManager creates a new retry manager
func NewRetryManager(log *logger.Logger, config *RetryConfig) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	return &RetryManager{
		WrappedLogger: logger.NewWrappedLogger(log),
		config:        config,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryWithBackoff executes fn until it succeeds, fails permanently or the
// attempts are used up.
func (rm *RetryManager) RetryWithBackoff(ctx context.Context, operation string, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt < rm.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				rm.LogDebugf("Operation '%s' succeeded after %d attempts", operation, attempt+1)
			}
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			rm.LogWarnf("Operation '%s' failed with non-retryable error: %v", operation, err)
			return err
		}

		if attempt == rm.config.MaxAttempts-1 {
			break
		}

		backoff := rm.calculateBackoff(attempt)

		rm.LogDebugf("Operation '%s' failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt+1, rm.config.MaxAttempts, backoff, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation '%s' failed after %d attempts: %w", operation, rm.config.MaxAttempts, lastErr)
}

// calculateBackoff calculates the backoff duration for a given attempt
func (rm *RetryManager) calculateBackoff(attempt int) time.Duration {
	baseBackoff := float64(rm.config.InitialBackoff) * math.Pow(rm.config.BackoffFactor, float64(attempt))

	if baseBackoff > float64(rm.config.MaxBackoff) {
		baseBackoff = float64(rm.config.MaxBackoff)
	}

	jitter := baseBackoff * rm.config.JitterFactor * (rand.Float64()*2 - 1)
	finalBackoff := baseBackoff + jitter

	if finalBackoff < 0 {
		finalBackoff = 0
	}

	return time.Duration(finalBackoff)
}

// isRetryableError reports whether another attempt could succeed. A relay
// that answered with a rejection will answer the same way again.
func isRetryableError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrShareNotFound):
		return false
	}

	return true
}
