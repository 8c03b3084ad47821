package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for backend operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for backend operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryingStore wraps a Store with bounded exponential backoff on transient
// errors. ErrNotFound and context cancellation are never retried.
type RetryingStore struct {
	store  Store
	config RetryConfig
}

// NewRetryingStore creates a new retrying store wrapper.
func NewRetryingStore(store Store, config RetryConfig) *RetryingStore {
	return &RetryingStore{
		store:  store,
		config: config,
	}
}

func (r *RetryingStore) Put(ctx context.Context, key string, data []byte) error {
	err := r.do(ctx, "put", func() error {
		return r.store.Put(ctx, key, data)
	})
	return err
}

func (r *RetryingStore) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := r.do(ctx, "get", func() error {
		var err error
		result, err = r.store.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RetryingStore) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func() error {
		return r.store.Delete(ctx, key)
	})
}

func (r *RetryingStore) List(ctx context.Context, prefix string) ([]string, error) {
	var result []string
	err := r.do(ctx, "list", func() error {
		var err error
		result, err = r.store.List(ctx, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.calculateDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, r.config.MaxAttempts, lastErr)
}

// calculateDelay implements exponential backoff with jitter.
func (r *RetryingStore) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1)
	return time.Duration(delay + jitter)
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"slowdown",
		"requesttimeout",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
