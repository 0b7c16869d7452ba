package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig configures retry behavior for reasoner calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for model API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: string matching is used because model provider SDKs do not expose
// typed errors for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
	}
	return false
}

// decideWithRetry calls the reasoner with exponential backoff. Each attempt
// waits on the rate limiter first so retries cannot amplify pressure on an
// already throttled provider.
func (o *Orchestrator) decideWithRetry(ctx context.Context, in DecideInput) (*Decision, error) {
	var lastErr error
	delay := o.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		decision, err := o.reasoner.Decide(ctx, in)
		if err == nil {
			o.logger.Debug("decision obtained",
				"attempts", attempt+1, "elapsed", time.Since(start))
			return decision, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, err
		}
		if attempt == o.retry.MaxRetries {
			break
		}

		o.logger.Debug("retrying reasoner call",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, o.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("reasoner call after %d retries (elapsed %v): %w",
		o.retry.MaxRetries, time.Since(start), lastErr)
}

// newLimiter builds a rate limiter from a requests-per-minute budget; zero
// disables limiting.
func newLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
}
