// Package retry adapts the exponential-backoff-with-jitter idiom from the
// teacher's runtime/a2a/retry package to the llm.Client completion path
// (spec §4.5): retries are idempotent, fire only on 429/5xx, back off
// exponentially capped at 2s with jitter, and a single deadline governs both
// transport and retries.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/flowbase/core/internal/llm"
)

// Config configures retry behavior for LLM completion calls.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultConfig matches spec §4.5: backoff capped at 2s with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// StatusError carries the upstream HTTP status code for a failed request.
// Provider adapters return this so the retry middleware can classify it
// without parsing provider-specific error bodies.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string { return e.Message }

// isRetryable reports whether err warrants a retry: an upstream 429 or any
// 5xx. Context cancellation, deadline expiry and transport timeouts are
// never retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}
	return false
}

// Middleware returns an llm.Middleware retrying transient failures per cfg.
// The caller's ctx deadline (derived from the agent loop's timeoutMs) bounds
// both the transport call and every retry sleep.
func Middleware(cfg Config) llm.Middleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			var lastResp *llm.Response
			var lastErr error
			for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
				resp, err := next.Infer(ctx, req)
				if err == nil && (resp == nil || resp.OK || !isRetryable(responseErr(resp))) {
					return resp, nil
				}
				lastResp, lastErr = resp, err
				if err == nil {
					err = responseErr(resp)
				}
				if !isRetryable(err) || attempt >= cfg.MaxAttempts {
					break
				}
				backoff := calculateBackoff(cfg, attempt)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
			}
			if lastErr != nil {
				return nil, lastErr
			}
			return lastResp, nil
		})
	}
}

func responseErr(resp *llm.Response) error {
	if resp == nil || resp.OK {
		return nil
	}
	return resp.Error
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}
