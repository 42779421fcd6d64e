package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"conductor/internal/config"
	"conductor/internal/services"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultJitter     = 0.2
)

// Policy decides whether and when a failed call is retried.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the fractional spread applied to each delay (0.2 = ±20%).
	Jitter float64
	// Rand returns a value in [0,1). Tests pin it for deterministic delays.
	Rand func() float64
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		Jitter:     defaultJitter,
	}
}

// FromConfig builds a policy from the [retry] config section.
func FromConfig(cfg config.Retry) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay(),
		MaxDelay:   cfg.MaxDelay(),
		Jitter:     cfg.Jitter,
	}
}

// ShouldRetry reports whether the call should be attempted again after the
// zero-based attempt failed with err, and how long to wait first. Only
// transient failures are retried.
func (p Policy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt < 0 || attempt >= p.MaxRetries {
		return false, 0
	}
	if !Retryable(err) {
		return false, 0
	}
	delay := p.withJitter(p.Backoff(attempt))
	if wait := retryAfter(err); wait > delay {
		delay = p.capDelay(wait)
	}
	return true, delay
}

// Retryable reports whether err is worth another immediate attempt.
func Retryable(err error) bool {
	switch services.KindOf(err) {
	case services.KindTransient:
		return true
	case services.KindClient,
		services.KindCircuitOpen,
		services.KindJobLost,
		services.KindStageFailed,
		services.KindPollTimeout,
		services.KindCanceled,
		services.KindNotFound,
		services.KindInterrupted,
		services.KindInternal:
		return false
	default:
		return false
	}
}

// Backoff returns the pre-jitter delay after the zero-based attempt:
// base * 2^attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	maxDelay := p.maxDelay()
	delay := base
	for i := 0; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return p.capDelay(delay)
}

func (p Policy) withJitter(delay time.Duration) time.Duration {
	if p.Jitter <= 0 || delay <= 0 {
		return delay
	}
	random := p.Rand
	if random == nil {
		random = rand.Float64
	}
	factor := 1 + p.Jitter*(2*random()-1)
	return time.Duration(float64(delay) * factor)
}

func (p Policy) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if maxDelay := p.maxDelay(); delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return defaultMaxDelay
}

func retryAfter(err error) time.Duration {
	var tagged *services.Error
	if errors.As(err, &tagged) {
		return tagged.RetryAfter
	}
	return 0
}

// Sleep waits for delay or until ctx is done.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
