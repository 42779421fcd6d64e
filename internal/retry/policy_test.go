package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"conductor/internal/retry"
	"conductor/internal/services"
)

func fixedPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Hour,
		Jitter:     0.2,
		Rand:       func() float64 { return 0.5 },
	}
}

func TestClientErrorsNeverRetried(t *testing.T) {
	p := fixedPolicy()
	err := services.FromStatus("download", "submit", 400, "bad input")
	if ok, _ := p.ShouldRetry(0, err); ok {
		t.Fatal("expected client error to get zero retries")
	}
}

func TestNonTransientKindsNotRetried(t *testing.T) {
	p := fixedPolicy()
	for _, kind := range []services.Kind{
		services.KindCircuitOpen,
		services.KindJobLost,
		services.KindStageFailed,
		services.KindPollTimeout,
		services.KindCanceled,
	} {
		if ok, _ := p.ShouldRetry(0, services.Wrap(kind, "x", "op", "", nil)); ok {
			t.Fatalf("expected %s not to be retried", kind)
		}
	}
	if ok, _ := p.ShouldRetry(0, context.Canceled); ok {
		t.Fatal("expected context cancellation not to be retried")
	}
}

func TestTransientRetriedUpToMax(t *testing.T) {
	p := fixedPolicy()
	err := services.FromStatus("download", "submit", 503, "")
	var last time.Duration
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		ok, delay := p.ShouldRetry(attempt, err)
		if !ok {
			t.Fatalf("expected retry after attempt %d", attempt)
		}
		if delay <= last {
			t.Fatalf("expected strictly increasing delay, got %v after %v", delay, last)
		}
		last = delay
	}
	if ok, _ := p.ShouldRetry(p.MaxRetries, err); ok {
		t.Fatal("expected retries to stop at MaxRetries")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, expected := range want {
		if got := p.Backoff(attempt); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, expected, got)
		}
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	err := services.Wrap(services.KindTransient, "x", "op", "", nil)
	for _, r := range []float64{0, 0.25, 0.999} {
		p := fixedPolicy()
		p.Rand = func() float64 { return r }
		_, delay := p.ShouldRetry(2, err)
		base := p.Backoff(2)
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		if delay < low || delay > high {
			t.Fatalf("rand %v: delay %v outside [%v, %v]", r, delay, low, high)
		}
	}
}

func TestRetryAfterHonored(t *testing.T) {
	p := fixedPolicy()
	err := &services.Error{Kind: services.KindTransient, StatusCode: 429, RetryAfter: 7 * time.Second}
	ok, delay := p.ShouldRetry(0, err)
	if !ok || delay != 7*time.Second {
		t.Fatalf("expected Retry-After delay, got %v (%v)", delay, ok)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := retry.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err := retry.Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("expected short sleep to succeed, got %v", err)
	}
}
