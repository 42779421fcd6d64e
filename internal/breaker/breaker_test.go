package breaker_test

import (
	"sync"
	"testing"
	"time"

	"conductor/internal/breaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(clock *fakeClock, probes int) *breaker.Breaker {
	return breaker.New("download", breaker.Options{
		FailureThreshold:  5,
		RecoveryTimeout:   300 * time.Second,
		HalfOpenMaxProbes: probes,
		Now:               clock.Now,
	}, nil)
}

func TestOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock, 1)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("expected allow after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected open circuit to reject")
	}
	clock.Advance(299 * time.Second)
	if b.Allow() {
		t.Fatal("expected rejection before recovery timeout")
	}
	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("expected probe after recovery timeout")
	}
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != breaker.StateClosed {
		t.Fatalf("expected closed after non-consecutive failures, got %s", b.State())
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(300 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe")
	}
	if b.Allow() {
		t.Fatal("expected second concurrent probe to be rejected")
	}
	b.RecordSuccess()
	snap := b.Snapshot()
	if snap.State != breaker.StateClosed || snap.ConsecutiveFailures != 0 || snap.HalfOpenProbesUsed != 0 {
		t.Fatalf("unexpected snapshot after recovery: %+v", snap)
	}
	if !b.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
}

func TestHalfOpenFailureReopensAndRestartsTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 1)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(300 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe")
	}
	b.RecordFailure()
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected re-open, got %s", b.State())
	}
	snap := b.Snapshot()
	if snap.OpenedAt == nil || !snap.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("expected opened_at reset to now, got %v", snap.OpenedAt)
	}
	clock.Advance(200 * time.Second)
	if b.Allow() {
		t.Fatal("expected timeout to restart from the probe failure")
	}
	clock.Advance(100 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe after restarted timeout")
	}
}

func TestMultipleProbes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newBreaker(clock, 3)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(300 * time.Second)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected probe %d", i+1)
		}
	}
	if b.Allow() {
		t.Fatal("expected probe budget exhausted")
	}
	b.Release()
	if !b.Allow() {
		t.Fatal("expected released probe slot to be reusable")
	}
}

func TestRegistry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	reg := breaker.NewRegistry(breaker.Options{FailureThreshold: 1, Now: clock.Now}, nil)
	if reg.Get("transcription") != reg.Get("transcription") {
		t.Fatal("expected registry to return the same breaker")
	}
	reg.Get("download").RecordFailure()
	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Target != "download" || snaps[0].State != breaker.StateOpen {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if snaps[0].RetryAt == nil {
		t.Fatal("expected retry_at on open breaker")
	}
	if !reg.Reset("download") {
		t.Fatal("expected reset of known target")
	}
	if reg.Reset("unknown") {
		t.Fatal("expected reset of unknown target to report false")
	}
	reg.Get("transcription").RecordFailure()
	reg.ResetAll()
	for _, snap := range reg.Snapshots() {
		if snap.State != breaker.StateClosed {
			t.Fatalf("expected all closed, got %+v", snap)
		}
	}
}

func TestConcurrentUse(t *testing.T) {
	b := breaker.New("normalization", breaker.Options{FailureThreshold: 1000}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.Allow() {
				if i%2 == 0 {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
			}
			_ = b.Snapshot()
		}(i)
	}
	wg.Wait()
}
