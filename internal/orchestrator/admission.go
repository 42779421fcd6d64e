package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// admission hands out run slots in submission order. Jobs enqueue a ticket
// synchronously from Submit; a single dispatcher acquires the semaphore for
// the oldest waiting ticket, so a later job never overtakes an earlier one.
type admission struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	waiting []*ticket
	wake    chan struct{}
}

type ticket struct {
	ready chan struct{}

	mu        sync.Mutex
	granted   bool
	abandoned bool
}

func newAdmission(slots int64) *admission {
	return &admission{
		sem:  semaphore.NewWeighted(slots),
		wake: make(chan struct{}, 1),
	}
}

func (a *admission) enqueue() *ticket {
	t := &ticket{ready: make(chan struct{})}
	a.mu.Lock()
	a.waiting = append(a.waiting, t)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return t
}

// run dispatches tickets until ctx ends.
func (a *admission) run(ctx context.Context) {
	for {
		t, ok := a.next(ctx)
		if !ok {
			return
		}
		if t.isAbandoned() {
			continue
		}
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		t.mu.Lock()
		if t.abandoned {
			a.sem.Release(1)
		} else {
			t.granted = true
			close(t.ready)
		}
		t.mu.Unlock()
	}
}

func (a *admission) next(ctx context.Context) (*ticket, bool) {
	for {
		a.mu.Lock()
		if len(a.waiting) > 0 {
			t := a.waiting[0]
			a.waiting[0] = nil
			a.waiting = a.waiting[1:]
			a.mu.Unlock()
			return t, true
		}
		a.mu.Unlock()
		select {
		case <-a.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// wait blocks until t holds a slot or ctx ends. A ticket given up on before
// its turn is skipped by the dispatcher.
func (a *admission) wait(ctx context.Context, t *ticket) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.granted {
		a.sem.Release(1)
	} else {
		t.abandoned = true
	}
	return ctx.Err()
}

func (a *admission) release() {
	a.sem.Release(1)
}

func (t *ticket) isAbandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandoned
}
