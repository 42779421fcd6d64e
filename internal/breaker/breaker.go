package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected without touching the network
	StateHalfOpen              // a bounded number of probes may test recovery
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// Options configures a breaker.
type Options struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxProbes int
	// Now overrides the clock; tests advance it manually.
	Now func() time.Time
}

// FromConfig builds options from the [breaker] config section.
func FromConfig(cfg config.Breaker) Options {
	return Options{
		FailureThreshold:  cfg.FailureThreshold,
		RecoveryTimeout:   cfg.RecoveryTimeout(),
		HalfOpenMaxProbes: cfg.HalfOpenMaxProbes,
	}
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 300 * time.Second
)

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = defaultFailureThreshold
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = defaultRecoveryTimeout
	}
	if o.HalfOpenMaxProbes <= 0 {
		o.HalfOpenMaxProbes = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Target              string     `json:"target"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
	HalfOpenProbesUsed  int        `json:"half_open_probes_used"`
}

// Breaker tracks failures for one downstream target.
type Breaker struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probesUsed int
}

// New constructs a closed breaker for target name.
func New(name string, opts Options, logger *slog.Logger) *Breaker {
	opts = opts.withDefaults()
	logger = logging.NewComponentLogger(logger, "breaker").With(logging.String(logging.FieldTarget, name))
	return &Breaker{name: name, opts: opts, logger: logger}
}

// Name returns the target the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In the half-open state each true
// result consumes one probe slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.opts.Now().Sub(b.openedAt) < b.opts.RecoveryTimeout {
			return false
		}
		b.transition(StateHalfOpen, "recovery timeout elapsed")
		b.probesUsed = 1
		return true
	case StateHalfOpen:
		if b.probesUsed >= b.opts.HalfOpenMaxProbes {
			return false
		}
		b.probesUsed++
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failures = 0
		b.probesUsed = 0
		b.openedAt = time.Time{}
		b.transition(StateClosed, "probe succeeded")
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure counts a transient failure. Reaching the threshold opens the
// circuit; any failure while half-open re-opens it and restarts the timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.open("failure threshold reached")
		}
	case StateHalfOpen:
		b.failures++
		b.open("probe failed")
	}
}

// Release returns a half-open probe slot when the admitted call ended without
// a verdict, for example because its context was canceled.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probesUsed > 0 {
		b.probesUsed--
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probesUsed = 0
	b.openedAt = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
	}
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Target:              b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenProbesUsed:  b.probesUsed,
	}
	if !b.openedAt.IsZero() {
		opened := b.openedAt
		snap.OpenedAt = &opened
		if b.state == StateOpen {
			retry := opened.Add(b.opts.RecoveryTimeout)
			snap.RetryAt = &retry
		}
	}
	return snap
}

func (b *Breaker) open(reason string) {
	b.openedAt = b.opts.Now()
	b.probesUsed = 0
	b.transition(StateOpen, reason)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	attrs := []logging.Attr{
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason),
		logging.Int("consecutive_failures", b.failures),
		logging.Int("half_open_probes_used", b.probesUsed),
		logging.String(logging.FieldEventType, "breaker_"+to.String()),
	}
	if to == StateOpen {
		attrs = append(attrs,
			logging.Duration("recovery_timeout", b.opts.RecoveryTimeout),
			logging.Alert("circuit_open"),
			logging.String(logging.FieldErrorHint, "downstream service is failing; calls are rejected until the recovery timeout elapses"),
		)
		b.logger.Warn("circuit opened", logging.Args(attrs...)...)
		return
	}
	b.logger.Info("circuit state changed", logging.Args(attrs...)...)
}
