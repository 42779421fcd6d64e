package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/retry"
	"conductor/internal/services"
)

const (
	defaultInitialInterval      = 2 * time.Second
	defaultMaxInterval          = 30 * time.Second
	defaultGrowEvery            = 10
	defaultMaxAttempts          = 600
	defaultNotFoundGrace        = 5
	defaultMaxConsecutiveErrors = 5
)

// Options configures the polling schedule.
type Options struct {
	// Name identifies the polled target in errors and logs.
	Name                 string
	InitialInterval      time.Duration
	MaxInterval          time.Duration
	GrowEvery            int
	MaxAttempts          int
	NotFoundGrace        int
	MaxConsecutiveErrors int
	// Timeout bounds the whole poll in wall-clock time. Zero disables it.
	Timeout time.Duration
	// Sleep overrides the wait between checks; tests use it to skip real time.
	Sleep func(ctx context.Context, d time.Duration) error
}

// FromConfig builds options from the [poller] config section.
func FromConfig(name string, cfg config.Poller) Options {
	return Options{
		Name:                 name,
		InitialInterval:      cfg.InitialInterval(),
		MaxInterval:          cfg.MaxInterval(),
		GrowEvery:            cfg.GrowEvery,
		MaxAttempts:          cfg.MaxAttempts,
		NotFoundGrace:        cfg.NotFoundGrace,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		Timeout:              cfg.Timeout(),
	}
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = defaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaultMaxInterval
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = o.InitialInterval
	}
	if o.GrowEvery <= 0 {
		o.GrowEvery = defaultGrowEvery
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.NotFoundGrace < 0 {
		o.NotFoundGrace = 0
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if o.Sleep == nil {
		o.Sleep = retry.Sleep
	}
	return o
}

// Probe describes how to observe one remote job.
type Probe[T any] struct {
	// Check reads the current remote state.
	Check func(ctx context.Context) (T, error)
	// IsTerminal reports whether polling can stop.
	IsTerminal func(T) bool
	// IsFailed reports whether a terminal state is a failure.
	IsFailed func(T) bool
	// IsRunning reports whether the remote side has picked the job up. When
	// nil, any successful non-terminal read counts as running.
	IsRunning func(T) bool
	// OnUpdate is called after every successful check.
	OnUpdate func(T)
}

// Result is the outcome of a poll.
type Result[T any] struct {
	State    T
	Attempts int
	// Waited is the sum of the intervals actually slept.
	Waited time.Duration
}

// Poller drives repeated checks with a growing interval and bounded budget.
type Poller[T any] struct {
	opts   Options
	logger *slog.Logger
}

// New constructs a poller.
func New[T any](opts Options, logger *slog.Logger) *Poller[T] {
	return &Poller[T]{
		opts:   opts.withDefaults(),
		logger: logging.NewComponentLogger(logger, "poller"),
	}
}

// Poll checks until the probe reports a terminal state, the attempt or time
// budget runs out, or ctx is done.
func (p *Poller[T]) Poll(ctx context.Context, probe Probe[T]) (Result[T], error) {
	var result Result[T]
	if probe.Check == nil || probe.IsTerminal == nil {
		return result, services.Wrap(services.KindInternal, p.opts.Name, "poll", "probe requires Check and IsTerminal", nil)
	}

	pollCtx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	logger := logging.WithContext(ctx, p.logger)
	interval := p.opts.InitialInterval
	seenRunning := false
	consecutiveErrors := 0

	for {
		if result.Attempts >= p.opts.MaxAttempts {
			return result, services.Wrap(services.KindPollTimeout, p.opts.Name, "poll",
				fmt.Sprintf("no terminal state after %d attempts", result.Attempts), nil)
		}
		result.Attempts++

		state, err := probe.Check(pollCtx)
		if err != nil {
			if ctxErr := pollCtx.Err(); ctxErr != nil {
				return result, p.contextError(ctx, ctxErr)
			}
			switch services.KindOf(err) {
			case services.KindNotFound:
				if seenRunning || result.Attempts > p.opts.NotFoundGrace {
					return result, services.Wrap(services.KindJobLost, p.opts.Name, "poll",
						fmt.Sprintf("remote job disappeared (attempt %d, seen running %v)", result.Attempts, seenRunning), err)
				}
				logger.Debug("remote job not visible yet",
					logging.Int("attempt", result.Attempts),
					logging.Int("grace", p.opts.NotFoundGrace),
				)
			case services.KindTransient:
				consecutiveErrors++
				if consecutiveErrors > p.opts.MaxConsecutiveErrors {
					return result, fmt.Errorf("poll %s: %d consecutive errors: %w", p.opts.Name, consecutiveErrors, err)
				}
				logger.Debug("status check failed; will retry",
					logging.Int("attempt", result.Attempts),
					logging.Int("consecutive_errors", consecutiveErrors),
					logging.Error(err),
				)
			default:
				return result, err
			}
		} else {
			consecutiveErrors = 0
			result.State = state
			if probe.OnUpdate != nil {
				probe.OnUpdate(state)
			}
			if probe.IsTerminal(state) {
				if probe.IsFailed != nil && probe.IsFailed(state) {
					return result, services.Wrap(services.KindStageFailed, p.opts.Name, "poll", "remote job reported failure", nil)
				}
				return result, nil
			}
			if probe.IsRunning == nil || probe.IsRunning(state) {
				seenRunning = true
			}
		}

		if result.Attempts >= p.opts.MaxAttempts {
			continue
		}
		if err := p.opts.Sleep(pollCtx, interval); err != nil {
			if ctxErr := pollCtx.Err(); ctxErr != nil {
				return result, p.contextError(ctx, ctxErr)
			}
			return result, err
		}
		result.Waited += interval
		if result.Attempts%p.opts.GrowEvery == 0 {
			interval = min(interval*2, p.opts.MaxInterval)
		}
	}
}

// contextError distinguishes the poller's own wall-clock budget from the
// caller's context ending.
func (p *Poller[T]) contextError(parent context.Context, err error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.KindPollTimeout, p.opts.Name, "poll",
			fmt.Sprintf("exceeded poll timeout %s", p.opts.Timeout), err)
	}
	if cause := context.Cause(parent); cause != nil && !errors.Is(cause, err) {
		return services.Wrap(services.KindOf(cause), p.opts.Name, "poll", "context ended", cause)
	}
	return services.Wrap(services.KindOf(err), p.opts.Name, "poll", "context ended", err)
}
