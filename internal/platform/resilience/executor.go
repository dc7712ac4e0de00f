package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrorClassification tells the Executor what to do with a failed call.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

// ErrorClassifier maps a call error to its classification. Context errors
// never reach it.
type ErrorClassifier func(err error) ErrorClassification

// Call is one attempt against a dependency such as the session archive or
// the event bus.
type Call func(ctx context.Context) error

// Executor guards calls to the dependencies a request does not wait on.
// Each named dependency gets its own circuit breaker, so an archive outage
// never trips publishing and vice versa.
type Executor struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	deps map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		cfg:    cfg.normalize(),
		logger: logger.With().Str("component", "resilience").Logger(),
		deps:   make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Execute runs call against the named dependency. Retryable failures are
// retried with capped exponential backoff, all inside one breaker slot. A
// cancelled or expired ctx ends the call without counting against the
// breaker. The classifier registered by the first Execute for a name is the
// one its breaker keeps.
func (e *Executor) Execute(ctx context.Context, dependency string, call Call, classify ErrorClassifier) error {
	if call == nil {
		return fmt.Errorf("resilience: nil call for %q", dependency)
	}
	dep := strings.TrimSpace(dependency)
	if dep == "" {
		dep = "unknown"
	}
	if classify == nil {
		classify = recordAll
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !e.cfg.BreakerEnabled {
		return e.retry(ctx, dep, call, classify)
	}
	_, err := e.breaker(dep, classify).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, dep, call, classify)
	})
	return err
}

// State reports the breaker state for dependency. Unknown names and
// executors without breaking are always closed.
func (e *Executor) State(dependency string) gobreaker.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.deps[dependency]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (e *Executor) retry(ctx context.Context, dep string, call Call, classify ErrorClassifier) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = call(ctx); err == nil {
			return nil
		}
		if IsContextError(err) || ctx.Err() != nil {
			return err
		}
		if !classify(err).Retryable || attempt >= e.cfg.RetryMaxAttempts {
			break
		}

		wait := e.delay(attempt)
		e.logger.Debug().
			Str("dependency", dep).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("retrying call")
		if !sleep(ctx, wait) {
			return err
		}
	}
	return err
}

// delay is the wait after the given attempt: initial * multiplier^(attempt-1),
// capped at RetryMaxBackoff.
func (e *Executor) delay(attempt int) time.Duration {
	d := float64(e.cfg.RetryInitialBackoff) * math.Pow(e.cfg.RetryMultiplier, float64(attempt-1))
	if d > float64(e.cfg.RetryMaxBackoff) {
		return e.cfg.RetryMaxBackoff
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Executor) breaker(dep string, classify ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.deps[dep]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        dep,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= e.cfg.BreakerMinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil || IsContextError(err) {
				return true
			}
			return !classify(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := e.logger.Warn()
			if to == gobreaker.StateClosed {
				ev = e.logger.Info()
			}
			ev.Str("dependency", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	e.deps[dep] = cb
	return cb
}

// IsCircuitOpen reports whether err was produced by an open or saturated breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// IsContextError reports cancellation and deadline errors, which are never
// retried and never count against the breaker.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func recordAll(error) ErrorClassification {
	return ErrorClassification{RecordFailure: true}
}
