// Package retry wraps fallible operations with deterministic or jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// Policy is a deterministic retry schedule. Attempt indices past the end of Delays reuse the last entry.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// Validate reports whether the policy can drive an executor.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if len(p.Delays) == 0 {
		return fmt.Errorf("delay sequence must not be empty")
	}
	for i, d := range p.Delays {
		if d < 0 {
			return fmt.Errorf("delay %d is negative", i)
		}
	}
	return nil
}

// Delay returns the sleep before the retry that follows failed attempt index i (zero based).
func (p Policy) Delay(i int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	return p.Delays[i]
}

// JitterPolicy computes Base * 2^i plus up to one second of uniform jitter.
type JitterPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxJitter   time.Duration
}

// Validate reports whether the policy can drive an executor.
func (p JitterPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Base < 0 {
		return fmt.Errorf("base delay must be >= 0")
	}
	return nil
}

func (p JitterPolicy) maxJitter() time.Duration {
	if p.MaxJitter > 0 {
		return p.MaxJitter
	}
	return time.Second
}

// ExhaustedError wraps the last failure once every attempt has been used.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the executor returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs operations under a retry policy.
type Executor struct {
	logger *zap.Logger
	sleep  Sleeper
	jitter func(limit time.Duration) time.Duration
	onFail func(operation string)
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleeper replaces the timer-based sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// WithFailureHook registers fn to observe every failed attempt, e.g. for metrics.
func WithFailureHook(fn func(operation string)) Option {
	return func(e *Executor) {
		e.onFail = fn
	}
}

// New builds an Executor.
func New(logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger: logger,
		sleep:  timerSleep,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op until it succeeds or policy.MaxAttempts is reached.
func Do[T any](ctx context.Context, e *Executor, name string, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if err := policy.Validate(); err != nil {
		var zero T
		return zero, fmt.Errorf("retry %s: %w", name, err)
	}
	return run(ctx, e, name, policy.MaxAttempts, policy.Delay, op)
}

// DoJittered runs op with exponential backoff and random jitter between attempts.
func DoJittered[T any](ctx context.Context, e *Executor, name string, policy JitterPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	if err := policy.Validate(); err != nil {
		var zero T
		return zero, fmt.Errorf("retry %s: %w", name, err)
	}
	if e == nil {
		e = New(nil)
	}
	delay := func(i int) time.Duration {
		backoff := time.Duration(float64(policy.Base) * math.Pow(2, float64(i)))
		return backoff + e.jitter(policy.maxJitter())
	}
	return run(ctx, e, name, policy.MaxAttempts, delay, op)
}

func run[T any](
	ctx context.Context,
	e *Executor,
	name string,
	attempts int,
	delay func(int) time.Duration,
	op func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	if e == nil {
		e = New(nil)
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", name, err)
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if e.onFail != nil {
			e.onFail(name)
		}
		if IsPermanent(err) {
			return zero, err
		}
		// Only the caller's context stops retries; an operation's own timeout is transient.
		if ctx.Err() != nil {
			if errors.Is(err, ctx.Err()) {
				return zero, err
			}
			return zero, fmt.Errorf("%s canceled: %w", name, ctx.Err())
		}
		if attempt == attempts-1 {
			break
		}
		wait := delay(attempt)
		e.logger.Warn("attempt failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", name, err)
		}
	}
	e.logger.Warn("attempts exhausted",
		zap.String("operation", name),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return zero, &ExhaustedError{Operation: name, Attempts: attempts, Err: lastErr}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
