// Package retrier retries storage calls with capped exponential backoff.
package retrier

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxRetries      = 5
	defaultJitter          = 0.1
)

// backoff is the wait schedule between attempts.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

// delay returns the wait before retry number n (n >= 1), before jitter.
func (b backoff) delay(n int) time.Duration {
	d := float64(b.initial) * math.Pow(b.multiplier, float64(n-1))
	if d > float64(b.max) || math.IsInf(d, 0) {
		return b.max
	}
	return time.Duration(d)
}

func (b backoff) withJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	d += time.Duration((rand.Float64()*2 - 1) * b.jitter * float64(d))
	if d < 0 {
		return 0
	}
	return d
}

// Retrier runs a call until it succeeds, returns a non-retryable error,
// or the retry budget is spent.
type Retrier struct {
	backoff    backoff
	maxRetries int
	retryIf    func(error) bool
	logger     *zap.Logger
}

type Option func(*Retrier)

func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) { r.backoff.initial = d }
}

func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) { r.backoff.max = d }
}

func WithMultiplier(m float64) Option {
	return func(r *Retrier) { r.backoff.multiplier = m }
}

// WithMaxRetries sets how many times a failed call is repeated; 0 means one attempt.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) { r.maxRetries = n }
}

// WithJitter spreads each wait by ±j of its length (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.backoff.jitter = j }
}

// WithRetryIf limits retries to errors for which fn returns true.
// The default retries everything except context cancellation and deadlines.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryIf = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(opts ...Option) *Retrier {
	r := &Retrier{
		backoff: backoff{
			initial:    defaultInitialInterval,
			max:        defaultMaxInterval,
			multiplier: defaultMultiplier,
			jitter:     defaultJitter,
		},
		maxRetries: defaultMaxRetries,
		retryIf:    func(err error) bool { return !IsContextError(err) },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxRetries returns the configured retry budget.
func (r *Retrier) MaxRetries() int {
	return r.maxRetries
}

// Do calls fn until it succeeds. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	for n := 1; err != nil && n <= r.maxRetries; n++ {
		if !r.retryIf(err) {
			return err
		}
		r.logger.Debug("attempt failed, retrying", zap.Int("attempt", n), zap.Error(err))

		if waitErr := sleep(ctx, r.backoff.withJitter(r.backoff.delay(n))); waitErr != nil {
			return waitErr
		}
		err = fn(ctx)
	}

	if err != nil && r.maxRetries > 0 && r.retryIf(err) {
		r.logger.Debug("retries exhausted", zap.Int("attempts", r.maxRetries+1), zap.Error(err))
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DoWithData is Do for calls that return a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}

// IsContextError reports cancellation or deadline errors.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
