package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/internal/logger"
	"pii-redactor/internal/telemetry"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RetryableError marks a failure as transient (transport error, 429, 5xx)
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so CallGuard may attempt the call again
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked transient
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// retryableStatus reports whether an HTTP status code is worth retrying
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// CallGuard wraps calls to one external collaborator with a rate limiter, a
// circuit breaker and bounded exponential retry. With maxAttempts of 1 every
// call is attempted at most once.
type CallGuard struct {
	name        string
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	maxAttempts int
	interval    time.Duration
}

// NewCallGuard creates a guard from the external-call settings in cfg
func NewCallGuard(name string, cfg *config.Config, metrics *telemetry.Metrics) *CallGuard {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// Permanent failures mean the collaborator answered, so they do not
		// count against its health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, to.String())
		},
	})

	limit := rate.Inf
	if cfg.ExternalRPS > 0 {
		limit = rate.Limit(cfg.ExternalRPS)
	}
	burst := cfg.ExternalBurst
	if burst < 1 {
		burst = 1
	}

	attempts := cfg.ExternalMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &CallGuard{
		name:        name,
		breaker:     breaker,
		limiter:     rate.NewLimiter(limit, burst),
		maxAttempts: attempts,
		interval:    500 * time.Millisecond,
	}
}

// Do runs op under the guard. Only errors marked Retryable are attempted
// again; the returned error is the last failure.
func (g *CallGuard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s unavailable: %w", g.name, err))
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt < g.maxAttempts {
			logger.Warn("External call failed, retrying", "service", g.name, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.interval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(g.maxAttempts)),
	)
	// the last attempt may still carry the Permanent wrapper
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
